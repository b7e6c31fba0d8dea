// Package mainloop provides the single serialized execution context that owns
// the domain model. Callers hand work to the loop and block until it is done.
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrStopped = errors.New("mainloop: stopped")

type onLoopKey struct{}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type Loop struct {
	tasks   chan task
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started bool
	mu      sync.Mutex
}

func New() *Loop {
	return &Loop{
		tasks:   make(chan task),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run executes submitted tasks one at a time until ctx is done or Stop is
// called.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("mainloop: already running")
	}
	l.started = true
	l.mu.Unlock()
	defer close(l.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case t := <-l.tasks:
			t.done <- runTask(t)
		}
	}
}

func runTask(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mainloop: panic: %v", r)
		}
	}()
	return t.fn(context.WithValue(t.ctx, onLoopKey{}, true))
}

func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Do runs fn on the loop and waits for it. Called from a context that is
// already on the loop, fn runs inline. Once fn has been handed over the call
// waits for it even if ctx is cancelled.
func (l *Loop) Do(ctx context.Context, fn func(context.Context) error) error {
	if OnLoop(ctx) {
		return fn(ctx)
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case l.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return ErrStopped
	case <-l.stopped:
		return ErrStopped
	}
	return <-t.done
}

// OnLoop reports whether ctx belongs to a task running on a loop.
func OnLoop(ctx context.Context) bool {
	v, _ := ctx.Value(onLoopKey{}).(bool)
	return v
}

// Call is Do for functions that produce a value.
func Call[T any](ctx context.Context, l *Loop, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}
