package mainloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestDoSerializesTasks(t *testing.T) {
	l := startLoop(t)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		count   int
	)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				count++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 20, count)
}

func TestNestedDoRunsInline(t *testing.T) {
	l := startLoop(t)

	got, err := Call(context.Background(), l, func(ctx context.Context) (int, error) {
		require.True(t, OnLoop(ctx))
		return Call(ctx, l, func(context.Context) (int, error) { return 42, nil })
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDoPropagatesErrorsAndPanics(t *testing.T) {
	l := startLoop(t)
	boom := errors.New("boom")

	err := l.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = l.Do(context.Background(), func(context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestDoAfterStop(t *testing.T) {
	l := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(context.Background())
	}()
	l.Stop()
	<-done

	err := l.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}
