// Package focus carries the focus-mutation permission of the command that is
// currently executing. Nested commands inherit the outermost decision.
package focus

import (
	"context"
	"sync"
)

type ctxKey struct{}

type guard struct {
	mu      sync.Mutex
	depth   int
	allowed bool
}

// Enter marks the start of a command. The first Enter on a context chain
// fixes the policy; later Enters only bump the depth. release must be called
// exactly once.
func Enter(ctx context.Context, allowed bool) (context.Context, func()) {
	if g, ok := ctx.Value(ctxKey{}).(*guard); ok {
		g.mu.Lock()
		g.depth++
		g.mu.Unlock()
		return ctx, g.release
	}
	g := &guard{depth: 1, allowed: allowed}
	return context.WithValue(ctx, ctxKey{}, g), g.release
}

func (g *guard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth > 0 {
		g.depth--
	}
}

// Allowed reports whether the executing command may change focus. Outside of
// any command it is false.
func Allowed(ctx context.Context) bool {
	g, ok := ctx.Value(ctxKey{}).(*guard)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0 && g.allowed
}

// Depth returns the current nesting level.
func Depth(ctx context.Context) int {
	g, ok := ctx.Value(ctxKey{}).(*guard)
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth
}
