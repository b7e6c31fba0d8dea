package webview

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bareHost is a ChromeHost without a browser, enough for the bookkeeping.
func bareHost() *ChromeHost {
	return &ChromeHost{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		views:     make(map[uuid.UUID]*chromeView),
		attaching: make(map[uuid.UUID]chan struct{}),
	}
}

func (h *ChromeHost) bareView() *chromeView {
	ctx, cancel := context.WithCancel(context.Background())
	return &chromeView{host: h, ctx: ctx, cancel: cancel}
}

func TestClaimLetsOneCallerOpenTheTab(t *testing.T) {
	h := bareHost()
	id := uuid.New()
	ctx := context.Background()

	first, err := h.claim(ctx, id)
	require.NoError(t, err)
	require.Nil(t, first)

	got := make(chan *chromeView, 1)
	go func() {
		v, err := h.claim(ctx, id)
		assert.NoError(t, err)
		got <- v
	}()
	select {
	case <-got:
		t.Fatal("second claim returned while the first was still opening")
	case <-time.After(30 * time.Millisecond):
	}

	v := h.bareView()
	h.release(id, v)
	select {
	case shared := <-got:
		assert.Same(t, v, shared)
	case <-time.After(time.Second):
		t.Fatal("second claim never returned")
	}
	assert.Empty(t, h.attaching)
}

func TestFailedOpenHandsClaimToNextCaller(t *testing.T) {
	h := bareHost()
	id := uuid.New()
	ctx := context.Background()

	_, err := h.claim(ctx, id)
	require.NoError(t, err)
	h.release(id, nil)

	v, err := h.claim(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestClaimHonoursContext(t *testing.T) {
	h := bareHost()
	id := uuid.New()
	_, err := h.claim(context.Background(), id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.claim(ctx, id)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFocusMovesBetweenViews(t *testing.T) {
	h := bareHost()
	a, b := h.bareView(), h.bareView()
	aID, bID := uuid.New(), uuid.New()
	h.release(aID, a)
	h.release(bID, b)

	h.setFocused(a)
	assert.True(t, a.Focused())
	assert.False(t, b.Focused())

	h.setFocused(b)
	assert.False(t, a.Focused())
	assert.True(t, b.Focused())

	require.NoError(t, h.Detach(bID))
	assert.False(t, b.Focused())
	assert.Error(t, b.ctx.Err())

	h.setFocused(b)
	assert.False(t, b.Focused())
	assert.False(t, a.Focused())
}
