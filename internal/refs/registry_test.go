package refs

import (
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/cmuxctl/internal/model"
)

func TestRefOrdinalsIncreasePerKind(t *testing.T) {
	r := New()
	for _, kind := range model.Kinds {
		u1, u2 := uuid.New(), uuid.New()
		ref1 := r.Ref(kind, u1)
		ref2 := r.Ref(kind, u2)
		assert.Equal(t, fmt.Sprintf("%s:1", kind), ref1)
		assert.Equal(t, fmt.Sprintf("%s:2", kind), ref2)
		assert.NotEqual(t, ref1, ref2)

		again := r.Ref(kind, u1)
		assert.Equal(t, ref1, again, "one ref per (uuid, kind)")

		got, err := r.Resolve(kind, ref1)
		require.NoError(t, err)
		assert.Equal(t, u1, got)
		got, err = r.Resolve(kind, ref2)
		require.NoError(t, err)
		assert.Equal(t, u2, got)
	}
}

func TestResolveLiteralUUIDSkipsTable(t *testing.T) {
	r := New()
	id := uuid.New()
	r.Ref(model.KindPane, uuid.New())

	got, err := r.Resolve(model.KindPane, id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Zero(t, r.tableReads)
	assert.Equal(t, 1, r.Len(model.KindPane))
}

func TestResolveTabAlias(t *testing.T) {
	r := New()
	id := uuid.New()
	ref := r.Ref(model.KindSurface, id)
	require.Equal(t, "surface:1", ref)

	got, err := r.Resolve(model.KindSurface, "tab:1")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, IsRef("tab:1"))
}

func TestResolveErrors(t *testing.T) {
	r := New()
	r.Ref(model.KindWorkspace, uuid.New())

	_, err := r.Resolve(model.KindWorkspace, "workspace:9")
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))

	_, err = r.Resolve(model.KindWorkspace, "pane:1")
	assert.Equal(t, model.ErrInvalidParams, model.CodeOf(err))

	_, err = r.Resolve(model.KindWorkspace, "garbage")
	assert.Equal(t, model.ErrInvalidParams, model.CodeOf(err))

	_, err = r.Resolve(model.KindWorkspace, "workspace:0")
	assert.Equal(t, model.ErrInvalidParams, model.CodeOf(err))

	_, err = r.Resolve(model.KindWorkspace, " ")
	assert.Equal(t, model.ErrInvalidParams, model.CodeOf(err))
}

func TestRefreshAllocatesInWalkOrder(t *testing.T) {
	r := New()
	win, ws, pane, surf := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	walk := func(yield func(model.Kind, uuid.UUID) bool) {
		_ = yield(model.KindWindow, win) &&
			yield(model.KindWorkspace, ws) &&
			yield(model.KindPane, pane) &&
			yield(model.KindSurface, surf)
	}
	r.Refresh(iter.Seq2[model.Kind, uuid.UUID](walk))
	r.Refresh(iter.Seq2[model.Kind, uuid.UUID](walk))

	assert.Equal(t, "window:1", r.Ref(model.KindWindow, win))
	assert.Equal(t, "workspace:1", r.Ref(model.KindWorkspace, ws))
	assert.Equal(t, "pane:1", r.Ref(model.KindPane, pane))
	assert.Equal(t, "surface:1", r.Ref(model.KindSurface, surf))
	assert.Equal(t, 1, r.Len(model.KindSurface))
}

func TestDanglingRefIsNeverReused(t *testing.T) {
	r := New()
	dead := uuid.New()
	ref := r.Ref(model.KindSurface, dead)
	fresh := r.Ref(model.KindSurface, uuid.New())
	assert.NotEqual(t, ref, fresh)

	id, ok := r.Lookup(ref)
	require.True(t, ok)
	assert.Equal(t, dead, id)
}

func TestConcurrentAllocationIsUnique(t *testing.T) {
	r := New()
	const workers = 16
	refs := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refs[i] = r.Ref(model.KindPane, uuid.New())
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, ref := range refs {
		assert.False(t, seen[ref], "duplicate ref %s", ref)
		seen[ref] = true
	}
	assert.Equal(t, workers, r.Len(model.KindPane))
}
