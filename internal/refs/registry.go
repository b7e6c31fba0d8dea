// Package refs maps internal entity UUIDs to short, session-stable handles
// such as "workspace:3".
package refs

import (
	"iter"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/model"
)

// AliasTab is accepted wherever a surface ref is expected.
const AliasTab = "tab"

type idKey struct {
	kind model.Kind
	id   uuid.UUID
}

// Registry allocates refs with a monotonic ordinal per kind. Refs are never
// reassigned: a ref whose entity is gone keeps pointing at the dead UUID and
// the caller's lookup in the domain model reports it missing.
type Registry struct {
	mu    sync.Mutex
	next  map[model.Kind]int
	byRef map[string]uuid.UUID
	byID  map[idKey]string

	// tableReads counts ref-table lookups made by Resolve.
	tableReads int
}

func New() *Registry {
	return &Registry{
		next:  make(map[model.Kind]int),
		byRef: make(map[string]uuid.UUID),
		byID:  make(map[idKey]string),
	}
}

// Ref returns the ref for id, allocating one on first touch.
func (r *Registry) Ref(kind model.Kind, id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refLocked(kind, id)
}

func (r *Registry) refLocked(kind model.Kind, id uuid.UUID) string {
	key := idKey{kind: kind, id: id}
	if ref, ok := r.byID[key]; ok {
		return ref
	}
	r.next[kind]++
	ref := string(kind) + ":" + strconv.Itoa(r.next[kind])
	r.byID[key] = ref
	r.byRef[ref] = id
	return ref
}

// Refresh allocates refs for every entity yielded by walk, in order.
func (r *Registry) Refresh(walk iter.Seq2[model.Kind, uuid.UUID]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, id := range walk {
		r.refLocked(kind, id)
	}
}

// Resolve turns a UUID string, a ref or a tab alias into a UUID of the given
// kind. A literal UUID is returned without consulting the table.
func (r *Registry) Resolve(kind model.Kind, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, model.InvalidParams("%s id is required", kind)
	}
	if id, err := uuid.Parse(raw); err == nil {
		return id, nil
	}

	prefix, ordinal, ok := splitRef(raw)
	if !ok {
		return uuid.Nil, model.InvalidParams("invalid %s reference %q", kind, raw)
	}
	target := model.Kind(prefix)
	if prefix == AliasTab {
		target = model.KindSurface
	}
	if target != kind {
		return uuid.Nil, model.InvalidParams("%q is not a %s reference", raw, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tableReads++
	if id, ok := r.byRef[raw]; ok {
		return id, nil
	}
	if prefix == AliasTab {
		if id, ok := r.byRef[string(model.KindSurface)+":"+ordinal]; ok {
			return id, nil
		}
	}
	return uuid.Nil, model.NotFound("%s %q not found", kind, raw)
}

// Lookup returns the UUID bound to ref without alias translation.
func (r *Registry) Lookup(ref string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRef[ref]
	return id, ok
}

// Len reports how many refs of kind have been allocated.
func (r *Registry) Len(kind model.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next[kind]
}

// IsRef reports whether raw looks like "<kind>:<n>" or "tab:<n>".
func IsRef(raw string) bool {
	prefix, _, ok := splitRef(strings.TrimSpace(raw))
	if !ok {
		return false
	}
	if prefix == AliasTab {
		return true
	}
	_, known := model.ParseKind(prefix)
	return known
}

func splitRef(raw string) (prefix, ordinal string, ok bool) {
	prefix, ordinal, found := strings.Cut(raw, ":")
	if !found || prefix == "" {
		return "", "", false
	}
	n, err := strconv.Atoi(ordinal)
	if err != nil || n <= 0 {
		return "", "", false
	}
	return prefix, ordinal, true
}
