package browser

// ring is a bounded FIFO that drops its oldest entries on overflow.
type ring[T any] struct {
	items   []T
	limit   int
	dropped int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 1
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(items ...T) {
	r.items = append(r.items, items...)
	if over := len(r.items) - r.limit; over > 0 {
		r.items = append(r.items[:0:0], r.items[over:]...)
		r.dropped += over
	}
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	head := r.items[0]
	r.items = r.items[1:]
	return head, true
}

func (r *ring[T]) list() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *ring[T]) clear() {
	r.items = nil
}

func (r *ring[T]) len() int {
	return len(r.items)
}
