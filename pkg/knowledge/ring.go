package knowledge

// Ring is a fixed-capacity FIFO buffer. Pushing onto a full ring evicts the
// oldest element. A Ring is not safe for concurrent use.
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity elements. A capacity below
// one is raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring is full the oldest element is removed and
// returned with evicted set to true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return old, false
	}
	old = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return old, true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Items returns the stored elements, oldest first, in a new slice.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Oldest returns the oldest element, if any.
func (r *Ring[T]) Oldest() (v T, ok bool) {
	if r.size == 0 {
		return v, false
	}
	return r.buf[r.start], true
}

// Newest returns the most recently pushed element, if any.
func (r *Ring[T]) Newest() (v T, ok bool) {
	if r.size == 0 {
		return v, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}
