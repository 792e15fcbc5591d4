// Package ring provides a fixed-capacity FIFO used for the scheduler's
// pending-session queue.
package ring

// Ring is a bounded FIFO queue. The zero value is not usable; create
// instances with New. Ring is not safe for concurrent use.
type Ring[T comparable] struct {
	buf  []T
	head int // index of the oldest element
	n    int // number of stored elements
}

// New creates a ring holding at most capacity elements.
// It panics if capacity is not positive.
func New[T comparable](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Push appends v at the tail. Returns false, leaving the ring unchanged,
// when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.n == len(r.buf) {
		return false
	}
	r.buf[r.index(r.n)] = v
	r.n++
	return true
}

// Peek returns the head element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Pop removes and returns the head element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = r.index(1)
	r.n--
	return v, true
}

// RemoveAll deletes every occurrence of v, keeping the relative order of the
// remaining elements, and returns how many were removed.
func (r *Ring[T]) RemoveAll(v T) int {
	var zero T
	kept := 0
	for i := 0; i < r.n; i++ {
		e := r.buf[r.index(i)]
		if e == v {
			continue
		}
		r.buf[r.index(kept)] = e
		kept++
	}
	removed := r.n - kept
	for i := kept; i < r.n; i++ {
		r.buf[r.index(i)] = zero
	}
	r.n = kept
	return removed
}

// Contains reports whether v is queued.
func (r *Ring[T]) Contains(v T) bool {
	for i := 0; i < r.n; i++ {
		if r.buf[r.index(i)] == v {
			return true
		}
	}
	return false
}

// Values returns the queued elements, head first.
func (r *Ring[T]) Values() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[r.index(i)])
	}
	return out
}

func (r *Ring[T]) index(offset int) int {
	return (r.head + offset) % len(r.buf)
}
