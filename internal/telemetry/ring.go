package telemetry

// ring is a fixed-capacity FIFO that overwrites its oldest element.
type ring[T any] struct {
	items []T
	head  int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

// push appends v, returning the evicted element when the ring was full.
func (r *ring[T]) push(v T) (evicted T, ok bool) {
	if r.size == len(r.items) {
		evicted = r.items[r.head]
		r.items[r.head] = v
		r.head = (r.head + 1) % len(r.items)
		return evicted, true
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return evicted, false
}

// at returns the i-th element counting from the oldest.
func (r *ring[T]) at(i int) T {
	return r.items[(r.head+i)%len(r.items)]
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) reset() {
	clear(r.items)
	r.head = 0
	r.size = 0
}
