package workerpool

const (
	initialRingCapacity = 64
)

// ring implements a growable first-in-first-out circular buffer.
//
// It backs both the pending and the completed lists. It is not safe for
// concurrent use; the queue guards each ring with its own mutex.
type ring[E any] struct {
	buf        []E // circular buffer
	head, tail int // read/write indices
	size       int // number of elements currently buffered
}

// newRing creates a ring with the given initial capacity.
func newRing[E any](capacity int) *ring[E] {
	if capacity <= 0 {
		capacity = initialRingCapacity
	}
	return &ring[E]{buf: make([]E, capacity)}
}

// Len returns the number of buffered elements.
func (r *ring[E]) Len() int { return r.size }

// Push appends e at the tail, growing the buffer when full.
func (r *ring[E]) Push(e E) {
	if r.size == len(r.buf) {
		r.grow()
	}
	r.buf[r.tail] = e
	r.tail = r.next(r.tail)
	r.size++
}

// Pop removes and returns the oldest element.
func (r *ring[E]) Pop() (E, bool) {
	var zero E
	if r.size == 0 {
		return zero, false
	}
	e := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = r.next(r.head)
	r.size--
	return e, true
}

// RemoveFunc removes up to limit elements for which match reports true
// and returns them in queue order. The relative order of the remaining
// elements is preserved. A negative limit removes every match.
func (r *ring[E]) RemoveFunc(limit int, match func(E) bool) []E {
	if r.size == 0 || limit == 0 {
		return nil
	}
	var removed []E
	w, rd := r.head, r.head
	for range r.size {
		e := r.buf[rd]
		if (limit < 0 || len(removed) < limit) && match(e) {
			removed = append(removed, e)
		} else {
			r.buf[w] = e
			w = r.next(w)
		}
		rd = r.next(rd)
	}
	if len(removed) == 0 {
		return nil
	}

	// w is the new tail; clear the vacated slots so removed elements
	// can be collected.
	var zero E
	for i, p := 0, w; i < len(removed); i, p = i+1, r.next(p) {
		r.buf[p] = zero
	}
	r.tail = w
	r.size -= len(removed)
	return removed
}

func (r *ring[E]) next(i int) int {
	i++
	if i == len(r.buf) {
		return 0
	}
	return i
}

// grow doubles the capacity, unwrapping the buffer so head is at 0.
func (r *ring[E]) grow() {
	buf := make([]E, len(r.buf)*2)
	n := copy(buf, r.buf[r.head:])
	copy(buf[n:], r.buf[:r.head])
	r.buf = buf
	r.head = 0
	r.tail = r.size
}
