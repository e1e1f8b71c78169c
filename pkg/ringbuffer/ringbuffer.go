package ringbuffer

// RingBuffer is a fixed-capacity circular store.  Every slot is populated from
// construction onwards, so reads are always well-defined.  Indexing is in
// logical order: index 0 is the oldest element, Len()-1 the newest.
//
// Not safe for concurrent use.
type RingBuffer[T any] struct {
	data []T
	idx  int // Next slot to overwrite, which is also the oldest element.
}

// New creates a ring buffer holding a copy of initial.  The capacity is
// len(initial) and never changes.
func New[T any](initial []T) *RingBuffer[T] {
	if len(initial) == 0 {
		panic("ringbuffer: capacity must be at least 1")
	}
	data := make([]T, len(initial))
	copy(data, initial)
	return &RingBuffer[T]{data: data}
}

// Filled creates a ring buffer of size n with every slot set to v.
func Filled[T any](n int, v T) *RingBuffer[T] {
	if n <= 0 {
		panic("ringbuffer: capacity must be at least 1")
	}
	data := make([]T, n)
	for i := range data {
		data[i] = v
	}
	return &RingBuffer[T]{data: data}
}

func (r *RingBuffer[T]) Len() int {
	return len(r.data)
}

// Insert overwrites the oldest element with v.
func (r *RingBuffer[T]) Insert(v T) {
	r.data[r.idx] = v
	r.idx++
	if r.idx == len(r.data) {
		r.idx = 0
	}
}

// At returns the i-th oldest element.
func (r *RingBuffer[T]) At(i int) T {
	return r.data[r.physical(i)]
}

// Ptr returns a pointer to the i-th oldest element, for in-place updates.
func (r *RingBuffer[T]) Ptr(i int) *T {
	return &r.data[r.physical(i)]
}

// Newest returns the most recently inserted element.
func (r *RingBuffer[T]) Newest() T {
	return r.At(len(r.data) - 1)
}

// CopyInto copies the contents, oldest first, into dst, which must be at
// least Len() long.  It does not allocate.
func (r *RingBuffer[T]) CopyInto(dst []T) {
	n := copy(dst, r.data[r.idx:])
	copy(dst[n:], r.data[:r.idx])
}

// Snapshot returns a copy of the contents, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	out := make([]T, len(r.data))
	r.CopyInto(out)
	return out
}

func (r *RingBuffer[T]) physical(i int) int {
	if i < 0 || i >= len(r.data) {
		panic("ringbuffer: index out of range")
	}
	p := r.idx + i
	if p >= len(r.data) {
		p -= len(r.data)
	}
	return p
}
