// Package ring provides a fixed-capacity FIFO buffer.
//
// Once the buffer is full, every Push evicts the oldest element. Eviction is
// purely chronological; reads never change the order.
//
// Buffer is not safe for concurrent use; callers guard it with their own lock.
package ring

// Buffer is a bounded FIFO ring of T.
type Buffer[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

// New returns an empty [Buffer] holding at most capacity elements.
// A capacity below 1 is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v. When the buffer is full the oldest element is dropped and
// returned with evicted = true.
func (b *Buffer[T]) Push(v T) (old T, evicted bool) {
	c := len(b.items)
	if b.size < c {
		b.items[(b.head+b.size)%c] = v
		b.size++
		return old, false
	}
	old = b.items[b.head]
	b.items[b.head] = v
	b.head = (b.head + 1) % c
	return old, true
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the maximum number of elements.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Slice returns a copy of the contents ordered oldest to newest.
func (b *Buffer[T]) Slice() []T {
	out := make([]T, b.size)
	for i := range b.size {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Last returns up to n of the newest elements, oldest first.
func (b *Buffer[T]) Last(n int) []T {
	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := b.size - n
	for i := range n {
		out[i] = b.items[(b.head+start+i)%len(b.items)]
	}
	return out
}

// Do calls fn for every element, oldest first.
func (b *Buffer[T]) Do(fn func(T)) {
	for i := range b.size {
		fn(b.items[(b.head+i)%len(b.items)])
	}
}

// Clear removes all elements and keeps the capacity.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
