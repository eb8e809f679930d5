package mcts

// fixedVector is a fixed-capacity append-only buffer. Batch assembly
// stops when any of the worker's vectors fills up, so Add never grows the
// backing array.
type fixedVector[T any] struct {
	items []T
}

func newFixedVector[T any](capacity int) *fixedVector[T] {
	return &fixedVector[T]{items: make([]T, 0, capacity)}
}

func (v *fixedVector[T]) Add(item T) { v.items = append(v.items, item) }
func (v *fixedVector[T]) Get(i int) T { return v.items[i] }
func (v *fixedVector[T]) Size() int { return len(v.items) }
func (v *fixedVector[T]) IsFull() bool { return len(v.items) == cap(v.items) }
func (v *fixedVector[T]) Reset() { v.items = v.items[:0] }
func (v *fixedVector[T]) Slice() []T { return v.items }
