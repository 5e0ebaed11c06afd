// Package pqueue implements a binary-heap priority queue with a side index
// from element to heap slot, so arbitrary elements can be repositioned or
// removed in O(log n).
//
// A Queue is not safe for concurrent use; owners serialize access.
package pqueue

// Queue is a max-heap ordered by the greater function passed to New.
// Elements must be unique; the index maps each element to exactly one slot.
type Queue[T comparable] struct {
	items   []T
	index   map[T]int
	greater func(a, b T) bool
}

// New returns an empty queue. greater(a, b) reports whether a dequeues
// before b and must be a strict weak ordering with no ties between distinct
// elements.
func New[T comparable](greater func(a, b T) bool) *Queue[T] {
	return &Queue[T]{
		index:   make(map[T]int),
		greater: greater,
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int { return len(q.items) }

// Contains reports whether item is queued.
func (q *Queue[T]) Contains(item T) bool {
	_, ok := q.index[item]
	return ok
}

// Push inserts item. Pushing an element that is already queued repositions
// it instead of inserting a duplicate.
func (q *Queue[T]) Push(item T) {
	if _, ok := q.index[item]; ok {
		q.Update(item)
		return
	}
	q.items = append(q.items, item)
	i := len(q.items) - 1
	q.index[item] = i
	q.up(i)
}

// Peek returns the root without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Pop removes and returns the root.
func (q *Queue[T]) Pop() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	root := q.items[0]
	q.removeAt(0)
	return root, true
}

// Update restores heap order after item's key changed. It returns false if
// item is not queued.
func (q *Queue[T]) Update(item T) bool {
	i, ok := q.index[item]
	if !ok {
		return false
	}
	q.fix(i)
	return true
}

// Remove deletes item from the queue. Removing an absent item is a no-op
// and returns false.
func (q *Queue[T]) Remove(item T) bool {
	i, ok := q.index[item]
	if !ok {
		return false
	}
	q.removeAt(i)
	return true
}

// Swap exchanges slots i and j along with their index entries. Out of range
// indices are ignored.
func (q *Queue[T]) Swap(i, j int) {
	n := len(q.items)
	if i < 0 || j < 0 || i >= n || j >= n || i == j {
		return
	}
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i]] = i
	q.index[q.items[j]] = j
}

// Clear empties the heap and the index.
func (q *Queue[T]) Clear() {
	q.items = nil
	q.index = make(map[T]int)
}

// Elements returns a copy of the queued elements in heap order, which is not
// sorted beyond the root.
func (q *Queue[T]) Elements() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue[T]) removeAt(i int) {
	last := len(q.items) - 1
	removed := q.items[i]
	if i != last {
		q.Swap(i, last)
	}
	var zero T
	q.items[last] = zero
	q.items = q.items[:last]
	delete(q.index, removed)
	if i < len(q.items) {
		q.fix(i)
	}
}

// fix sifts the element at i up if it beats its parent, down otherwise.
func (q *Queue[T]) fix(i int) {
	if i > 0 && q.greater(q.items[i], q.items[(i-1)/2]) {
		q.up(i)
		return
	}
	q.down(i)
}

func (q *Queue[T]) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.greater(q.items[i], q.items[parent]) {
			return
		}
		q.Swap(i, parent)
		i = parent
	}
}

func (q *Queue[T]) down(i int) {
	n := len(q.items)
	for {
		best := i
		left, right := 2*i+1, 2*i+2
		if left < n && q.greater(q.items[left], q.items[best]) {
			best = left
		}
		if right < n && q.greater(q.items[right], q.items[best]) {
			best = right
		}
		if best == i {
			return
		}
		q.Swap(i, best)
		i = best
	}
}
