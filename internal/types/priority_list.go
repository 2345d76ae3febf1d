package types

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// PriorityList is a list of items ordered by ascending priority.
// Items with equal priority keep their insertion order.
//
// Mutations publish a new immutable snapshot, so iterations that already
// started are never affected by concurrent inserts or removals.
type PriorityList[T comparable] struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]prioItem[T]]
}

type prioItem[T comparable] struct {
	prio int
	v    T
}

// Insert adds v with the given priority after all items with priority <= prio.
// It returns false if v is already in the list.
func (l *PriorityList[T]) Insert(prio int, v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.load()
	if slices.ContainsFunc(cur, func(it prioItem[T]) bool { return it.v == v }) {
		return false
	}

	idx := len(cur)
	for i, it := range cur {
		if it.prio > prio {
			idx = i
			break
		}
	}

	next := make([]prioItem[T], 0, len(cur)+1)
	next = append(next, cur[:idx]...)
	next = append(next, prioItem[T]{prio, v})
	next = append(next, cur[idx:]...)
	l.snap.Store(&next)
	return true
}

// Remove deletes v from the list. It returns false if v was not found.
func (l *PriorityList[T]) Remove(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.load()
	idx := slices.IndexFunc(cur, func(it prioItem[T]) bool { return it.v == v })
	if idx < 0 {
		return false
	}

	next := slices.Delete(slices.Clone(cur), idx, idx+1)
	l.snap.Store(&next)
	return true
}

// Has reports whether v is in the list.
func (l *PriorityList[T]) Has(v T) bool {
	return slices.ContainsFunc(l.load(), func(it prioItem[T]) bool { return it.v == v })
}

// Len returns the number of items.
func (l *PriorityList[T]) Len() int { return len(l.load()) }

// All iterates over the current snapshot in priority order.
func (l *PriorityList[T]) All() iter.Seq[T] {
	items := l.load()
	return func(yield func(T) bool) {
		for _, it := range items {
			if !yield(it.v) {
				return
			}
		}
	}
}

// Backward iterates over the current snapshot in reverse priority order.
func (l *PriorityList[T]) Backward() iter.Seq[T] {
	items := l.load()
	return func(yield func(T) bool) {
		for i := len(items) - 1; i >= 0; i-- {
			if !yield(items[i].v) {
				return
			}
		}
	}
}

func (l *PriorityList[T]) load() []prioItem[T] {
	if l == nil {
		return nil
	}
	if p := l.snap.Load(); p != nil {
		return *p
	}
	return nil
}
