package types

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// CallbackManager keeps callbacks in registration order.
// Like [PriorityList] it publishes immutable snapshots, so a callback may add or remove
// callbacks while the manager is iterated.
type CallbackManager[T any] struct {
	mu     sync.Mutex
	nextID uint64
	snap   atomic.Pointer[[]callback[T]]
}

type callback[T any] struct {
	id uint64
	fn T
}

func (m *CallbackManager[T]) load() []callback[T] {
	if p := m.snap.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.load())
}

// Add registers fn. The returned function removes it, calling it again is a no-op.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	next := append(slices.Clone(m.load()), callback[T]{id, fn})
	m.snap.Store(&next)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		cur := m.load()
		i := slices.IndexFunc(cur, func(cb callback[T]) bool { return cb.id == id })
		if i < 0 {
			return
		}
		next := slices.Delete(slices.Clone(cur), i, i+1)
		m.snap.Store(&next)
	}
}

// All iterates over the callbacks registered when the iteration starts.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}
		for _, cb := range m.load() {
			if !yield(cb.fn) {
				return
			}
		}
	}
}
