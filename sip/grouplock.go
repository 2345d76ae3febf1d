package sip

import (
	"context"
	"sync"
)

// GroupLock is the serialization point shared by a dialog, its usages and its transactions.
//
// The lock is re-entrant through the context: [GroupLock.Acquire] returns a context that remembers
// the lock, and acquiring it again with that context is a no-op.
// Contexts passed to other goroutines must be detached with [DetachContext] first.
//
// Functions queued with [GroupLock.AfterUnlock] run once the outermost holder releases the lock.
// Objects are destroyed this way, so a destructor never runs while the lock is held.
type GroupLock struct {
	name string
	mu   sync.Mutex
	// after is guarded by mu
	after []func()
}

// NewGroupLock creates a new group lock. The name is used only for debugging.
func NewGroupLock(name string) *GroupLock {
	return &GroupLock{name: name}
}

// heldLocks is an immutable list of the locks held by a context chain.
type heldLocks struct {
	g    *GroupLock
	next *heldLocks
}

type grpLockCtxKey struct{}

func lockedBy(ctx context.Context) *heldLocks {
	hl, _ := ctx.Value(grpLockCtxKey{}).(*heldLocks)
	return hl
}

// Held reports whether the lock is held by the context.
func (g *GroupLock) Held(ctx context.Context) bool {
	for hl := lockedBy(ctx); hl != nil; hl = hl.next {
		if hl.g == g {
			return true
		}
	}
	return false
}

// Acquire locks g unless ctx already holds it.
// The returned unlock function must be called exactly once.
func (g *GroupLock) Acquire(ctx context.Context) (context.Context, func()) {
	if g.Held(ctx) {
		return ctx, func() {}
	}

	g.mu.Lock()
	ctx = context.WithValue(ctx, grpLockCtxKey{}, &heldLocks{g, lockedBy(ctx)})
	return ctx, func() {
		fns := g.after
		g.after = nil
		g.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// AfterUnlock schedules fn to run after the lock is released.
// When ctx does not hold the lock, fn runs after a short acquire/release cycle,
// so it still waits for the current holder.
func (g *GroupLock) AfterUnlock(ctx context.Context, fn func()) {
	if g.Held(ctx) {
		g.after = append(g.after, fn)
		return
	}

	_, unlock := g.Acquire(ctx)
	g.after = append(g.after, fn)
	unlock()
}

func (g *GroupLock) String() string {
	if g == nil {
		return "<nil>"
	}
	return g.name
}

// DetachContext returns a context that keeps the values of ctx but not its cancellation
// and not the group locks it holds. Use it for contexts that outlive the current call
// or cross goroutines, e.g. timer and transport callbacks.
func DetachContext(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), grpLockCtxKey{}, (*heldLocks)(nil))
}
