package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired.
	TimerStateExpired TimerState = "expired"
)

// Timer is a one-shot timer that executes a callback in its own goroutine.
type Timer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	state     TimerState
	gen       uint64
	callback  func()
	realTimer *time.Timer
}

// AfterFunc creates a new running Timer that calls f after the duration d.
func AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{callback: f}
	t.Reset(d)
	return t
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until the timer expires.
// Returns 0 if the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return 0
	}
	return max(t.duration-time.Since(t.startTime), 0)
}

// ExpiresAt returns the absolute expiration time of a running timer.
func (t *Timer) ExpiresAt() time.Time {
	if t == nil {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime.Add(t.duration)
}

// Stop stops the timer.
// It returns true if the call prevented the callback from running.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}

	t.state = TimerStateStopped
	t.gen++
	if t.realTimer != nil {
		t.realTimer.Stop()
		t.realTimer = nil
	}
	return true
}

// Reset re-arms the timer with a new duration, starting from now.
// It returns true if the timer was running and its pending callback was replaced.
func (t *Timer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasRunning := t.state == TimerStateRunning
	if t.realTimer != nil {
		t.realTimer.Stop()
	}

	t.gen++
	gen := t.gen
	t.startTime = time.Now()
	t.duration = d
	t.state = TimerStateRunning
	t.realTimer = time.AfterFunc(d, func() { t.fire(gen) })
	return wasRunning
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	// stale generation means Stop or Reset won the race
	if t.gen != gen || t.state != TimerStateRunning {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	t.realTimer = nil
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}
