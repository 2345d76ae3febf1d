package timeutil_test

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAfterFunc(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	tmr := timeutil.AfterFunc(20*time.Millisecond, func() { close(fired) })

	if got, want := tmr.State(), timeutil.TimerStateRunning; got != want {
		t.Fatalf("tmr.State() = %q, want %q", got, want)
	}
	if got, want := tmr.Duration(), 20*time.Millisecond; got != want {
		t.Fatalf("tmr.Duration() = %v, want %v", got, want)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer callback was not called")
	}

	if got, want := tmr.State(), timeutil.TimerStateExpired; got != want {
		t.Fatalf("tmr.State() = %q, want %q", got, want)
	}
	if got := tmr.Left(); got != 0 {
		t.Fatalf("tmr.Left() = %v, want 0", got)
	}
	if tmr.Stop() {
		t.Fatal("tmr.Stop() = true on expired timer, want false")
	}
}

func TestTimer_Stop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tmr := timeutil.AfterFunc(20*time.Millisecond, func() { calls.Add(1) })

	if !tmr.Stop() {
		t.Fatal("tmr.Stop() = false, want true")
	}
	if tmr.Stop() {
		t.Fatal("second tmr.Stop() = true, want false")
	}

	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 0 {
		t.Fatalf("callback calls = %d, want 0", got)
	}
	if got, want := tmr.State(), timeutil.TimerStateStopped; got != want {
		t.Fatalf("tmr.State() = %q, want %q", got, want)
	}
}

func TestTimer_Reset(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tmr := timeutil.AfterFunc(time.Hour, func() { calls.Add(1) })

	if !tmr.Reset(10 * time.Millisecond) {
		t.Fatal("tmr.Reset() = false on running timer, want true")
	}
	if got, want := tmr.Duration(), 10*time.Millisecond; got != want {
		t.Fatalf("tmr.Duration() = %v, want %v", got, want)
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("callback calls = %d, want 1", got)
	}

	// expired timer can be re-armed
	if tmr.Reset(10 * time.Millisecond) {
		t.Fatal("tmr.Reset() = true on expired timer, want false")
	}

	deadline = time.Now().Add(time.Second)
	for calls.Load() == 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("callback calls = %d, want 2", got)
	}
}

func TestTimer_Nil(t *testing.T) {
	t.Parallel()

	var tmr *timeutil.Timer
	if tmr.Stop() {
		t.Fatal("nil tmr.Stop() = true, want false")
	}
	if got := tmr.Left(); got != 0 {
		t.Fatalf("nil tmr.Left() = %v, want 0", got)
	}
	if got := tmr.State(); got != "" {
		t.Fatalf("nil tmr.State() = %q, want empty", got)
	}
}
