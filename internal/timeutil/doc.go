// Package timeutil provides Timer, a restartable wrapper around time.AfterFunc used by the
// transaction, dialog and session state machines.
//
// A Timer remembers its duration and start time, so callers can re-arm it with a backed off
// interval (Reset(2*t.Duration())) and report when it is due (Left). Stop reports whether the
// callback was prevented from running, which lets owners balance reference counts taken when
// the timer was scheduled:
//
//	obj.AddRef()
//	tmr := timeutil.AfterFunc(d, func() {
//	    defer obj.DecRef()
//	    obj.onTimer()
//	})
//	...
//	if tmr.Stop() {
//	    obj.DecRef()
//	}
//
// All timer operations are safe for concurrent use.
package timeutil
