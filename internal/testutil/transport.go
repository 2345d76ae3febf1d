// Package testutil contains helpers shared by the sip package tests.
package testutil

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

// Sent is a message captured by [StubTransport].
type Sent struct {
	Msg  sip.Message
	Dest netip.AddrPort
}

// Request returns the captured request or nil.
func (s Sent) Request() *sip.Request {
	req, _ := s.Msg.(*sip.Request)
	return req
}

// Response returns the captured response or nil.
func (s Sent) Response() *sip.Response {
	res, _ := s.Msg.(*sip.Response)
	return res
}

// StubTransport is an in-memory [sip.Transport] that records sent messages.
type StubTransport struct {
	proto    string
	laddr    netip.AddrPort
	reliable bool
	async    bool

	mu   sync.Mutex
	err  error
	sent chan Sent
}

// NewStubTransport creates a synchronous stub transport.
func NewStubTransport(proto string, laddr netip.AddrPort, reliable bool) *StubTransport {
	return &StubTransport{
		proto:    proto,
		laddr:    laddr,
		reliable: reliable,
		sent:     make(chan Sent, 1024),
	}
}

// NewAsyncStubTransport creates a stub transport that completes sends from another goroutine.
func NewAsyncStubTransport(proto string, laddr netip.AddrPort, reliable bool) *StubTransport {
	tp := NewStubTransport(proto, laddr, reliable)
	tp.async = true
	return tp
}

func (tp *StubTransport) Proto() string { return tp.proto }

func (tp *StubTransport) Reliable() bool { return tp.reliable }

func (tp *StubTransport) LocalAddr() netip.AddrPort { return tp.laddr }

// FailWith makes all subsequent sends fail with err, nil restores normal operation.
func (tp *StubTransport) FailWith(err error) {
	tp.mu.Lock()
	tp.err = err
	tp.mu.Unlock()
}

func (tp *StubTransport) Send(_ context.Context, msg sip.Message, dst netip.AddrPort, done func(error)) (sip.SendStatus, error) {
	tp.mu.Lock()
	err := tp.err
	tp.mu.Unlock()

	if tp.async {
		go func() {
			if err == nil {
				tp.sent <- Sent{msg, dst}
			}
			done(err)
		}()
		return sip.SendPending, nil
	}

	if err != nil {
		return sip.SendFailed, err
	}
	tp.sent <- Sent{msg, dst}
	return sip.SendSent, nil
}

// WaitSent waits for the next sent message.
func (tp *StubTransport) WaitSent(tb testing.TB, timeout time.Duration) Sent {
	tb.Helper()

	select {
	case s := <-tp.sent:
		return s
	case <-time.After(timeout):
		tb.Fatalf("no message sent within %v", timeout)
		return Sent{}
	}
}

// WaitRequest waits for the next sent request with the given method, skipping other messages.
func (tp *StubTransport) WaitRequest(tb testing.TB, method sip.RequestMethod, timeout time.Duration) *sip.Request {
	tb.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case s := <-tp.sent:
			if req := s.Request(); req != nil && req.Method.Equal(method) {
				return req
			}
		case <-deadline:
			tb.Fatalf("no %s request sent within %v", method, timeout)
			return nil
		}
	}
}

// WaitResponse waits for the next sent response with the given status, skipping other messages.
func (tp *StubTransport) WaitResponse(tb testing.TB, status sip.ResponseStatus, timeout time.Duration) *sip.Response {
	tb.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case s := <-tp.sent:
			if res := s.Response(); res != nil && res.Status == status {
				return res
			}
		case <-deadline:
			tb.Fatalf("no %d response sent within %v", status, timeout)
			return nil
		}
	}
}

// AssertNoSent fails the test if a message is sent within d.
func (tp *StubTransport) AssertNoSent(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case s := <-tp.sent:
		tb.Fatalf("unexpected message sent: %v", s.Msg)
	case <-time.After(d):
	}
}

// Drain discards and returns all messages sent so far.
func (tp *StubTransport) Drain() []Sent {
	var out []Sent
	for {
		select {
		case s := <-tp.sent:
			out = append(out, s)
		default:
			return out
		}
	}
}
