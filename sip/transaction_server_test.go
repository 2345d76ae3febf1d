package sip_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/internal/testutil"
	"github.com/ghettovoice/sipcore/sip"
)

type serverFixture struct {
	tp  *testutil.StubTransport
	ep  *sip.Endpoint
	app *testutil.Recorder
	txs chan sip.ServerTransaction
	req *sip.Request
	tx  sip.ServerTransaction
}

// newServerFixture starts an endpoint with an application module that creates a server
// transaction for every inbound request except ACK, then delivers one request.
func newServerFixture(t *testing.T, method sip.RequestMethod, reliable bool, opts *sip.ServerTransactionOptions) *serverFixture {
	t.Helper()

	proto := "UDP"
	if reliable {
		proto = "TCP"
	}
	f := &serverFixture{
		tp:  testutil.NewStubTransport(proto, testutil.LocalAddr, reliable),
		app: testutil.NewRecorder("app", sip.PriorityApplication),
		txs: make(chan sip.ServerTransaction, 16),
	}
	f.ep = testutil.NewEndpoint(t, nil, f.tp)
	f.app.Claim = func(ctx context.Context, req *sip.Request) bool {
		if req.IsAck() {
			return false
		}
		tx, err := f.ep.TransactionLayer().NewServerTransaction(ctx, req, f.app, opts)
		if err != nil {
			t.Errorf("NewServerTransaction() error = %v, want nil", err)
			return false
		}
		f.txs <- tx
		return true
	}
	if err := f.ep.RegisterModule(t.Context(), f.app); err != nil {
		t.Fatalf("ep.RegisterModule() error = %v, want nil", err)
	}

	f.req = testutil.NewInboundRequest(method, testutil.Branch(t, 1), testutil.LocalAddr, testutil.RemoteAddr)
	f.req.Headers.Via[0].Transport = proto
	f.deliver(t, f.req)

	select {
	case f.tx = <-f.txs:
	case <-time.After(waitTimeout):
		t.Fatal("server transaction was not created")
	}
	<-f.app.Requests
	if st := f.app.NextState(t, waitTimeout); st.State != sip.TransactionStateTrying {
		t.Fatalf("first state = %q, want %q", st.State, sip.TransactionStateTrying)
	}
	return f
}

func (f *serverFixture) deliver(t *testing.T, req *sip.Request) {
	t.Helper()

	if err := f.ep.ReceiveMessage(t.Context(), req, f.tp, testutil.RemoteAddr); err != nil {
		t.Fatalf("ep.ReceiveMessage(%s) error = %v, want nil", req.Method, err)
	}
}

func (f *serverFixture) respond(t *testing.T, status sip.ResponseStatus) *sip.Response {
	t.Helper()

	res := f.tx.Request().NewResponse(status, "")
	if err := f.tx.Respond(t.Context(), res); err != nil {
		t.Fatalf("tx.Respond(%d) error = %v, want nil", status, err)
	}
	return res
}

func TestInviteServerTransaction_Auto100(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodInvite, false, nil)

	res := f.tp.WaitResponse(t, sip.ResponseStatusTrying, waitTimeout)
	if tag := res.Headers.To.Tag(); tag != "" {
		t.Errorf("100 Trying To tag = %q, want empty", tag)
	}
	f.app.WaitState(t, sip.TransactionStateProceeding, waitTimeout)

	// retransmission in proceeding resends the last response
	f.deliver(t, f.req.Clone())
	f.tp.WaitResponse(t, sip.ResponseStatusTrying, waitTimeout)
}

func TestInviteServerTransaction_DisableAuto100(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodInvite, false, &sip.ServerTransactionOptions{DisableAuto100: true})

	f.deliver(t, f.req.Clone())
	f.tp.AssertNoSent(t, 60*time.Millisecond)
	if got, want := f.tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	f.respond(t, sip.ResponseStatusRinging)
	f.tp.WaitResponse(t, sip.ResponseStatusRinging, waitTimeout)
	f.app.WaitState(t, sip.TransactionStateProceeding, waitTimeout)

	f.deliver(t, f.req.Clone())
	f.tp.WaitResponse(t, sip.ResponseStatusRinging, waitTimeout)
}

func TestInviteServerTransaction_Rejected(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodInvite, false, &sip.ServerTransactionOptions{DisableAuto100: true})

	res := f.respond(t, sip.ResponseStatusBusyHere)
	f.tp.WaitResponse(t, sip.ResponseStatusBusyHere, waitTimeout)
	f.app.WaitState(t, sip.TransactionStateCompleted, waitTimeout)

	// Timer G
	for range 3 {
		f.tp.WaitResponse(t, sip.ResponseStatusBusyHere, waitTimeout)
	}

	// ACK for a non-2xx response is absorbed by the transaction
	f.deliver(t, testutil.AckFor(f.req, res, ""))
	f.app.WaitState(t, sip.TransactionStateConfirmed, waitTimeout)
	select {
	case req := <-f.app.Requests:
		if req.IsAck() {
			t.Fatal("ACK for a non-2xx response passed to the application")
		}
	default:
	}

	f.tp.Drain()
	f.tp.AssertNoSent(t, 30*time.Millisecond)

	// Timer I
	st := f.app.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if st.Timer != "I" {
		t.Fatalf("terminated by %q, want timer I", st.Timer)
	}
	if err := f.tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	f.app.WaitState(t, sip.TransactionStateDestroyed, waitTimeout)
}

func TestInviteServerTransaction_AckTimeout(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodInvite, true, &sip.ServerTransactionOptions{DisableAuto100: true})
	if !f.tx.Reliable() {
		t.Fatal("tx.Reliable() = false, want true")
	}

	f.respond(t, sip.ResponseStatusBusyHere)
	f.tp.WaitResponse(t, sip.ResponseStatusBusyHere, waitTimeout)

	st := f.app.WaitState(t, sip.TransactionStateTerminated, 2*time.Second)
	if st.Timer != "H" || !errors.Is(st.Err, sip.ErrTransactionTimedOut) {
		t.Fatalf("terminated by timer %q with %v, want timer H with %v", st.Timer, st.Err, sip.ErrTransactionTimedOut)
	}
	// no retransmissions over a reliable transport
	for _, s := range f.tp.Drain() {
		if res := s.Response(); res != nil && res.Status == sip.ResponseStatusBusyHere {
			t.Fatal("final response retransmitted over a reliable transport")
		}
	}
}

func TestInviteServerTransaction_Accepted(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodInvite, false, &sip.ServerTransactionOptions{DisableAuto100: true})

	res := f.respond(t, sip.ResponseStatusOK)
	f.tp.WaitResponse(t, sip.ResponseStatusOK, waitTimeout)
	f.app.WaitState(t, sip.TransactionStateCompleted, waitTimeout)

	// 2xx is retransmitted until the ACK arrives
	f.tp.WaitResponse(t, sip.ResponseStatusOK, waitTimeout)

	// ACK for 2xx is a separate transaction and goes to the application
	ack := testutil.AckFor(f.req, res, testutil.Branch(t, 2))
	f.deliver(t, ack)
	select {
	case got := <-f.app.Requests:
		if !got.IsAck() {
			t.Fatalf("application got %s, want ACK", got.Method)
		}
	case <-time.After(waitTimeout):
		t.Fatal("ACK was not passed to the application")
	}

	itx, ok := f.tx.(*sip.InviteServerTransaction)
	if !ok {
		t.Fatalf("tx type = %T, want *sip.InviteServerTransaction", f.tx)
	}
	if err := itx.RecvAck(t.Context(), ack); err != nil {
		t.Fatalf("tx.RecvAck() error = %v, want nil", err)
	}
	f.app.WaitState(t, sip.TransactionStateConfirmed, waitTimeout)
	f.app.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
}

func TestInviteServerTransaction_AckWithInviteBranch(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodInvite, false, &sip.ServerTransactionOptions{DisableAuto100: true})

	res := f.respond(t, sip.ResponseStatusOK)
	f.app.WaitState(t, sip.TransactionStateCompleted, waitTimeout)

	// the transaction is confirmed and the ACK still reaches the application
	f.deliver(t, testutil.AckFor(f.req, res, ""))
	f.app.WaitState(t, sip.TransactionStateConfirmed, waitTimeout)
	select {
	case got := <-f.app.Requests:
		if !got.IsAck() {
			t.Fatalf("application got %s, want ACK", got.Method)
		}
		if tx := sip.MatchedTransaction(got); tx != f.tx {
			t.Fatalf("ACK matched %v, want %v", tx, f.tx)
		}
	case <-time.After(waitTimeout):
		t.Fatal("ACK was not passed to the application")
	}
}

func TestServerTransaction_RespondInvalid(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodInvite, false, &sip.ServerTransactionOptions{DisableAuto100: true})

	other := testutil.NewInboundRequest(sip.RequestMethodInvite, testutil.Branch(t, 2), testutil.LocalAddr, testutil.RemoteAddr)
	if err := f.tx.Respond(t.Context(), other.NewResponse(sip.ResponseStatusOK, "")); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond(foreign) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	f.respond(t, sip.ResponseStatusBusyHere)
	err := f.tx.Respond(t.Context(), f.tx.Request().NewResponse(sip.ResponseStatusRinging, ""))
	if !errors.Is(err, sip.ErrInvalidState) {
		t.Fatalf("tx.Respond() in completed error = %v, want %v", err, sip.ErrInvalidState)
	}
	if got := f.tx.LastResponse().Status; got != sip.ResponseStatusBusyHere {
		t.Fatalf("tx.LastResponse().Status = %d, want %d", got, sip.ResponseStatusBusyHere)
	}
}

func TestNonInviteServerTransaction(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodOptions, false, nil)

	// no automatic 100 and retransmissions are discarded in trying
	f.deliver(t, f.req.Clone())
	f.tp.AssertNoSent(t, 40*time.Millisecond)

	f.respond(t, sip.ResponseStatusOK)
	f.tp.WaitResponse(t, sip.ResponseStatusOK, waitTimeout)
	f.app.WaitState(t, sip.TransactionStateCompleted, waitTimeout)

	// no retransmissions of the final response, only answers to request retransmissions
	f.tp.AssertNoSent(t, 40*time.Millisecond)
	f.deliver(t, f.req.Clone())
	f.tp.WaitResponse(t, sip.ResponseStatusOK, waitTimeout)

	// Timer J
	st := f.app.WaitState(t, sip.TransactionStateTerminated, 2*time.Second)
	if st.Timer != "J" {
		t.Fatalf("terminated by %q, want timer J", st.Timer)
	}
}

func TestNonInviteServerTransaction_Proceeding(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, sip.RequestMethodOptions, true, nil)

	f.respond(t, sip.ResponseStatusTrying)
	f.tp.WaitResponse(t, sip.ResponseStatusTrying, waitTimeout)
	f.app.WaitState(t, sip.TransactionStateProceeding, waitTimeout)

	f.deliver(t, f.req.Clone())
	f.tp.WaitResponse(t, sip.ResponseStatusTrying, waitTimeout)

	f.respond(t, sip.ResponseStatusNotFound)
	f.tp.WaitResponse(t, sip.ResponseStatusNotFound, waitTimeout)

	// Timer J is zero over a reliable transport
	f.app.WaitState(t, sip.TransactionStateCompleted, waitTimeout)
	f.app.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if _, ok := f.ep.TransactionLayer().FindServerTransaction(f.tx.Key()); ok {
		t.Fatal("terminated transaction is still in the table")
	}
}
