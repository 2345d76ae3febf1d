package sip_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/internal/testutil"
	"github.com/ghettovoice/sipcore/sip"
)

type clientFixture struct {
	tp  *testutil.StubTransport
	ep  *sip.Endpoint
	tu  *testutil.Recorder
	tx  sip.ClientTransaction
	req *sip.Request
}

func newClientFixture(t *testing.T, method sip.RequestMethod, reliable bool) *clientFixture {
	t.Helper()

	proto := "UDP"
	if reliable {
		proto = "TCP"
	}
	f := &clientFixture{
		tp: testutil.NewStubTransport(proto, testutil.LocalAddr, reliable),
		tu: testutil.NewRecorder("tu", sip.PriorityApplication),
	}
	f.ep = testutil.NewEndpoint(t, nil, f.tp)

	f.req = testutil.NewRequest(method, testutil.LocalAddr, testutil.RemoteAddr)
	if reliable {
		f.req.URI.Params = f.req.URI.Params.Set("transport", "tcp")
	}

	tx, err := f.ep.TransactionLayer().NewClientTransaction(t.Context(), f.req, f.tu, nil)
	if err != nil {
		t.Fatalf("NewClientTransaction() error = %v, want nil", err)
	}
	f.tx = tx

	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}
	if st := f.tu.NextState(t, waitTimeout); st.State != sip.TransactionStateCalling {
		t.Fatalf("first state = %q, want %q", st.State, sip.TransactionStateCalling)
	}
	f.tp.WaitRequest(t, method, waitTimeout)
	return f
}

func (f *clientFixture) recv(t *testing.T, status sip.ResponseStatus, toTag string) *sip.Response {
	t.Helper()

	res := testutil.ResponseTo(f.req, status, toTag)
	if err := f.ep.ReceiveMessage(t.Context(), res, f.tp, testutil.RemoteAddr); err != nil {
		t.Fatalf("ep.ReceiveMessage(%d) error = %v, want nil", status, err)
	}
	return res
}

func TestInviteClientTransaction_Retransmissions(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, false)

	// Timer A: 10ms, 20ms, 40ms...
	start := time.Now()
	for range 3 {
		f.tp.WaitRequest(t, sip.RequestMethodInvite, waitTimeout)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("3 retransmissions took %v, want at least 60ms", elapsed)
	}

	f.recv(t, sip.ResponseStatusRinging, "bob-tag")
	st := f.tu.WaitState(t, sip.TransactionStateProceeding, waitTimeout)
	if st.Res == nil || st.Res.Status != sip.ResponseStatusRinging {
		t.Fatalf("proceeding caused by %v, want 180", st.Res)
	}

	f.tp.Drain()
	f.tp.AssertNoSent(t, 100*time.Millisecond)
}

func TestInviteClientTransaction_NoRetransmissionsOverReliable(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, true)
	if !f.tx.Reliable() {
		t.Fatal("tx.Reliable() = false, want true")
	}
	f.tp.AssertNoSent(t, 80*time.Millisecond)
}

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, false)

	f.recv(t, sip.ResponseStatusRinging, "bob-tag")
	f.tu.WaitState(t, sip.TransactionStateProceeding, waitTimeout)

	// provisional responses in proceeding are passed to the user without a state change
	f.recv(t, sip.ResponseStatusSessionProgress, "bob-tag")
	st := f.tu.NextState(t, waitTimeout)
	if st.State != sip.TransactionStateProceeding || st.Res.Status != sip.ResponseStatusSessionProgress {
		t.Fatalf("state = %q caused by %v, want proceeding caused by 183", st.State, st.Res)
	}

	f.recv(t, sip.ResponseStatusOK, "bob-tag")
	st = f.tu.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if st.Res == nil || st.Res.Status != sip.ResponseStatusOK {
		t.Fatalf("terminated caused by %v, want 200", st.Res)
	}
	if err := f.tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
	f.tu.WaitState(t, sip.TransactionStateDestroyed, waitTimeout)

	// no ACK is generated for 2xx
	for _, s := range f.tp.Drain() {
		if req := s.Request(); req != nil && req.IsAck() {
			t.Fatalf("unexpected ACK sent: %v", req)
		}
	}
	if _, ok := f.ep.TransactionLayer().FindClientTransaction(f.tx.Key()); ok {
		t.Fatal("terminated transaction is still in the table")
	}
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, false)

	f.recv(t, sip.ResponseStatusBusyHere, "bob-tag")
	st := f.tu.WaitState(t, sip.TransactionStateCompleted, waitTimeout)
	if st.Res == nil || st.Res.Status != sip.ResponseStatusBusyHere {
		t.Fatalf("completed caused by %v, want 486", st.Res)
	}

	ack := f.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
	if got, want := ack.Headers.Via[0].Branch(), f.req.Headers.Via[0].Branch(); got != want {
		t.Errorf("ACK branch = %q, want %q", got, want)
	}
	if got, want := ack.Headers.To.Tag(), "bob-tag"; got != want {
		t.Errorf("ACK To tag = %q, want %q", got, want)
	}
	if got, want := ack.Headers.CSeq.Seq, f.req.Headers.CSeq.Seq; got != want {
		t.Errorf("ACK CSeq = %d, want %d", got, want)
	}
	if !ack.URI.Equal(f.req.URI) {
		t.Errorf("ACK Request-URI = %v, want %v", ack.URI, f.req.URI)
	}

	// retransmitted final response is absorbed and the ACK is resent
	f.recv(t, sip.ResponseStatusBusyHere, "bob-tag")
	f.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)

	// Timer D
	st = f.tu.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if st.Timer != "D" {
		t.Fatalf("terminated by %q, want timer D", st.Timer)
	}
	if err := f.tx.Err(); err != nil {
		t.Fatalf("tx.Err() = %v, want nil", err)
	}
}

func TestInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, false)

	st := f.tu.WaitState(t, sip.TransactionStateTerminated, 2*time.Second)
	if st.Timer != "B" {
		t.Fatalf("terminated by %q, want timer B", st.Timer)
	}
	if !errors.Is(st.Err, sip.ErrTransactionTimedOut) {
		t.Fatalf("terminated with %v, want %v", st.Err, sip.ErrTransactionTimedOut)
	}
	if got := f.ep.TransactionLayer().Stats().TimedOut; got != 1 {
		t.Fatalf("Stats().TimedOut = %d, want 1", got)
	}
}

func TestInviteClientTransaction_ProceedingDoesNotTimeOut(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, false)
	f.recv(t, sip.ResponseStatusRinging, "bob-tag")
	f.tu.WaitState(t, sip.TransactionStateProceeding, waitTimeout)

	// Timer B is 640ms
	time.Sleep(800 * time.Millisecond)
	if got, want := f.tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func TestInviteClientTransaction_TransportError(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, false)
	f.tp.FailWith(errors.New("network down"))

	st := f.tu.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if !errors.Is(st.Err, sip.ErrTransportError) {
		t.Fatalf("terminated with %v, want %v", st.Err, sip.ErrTransportError)
	}
}

func TestInviteClientTransaction_Terminate(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodInvite, false)
	if err := f.tx.Terminate(t.Context(), sip.ResponseStatusRequestTerminated); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}

	st := f.tu.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if status, _ := sip.StatusFromError(st.Err); status != sip.ResponseStatusRequestTerminated {
		t.Fatalf("termination status = %d, want %d", status, sip.ResponseStatusRequestTerminated)
	}
	if err := f.tx.Terminate(t.Context(), sip.ResponseStatusRequestTerminated); !errors.Is(err, sip.ErrTransactionTerminated) {
		t.Fatalf("tx.Terminate() again error = %v, want %v", err, sip.ErrTransactionTerminated)
	}
}

func TestNonInviteClientTransaction_Retransmissions(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodOptions, false)

	// Timer E: 10, 20, 40, 40, 40ms...
	var gaps []time.Duration
	last := time.Now()
	for range 5 {
		f.tp.WaitRequest(t, sip.RequestMethodOptions, waitTimeout)
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
	}
	for i, gap := range gaps[3:] {
		if gap > 80*time.Millisecond {
			t.Fatalf("retransmission gap #%d = %v, want capped at T2", i+3, gap)
		}
	}

	f.recv(t, sip.ResponseStatusTrying, "")
	f.tu.WaitState(t, sip.TransactionStateProceeding, waitTimeout)
	f.tp.Drain()

	// Timer E keeps firing at T2 in proceeding
	f.tp.WaitRequest(t, sip.RequestMethodOptions, 100*time.Millisecond)
}

func TestNonInviteClientTransaction_Completed(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodOptions, false)

	f.recv(t, sip.ResponseStatusOK, "bob-tag")
	st := f.tu.WaitState(t, sip.TransactionStateCompleted, waitTimeout)
	if st.Res == nil || st.Res.Status != sip.ResponseStatusOK {
		t.Fatalf("completed caused by %v, want 200", st.Res)
	}
	f.tp.Drain()

	// retransmissions stop and late responses are absorbed
	f.recv(t, sip.ResponseStatusOK, "bob-tag")

	st = f.tu.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if st.Timer != "K" {
		t.Fatalf("terminated by %q, want timer K", st.Timer)
	}
	for _, s := range f.tp.Drain() {
		if req := s.Request(); req != nil {
			t.Fatalf("unexpected request sent in completed state: %v", req)
		}
	}
}

func TestNonInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodOptions, true)

	st := f.tu.WaitState(t, sip.TransactionStateTerminated, 2*time.Second)
	if st.Timer != "F" || !errors.Is(st.Err, sip.ErrTransactionTimedOut) {
		t.Fatalf("terminated by timer %q with %v, want timer F with %v", st.Timer, st.Err, sip.ErrTransactionTimedOut)
	}
}

func TestClientTransaction_DuplicateKey(t *testing.T) {
	t.Parallel()

	f := newClientFixture(t, sip.RequestMethodOptions, true)
	_, err := f.ep.TransactionLayer().NewClientTransaction(t.Context(), f.req, f.tu, nil)
	if !errors.Is(err, sip.ErrDuplicateKey) {
		t.Fatalf("NewClientTransaction() duplicate error = %v, want %v", err, sip.ErrDuplicateKey)
	}
}

func TestClientTransaction_StrayResponse(t *testing.T) {
	t.Parallel()

	tp := testutil.NewStubTransport("UDP", testutil.LocalAddr, false)
	ep := testutil.NewEndpoint(t, nil, tp)
	app := testutil.NewRecorder("app", sip.PriorityApplication)
	if err := ep.RegisterModule(t.Context(), app); err != nil {
		t.Fatalf("ep.RegisterModule() error = %v, want nil", err)
	}

	req := testutil.NewRequest(sip.RequestMethodInvite, testutil.LocalAddr, testutil.RemoteAddr)
	res := testutil.ResponseTo(req, sip.ResponseStatusOK, "bob-tag")
	if err := ep.ReceiveMessage(t.Context(), res, tp, testutil.RemoteAddr); err != nil {
		t.Fatalf("ep.ReceiveMessage() error = %v, want nil", err)
	}

	got := <-app.Responses
	if tx := sip.MatchedTransaction(got); tx != nil {
		t.Fatalf("stray response matched %v", tx)
	}
}
