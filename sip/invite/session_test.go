package invite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ghettovoice/sipcore/internal/testutil"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/dialog"
	"github.com/ghettovoice/sipcore/sip/invite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = time.Second

type recorder struct {
	invite.NopCallbacks

	manualAck bool
	redirect  func(target *sip.URI) invite.RedirectDecision

	states chan invite.State
	acks   chan *sip.Request
	media  chan error
}

func newRecorder() *recorder {
	return &recorder{
		states: make(chan invite.State, 64),
		acks:   make(chan *sip.Request, 64),
		media:  make(chan error, 64),
	}
}

func (r *recorder) OnStateChanged(_ context.Context, s *invite.Session, _ invite.State) {
	r.states <- s.State()
}

func (r *recorder) OnMediaUpdate(_ context.Context, _ *invite.Session, err error) {
	r.media <- err
}

func (r *recorder) OnSendAck(ctx context.Context, s *invite.Session, ack *sip.Request) {
	r.acks <- ack
	if !r.manualAck {
		s.SendAck(ctx, ack) //nolint:errcheck
	}
}

func (r *recorder) OnRedirected(_ context.Context, _ *invite.Session, target *sip.URI, _ *sip.Response) invite.RedirectDecision {
	if r.redirect == nil {
		return invite.RedirectStop
	}
	return r.redirect(target)
}

// waitStates collects the next len(want) state changes and compares them with want.
func (r *recorder) waitStates(tb testing.TB, timeout time.Duration, want ...invite.State) {
	tb.Helper()

	got := make([]invite.State, 0, len(want))
	deadline := time.After(timeout)
	for len(got) < len(want) {
		select {
		case st := <-r.states:
			got = append(got, st)
		case <-deadline:
			tb.Fatalf("session states = %v within %v, want %v", got, timeout, want)
			return
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		tb.Fatalf("session states mismatch (-want +got):\n%s", diff)
	}
}

func (r *recorder) assertNoState(tb testing.TB, d time.Duration) {
	tb.Helper()

	select {
	case st := <-r.states:
		tb.Fatalf("unexpected session state %q", st)
	case <-time.After(d):
	}
}

var (
	localSDP  = testSDP(1, "audio 4000 RTP/AVP 0 8")
	remoteSDP = testSDP(1, "audio 5000 RTP/AVP 0")
)

func newLayer(tb testing.TB, tp sip.Transport) (*sip.Endpoint, *dialog.Layer) {
	tb.Helper()

	ep := testutil.NewEndpoint(tb, nil, tp)
	l := dialog.NewLayer(nil)
	if err := ep.RegisterModule(context.Background(), l); err != nil {
		tb.Fatalf("ep.RegisterModule() error = %v, want nil", err)
	}
	return ep, l
}

func receive(tb testing.TB, ep *sip.Endpoint, tp sip.Transport, msg sip.Message) {
	tb.Helper()

	if err := ep.ReceiveMessage(context.Background(), msg, tp, testutil.RemoteAddr); err != nil {
		tb.Fatalf("ep.ReceiveMessage() error = %v, want nil", err)
	}
}

func withSDP(res *sip.Response, body []byte) *sip.Response {
	res.Body = body
	res.Headers.ContentType = "application/sdp"
	return res
}

type uacCall struct {
	tp  *testutil.StubTransport
	ep  *sip.Endpoint
	rec *recorder
	s   *invite.Session
}

func newUACCall(t *testing.T, rec *recorder, timer *invite.SessionTimerOptions) *uacCall {
	t.Helper()

	tp := testutil.NewStubTransport("UDP", testutil.LocalAddr, false)
	ep, l := newLayer(t, tp)

	alice := testutil.NameAddr("alice", testutil.LocalAddr)
	d, err := l.CreateUAC(t.Context(), alice, testutil.NameAddr("bob", testutil.RemoteAddr), nil, alice)
	if err != nil {
		t.Fatalf("l.CreateUAC() error = %v, want nil", err)
	}
	s, err := invite.NewUAC(t.Context(), d, &invite.Options{
		Callbacks:    rec,
		LocalSDP:     localSDP,
		SessionTimer: timer,
	})
	if err != nil {
		t.Fatalf("invite.NewUAC() error = %v, want nil", err)
	}
	if got, ok := invite.SessionOf(d); !ok || got != s {
		t.Fatalf("invite.SessionOf() = %v, %v, want %v, true", got, ok, s)
	}
	return &uacCall{tp, ep, rec, s}
}

func (c *uacCall) invite(t *testing.T) *sip.Request {
	t.Helper()

	if err := c.s.Invite(t.Context(), nil); err != nil {
		t.Fatalf("s.Invite() error = %v, want nil", err)
	}
	return c.tp.WaitRequest(t, sip.RequestMethodInvite, waitTimeout)
}

// establish answers the INVITE with 2xx carrying the Session-Expires value and waits for the confirmed state.
func (c *uacCall) establish(t *testing.T, sessionExpires string) *sip.Request {
	t.Helper()

	inv := c.invite(t)
	res := withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-tag"), remoteSDP)
	if sessionExpires != "" {
		res.Headers.Set(sip.HeaderSessionExpires, sessionExpires)
	}
	receive(t, c.ep, c.tp, res)
	c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
	c.rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateConnecting, invite.StateConfirmed)
	return inv
}

// waitNewRequest waits for a request with CSeq above seq, retransmissions are skipped.
func waitNewRequest(t *testing.T, tp *testutil.StubTransport, method sip.RequestMethod, seq uint32, timeout time.Duration) *sip.Request {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		req := tp.WaitRequest(t, method, time.Until(deadline))
		if req.Headers.CSeq.Seq > seq {
			return req
		}
	}
}

func shortSessionTimer(useUpdate bool) *invite.SessionTimerOptions {
	return &invite.SessionTimerOptions{
		Enabled:   true,
		Expires:   2 * time.Second,
		MinSE:     2 * time.Second,
		UseUpdate: useUpdate,
	}
}

var causeTimerExpired = invite.Cause{Status: sip.ResponseStatusRequestTimeout, Reason: "Session Timer Expired"}

func TestSession_UACEstablish(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)
	if len(inv.Body) == 0 {
		t.Fatal("INVITE has no SDP offer")
	}

	receive(t, c.ep, c.tp, testutil.ResponseTo(inv, sip.ResponseStatusRinging, "bob-tag"))
	receive(t, c.ep, c.tp, withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-tag"), remoteSDP))

	ack := c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
	if got, want := ack.Headers.CSeq.Seq, inv.Headers.CSeq.Seq; got != want {
		t.Errorf("ACK CSeq = %d, want %d", got, want)
	}
	if got, want := ack.Headers.To.Tag(), "bob-tag"; got != want {
		t.Errorf("ACK To tag = %q, want %q", got, want)
	}

	rec.waitStates(t, waitTimeout,
		invite.StateCalling, invite.StateEarly, invite.StateConnecting, invite.StateConfirmed)
	select {
	case err := <-rec.media:
		if err != nil {
			t.Fatalf("media update error = %v, want nil", err)
		}
	default:
		t.Fatal("no media update reported")
	}
	if c.s.RemoteSDP(t.Context()) == nil {
		t.Error("s.RemoteSDP() = nil, want remote SDP")
	}
	if got, want := c.s.Dialog().State(), dialog.StateConfirmed; got != want {
		t.Errorf("dialog state = %q, want %q", got, want)
	}
}

func TestSession_UACTimeout(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, nil)
	c.invite(t)

	rec.waitStates(t, 3*time.Second, invite.StateCalling, invite.StateDisconnected)
	if got, want := c.s.Cause().Status, sip.ResponseStatusRequestTimeout; got != want {
		t.Errorf("s.Cause().Status = %d, want %d", got, want)
	}
	rec.assertNoState(t, 100*time.Millisecond)
}

func TestSession_UAC2xxRetransmission(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	for range 3 {
		receive(t, c.ep, c.tp, withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-tag"), remoteSDP))
	}
	for i := range 3 {
		ack := c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
		if got, want := ack.Headers.CSeq.Seq, inv.Headers.CSeq.Seq; got != want {
			t.Errorf("ACK %d CSeq = %d, want %d", i, got, want)
		}
	}
	if got, want := len(rec.acks), 1; got != want {
		t.Fatalf("OnSendAck calls = %d, want %d", got, want)
	}
	rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateConnecting, invite.StateConfirmed)
}

func TestSession_UACManualAck(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	rec.manualAck = true
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	receive(t, c.ep, c.tp, withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-tag"), remoteSDP))
	ack := <-rec.acks
	rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateConnecting)

	// the ACK is not sent yet, a retransmission asks for it again
	receive(t, c.ep, c.tp, withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-tag"), remoteSDP))
	select {
	case again := <-rec.acks:
		if again != ack {
			t.Fatal("OnSendAck got a different ACK for the retransmission")
		}
	case <-time.After(waitTimeout):
		t.Fatal("OnSendAck not called for 2xx retransmission")
	}

	if err := c.s.SendAck(t.Context(), ack); err != nil {
		t.Fatalf("s.SendAck() error = %v, want nil", err)
	}
	c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
	rec.waitStates(t, waitTimeout, invite.StateConfirmed)
}

func TestSession_UACRedirect(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	var offered []string
	rec.redirect = func(target *sip.URI) invite.RedirectDecision {
		offered = append(offered, target.String())
		if len(offered) == 1 {
			return invite.RedirectReject
		}
		return invite.RedirectAccept
	}
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	res := testutil.ResponseTo(inv, sip.ResponseStatusMovedTemporarily, "redir-tag")
	res.Headers.Contact = []sip.NameAddr{
		contact("sip:dave@127.0.0.4", "0.5"),
		contact("sip:carol@127.0.0.3", "1.0"),
	}
	receive(t, c.ep, c.tp, res)

	inv2 := c.tp.WaitRequest(t, sip.RequestMethodInvite, waitTimeout)
	for inv2.Headers.CSeq.Seq == inv.Headers.CSeq.Seq {
		// retransmission of the first INVITE
		inv2 = c.tp.WaitRequest(t, sip.RequestMethodInvite, waitTimeout)
	}
	if diff := cmp.Diff([]string{"sip:carol@127.0.0.3", "sip:dave@127.0.0.4"}, offered); diff != "" {
		t.Fatalf("offered targets mismatch (-want +got):\n%s", diff)
	}
	if got, want := inv2.URI.String(), "sip:dave@127.0.0.4"; got != want {
		t.Errorf("new INVITE Request-URI = %q, want %q", got, want)
	}
	if inv2.Headers.To.Tag() != "" {
		t.Errorf("new INVITE To tag = %q, want empty", inv2.Headers.To.Tag())
	}
	if string(inv2.Body) != string(inv.Body) {
		t.Error("new INVITE offer differs from the first one")
	}

	receive(t, c.ep, c.tp, testutil.ResponseTo(inv2, sip.ResponseStatusNotFound, "dave-tag"))
	rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateDisconnected)
	if got, want := c.s.Cause().Status, sip.ResponseStatusNotFound; got != want {
		t.Errorf("s.Cause().Status = %d, want %d", got, want)
	}

	statuses := make(map[string]invite.TargetStatus)
	for _, tgt := range c.s.Targets(t.Context()) {
		statuses[tgt.URI.String()] = tgt.Status
	}
	want := map[string]invite.TargetStatus{
		"sip:carol@127.0.0.3": invite.TargetRejected,
		"sip:dave@127.0.0.4":  invite.TargetTried,
	}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("target statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_UACRedirectStop(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	res := testutil.ResponseTo(inv, sip.ResponseStatusMovedPermanently, "redir-tag")
	res.Headers.Contact = []sip.NameAddr{contact("sip:carol@127.0.0.3", "")}
	receive(t, c.ep, c.tp, res)

	rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateDisconnected)
	if got, want := c.s.Cause().Status, sip.ResponseStatusMovedPermanently; got != want {
		t.Errorf("s.Cause().Status = %d, want %d", got, want)
	}
}

func TestSession_UACCancelBeforeProvisional(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	if err := c.s.End(t.Context(), 0); err != nil {
		t.Fatalf("s.End() error = %v, want nil", err)
	}
	for _, sent := range c.tp.Drain() {
		if req := sent.Request(); req != nil && req.Method.Equal(sip.RequestMethodCancel) {
			t.Fatal("CANCEL sent before a provisional response")
		}
	}

	receive(t, c.ep, c.tp, testutil.ResponseTo(inv, sip.ResponseStatusRinging, "bob-tag"))
	cancel := c.tp.WaitRequest(t, sip.RequestMethodCancel, waitTimeout)
	if got, want := cancel.Headers.TopVia().Branch(), inv.Headers.TopVia().Branch(); got != want {
		t.Errorf("CANCEL branch = %q, want %q", got, want)
	}

	// the callee answers anyway
	receive(t, c.ep, c.tp, withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-tag"), remoteSDP))
	c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
	c.tp.WaitRequest(t, sip.RequestMethodBye, waitTimeout)
	rec.waitStates(t, waitTimeout,
		invite.StateCalling, invite.StateEarly, invite.StateConnecting, invite.StateConfirmed, invite.StateDisconnected)
}

func TestSession_UACCancelled(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	receive(t, c.ep, c.tp, testutil.ResponseTo(inv, sip.ResponseStatusRinging, "bob-tag"))
	if err := c.s.End(t.Context(), 0); err != nil {
		t.Fatalf("s.End() error = %v, want nil", err)
	}
	c.tp.WaitRequest(t, sip.RequestMethodCancel, waitTimeout)

	receive(t, c.ep, c.tp, testutil.ResponseTo(inv, sip.ResponseStatusRequestTerminated, "bob-tag"))
	rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateEarly, invite.StateDisconnected)
	if got, want := c.s.Cause().Status, sip.ResponseStatusRequestTerminated; got != want {
		t.Errorf("s.Cause().Status = %d, want %d", got, want)
	}
}

func TestSession_UACForked2xx(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	receive(t, c.ep, c.tp, withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-1"), remoteSDP))
	c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
	rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateConnecting, invite.StateConfirmed)

	receive(t, c.ep, c.tp, withSDP(testutil.ResponseTo(inv, sip.ResponseStatusOK, "bob-2"), remoteSDP))
	ack := c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
	if got, want := ack.Headers.To.Tag(), "bob-2"; got != want {
		t.Errorf("fork ACK To tag = %q, want %q", got, want)
	}
	bye := c.tp.WaitRequest(t, sip.RequestMethodBye, waitTimeout)
	if got, want := bye.Headers.To.Tag(), "bob-2"; got != want {
		t.Errorf("fork BYE To tag = %q, want %q", got, want)
	}

	rec.assertNoState(t, 50*time.Millisecond)
	if got, want := c.s.Dialog().Remote().Tag, "bob-1"; got != want {
		t.Errorf("bound dialog remote tag = %q, want %q", got, want)
	}
}

func TestSession_UACSessionIntervalTooSmall(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, &invite.SessionTimerOptions{Enabled: true, Expires: 100 * time.Second})
	inv := c.invite(t)
	if v, _ := inv.Headers.Get(sip.HeaderSessionExpires); v != "100" {
		t.Fatalf("INVITE Session-Expires = %q, want %q", v, "100")
	}

	res := testutil.ResponseTo(inv, sip.ResponseStatusSessionIntervalTooSmall, "bob-tag")
	res.Headers.Set(sip.HeaderMinSE, "300")
	receive(t, c.ep, c.tp, res)

	inv2 := c.tp.WaitRequest(t, sip.RequestMethodInvite, waitTimeout)
	for inv2.Headers.CSeq.Seq == inv.Headers.CSeq.Seq {
		inv2 = c.tp.WaitRequest(t, sip.RequestMethodInvite, waitTimeout)
	}
	if v, _ := inv2.Headers.Get(sip.HeaderSessionExpires); v != "300" {
		t.Errorf("retried INVITE Session-Expires = %q, want %q", v, "300")
	}
	if v, _ := inv2.Headers.Get(sip.HeaderMinSE); v != "300" {
		t.Errorf("retried INVITE Min-SE = %q, want %q", v, "300")
	}
	rec.assertNoState(t, 50*time.Millisecond)
}

func TestSession_InviteTwice(t *testing.T) {
	t.Parallel()

	c := newUACCall(t, newRecorder(), nil)
	c.invite(t)
	if err := c.s.Invite(t.Context(), nil); err == nil {
		t.Fatal("second s.Invite() error = nil, want error")
	}
}

func TestSession_UACRedirectNextTarget(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	var offered []string
	rec.redirect = func(target *sip.URI) invite.RedirectDecision {
		offered = append(offered, target.String())
		return invite.RedirectAccept
	}
	c := newUACCall(t, rec, nil)
	inv := c.invite(t)

	res := testutil.ResponseTo(inv, sip.ResponseStatusMovedTemporarily, "redir-tag")
	res.Headers.Contact = []sip.NameAddr{
		contact("sip:carol@127.0.0.3", "1.0"),
		contact("sip:dave@127.0.0.4", "0.5"),
	}
	receive(t, c.ep, c.tp, res)

	toCarol := waitNewRequest(t, c.tp, sip.RequestMethodInvite, inv.Headers.CSeq.Seq, waitTimeout)
	if got, want := toCarol.URI.String(), "sip:carol@127.0.0.3"; got != want {
		t.Fatalf("second INVITE Request-URI = %q, want %q", got, want)
	}
	// the accepted target fails, the next one is still tried
	receive(t, c.ep, c.tp, testutil.ResponseTo(toCarol, sip.ResponseStatusBusyHere, "carol-tag"))

	toDave := waitNewRequest(t, c.tp, sip.RequestMethodInvite, toCarol.Headers.CSeq.Seq, waitTimeout)
	if got, want := toDave.URI.String(), "sip:dave@127.0.0.4"; got != want {
		t.Fatalf("third INVITE Request-URI = %q, want %q", got, want)
	}
	receive(t, c.ep, c.tp, testutil.ResponseTo(toDave, sip.ResponseStatusNotFound, "dave-tag"))

	rec.waitStates(t, waitTimeout, invite.StateCalling, invite.StateDisconnected)
	if got, want := c.s.Cause().Status, sip.ResponseStatusNotFound; got != want {
		t.Errorf("s.Cause().Status = %d, want %d", got, want)
	}
	if diff := cmp.Diff([]string{"sip:carol@127.0.0.3", "sip:dave@127.0.0.4"}, offered); diff != "" {
		t.Errorf("offered targets mismatch (-want +got):\n%s", diff)
	}

	type result struct {
		Status invite.TargetStatus
		Code   sip.ResponseStatus
		Reason string
	}
	got := make(map[string]result)
	for _, tgt := range c.s.Targets(t.Context()) {
		got[tgt.URI.String()] = result{tgt.Status, tgt.Code, tgt.Reason}
	}
	want := map[string]result{
		"sip:carol@127.0.0.3": {invite.TargetTried, sip.ResponseStatusBusyHere, sip.ResponseStatusBusyHere.Reason()},
		"sip:dave@127.0.0.4":  {invite.TargetTried, sip.ResponseStatusNotFound, sip.ResponseStatusNotFound.Reason()},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_SessionTimerRefresh(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		useUpdate bool
		method    sip.RequestMethod
	}{
		{"reinvite", false, sip.RequestMethodInvite},
		{"update", true, sip.RequestMethodUpdate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := newRecorder()
			c := newUACCall(t, rec, shortSessionTimer(tc.useUpdate))
			inv := c.establish(t, "2;refresher=uac")
			confirmed := time.Now()

			refresh := waitNewRequest(t, c.tp, tc.method, inv.Headers.CSeq.Seq, 3*time.Second)
			if elapsed := time.Since(confirmed); elapsed < 800*time.Millisecond {
				t.Errorf("refresh sent %v after confirmation, want about half of the 2s interval", elapsed)
			}
			if v, _ := refresh.Headers.Get(sip.HeaderSessionExpires); v != "2;refresher=uac" {
				t.Errorf("refresh Session-Expires = %q, want %q", v, "2;refresher=uac")
			}

			res := testutil.ResponseTo(refresh, sip.ResponseStatusOK, "bob-tag")
			if tc.method == sip.RequestMethodInvite {
				res = withSDP(res, remoteSDP)
			}
			res.Headers.Set(sip.HeaderSessionExpires, "2;refresher=uac")
			receive(t, c.ep, c.tp, res)
			if tc.method == sip.RequestMethodInvite {
				c.tp.WaitRequest(t, sip.RequestMethodAck, waitTimeout)
			}

			// the 2xx restarts the refresh timer and cancels the expiration
			waitNewRequest(t, c.tp, tc.method, refresh.Headers.CSeq.Seq, 3*time.Second)
			select {
			case st := <-rec.states:
				t.Fatalf("unexpected session state %q while refreshing", st)
			default:
			}
			if got, want := c.s.State(), invite.StateConfirmed; got != want {
				t.Fatalf("s.State() = %q, want %q", got, want)
			}

			if err := c.s.End(t.Context(), 0); err != nil {
				t.Fatalf("s.End() error = %v, want nil", err)
			}
			c.tp.WaitRequest(t, sip.RequestMethodBye, waitTimeout)
		})
	}
}

func TestSession_SessionTimerExpired(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, shortSessionTimer(false))
	inv := c.establish(t, "2;refresher=uas")

	// the peer refreshes, the session ends when it does not
	bye := c.tp.WaitRequest(t, sip.RequestMethodBye, 3*time.Second)
	if bye.Headers.CSeq.Seq <= inv.Headers.CSeq.Seq {
		t.Errorf("BYE CSeq = %d, want above %d", bye.Headers.CSeq.Seq, inv.Headers.CSeq.Seq)
	}
	rec.waitStates(t, waitTimeout, invite.StateDisconnected)
	if diff := cmp.Diff(causeTimerExpired, c.s.Cause()); diff != "" {
		t.Errorf("s.Cause() mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_SessionTimerRefreshFailed(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	c := newUACCall(t, rec, shortSessionTimer(false))
	inv := c.establish(t, "2;refresher=uac")

	refresh := waitNewRequest(t, c.tp, sip.RequestMethodInvite, inv.Headers.CSeq.Seq, 3*time.Second)
	receive(t, c.ep, c.tp, testutil.ResponseTo(refresh, sip.ResponseStatusServerInternalError, "bob-tag"))

	c.tp.WaitRequest(t, sip.RequestMethodBye, 3*time.Second)
	rec.waitStates(t, waitTimeout, invite.StateDisconnected)
	if diff := cmp.Diff(causeTimerExpired, c.s.Cause()); diff != "" {
		t.Errorf("s.Cause() mismatch (-want +got):\n%s", diff)
	}
}
