package testutil

import (
	"context"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/sip"
)

// Addresses used across tests.
var (
	LocalAddr  = netip.MustParseAddrPort("127.0.0.1:5060")
	RemoteAddr = netip.MustParseAddrPort("127.0.0.2:5060")
)

// FastTimings returns timings scaled down so that whole transaction lifecycles fit in a test.
func FastTimings() sip.TimingConfig {
	t1 := 10 * time.Millisecond
	return sip.NewTimings(t1, 4*t1, 5*t1, 32*t1, 2*t1)
}

// NewEndpoint creates and starts an endpoint with the given transports.
// The endpoint is closed on test cleanup.
func NewEndpoint(tb testing.TB, opts *sip.EndpointOptions, tps ...sip.Transport) *sip.Endpoint {
	tb.Helper()

	if opts == nil {
		opts = &sip.EndpointOptions{}
	}
	if opts.Timings.IsZero() {
		opts.Timings = FastTimings()
	}
	ep := sip.NewEndpoint(opts)
	for _, tp := range tps {
		ep.AddTransport(tp)
	}
	if err := ep.Start(context.Background()); err != nil {
		tb.Fatalf("ep.Start() error = %v, want nil", err)
	}
	tb.Cleanup(func() { ep.Close(context.Background()) }) //nolint:errcheck
	return ep
}

// NameAddr builds a sip name-addr for user@addr.
func NameAddr(user string, addr netip.AddrPort) *sip.NameAddr {
	return &sip.NameAddr{URI: URI(user, addr)}
}

// URI builds a sip URI for user@addr.
func URI(user string, addr netip.AddrPort) *sip.URI {
	return &sip.URI{Scheme: "sip", User: user, Host: addr.Addr().String(), Port: addr.Port()}
}

// NewRequest builds an out-of-dialog request from alice at local to bob at remote.
func NewRequest(method sip.RequestMethod, local, remote netip.AddrPort) *sip.Request {
	return sip.NewRequest(method, URI("bob", remote), NameAddr("alice", local), NameAddr("bob", remote),
		&sip.RequestOptions{Contact: NameAddr("alice", local)})
}

// NewInboundRequest builds a request as the remote peer would send it to local.
// The top Via carries the given branch and the remote address.
func NewInboundRequest(method sip.RequestMethod, branch string, local, remote netip.AddrPort) *sip.Request {
	req := sip.NewRequest(method, URI("alice", local), NameAddr("bob", remote), NameAddr("alice", local),
		&sip.RequestOptions{Contact: NameAddr("bob", remote)})
	req.Headers.Via[0] = sip.Via{
		Transport: "UDP",
		Host:      remote.Addr().String(),
		Port:      remote.Port(),
		Params:    sip.Params{{Name: "branch", Value: branch}},
	}
	return req
}

// ResponseTo builds the response the remote peer sends for the request.
func ResponseTo(req *sip.Request, status sip.ResponseStatus, toTag string) *sip.Response {
	res := req.Clone().NewResponse(status, "")
	if toTag != "" && res.Headers.To != nil {
		res.Headers.To.SetTag(toTag)
	}
	if status.IsSuccessful() && req.IsInvite() {
		res.Headers.Contact = []sip.NameAddr{*NameAddr("bob", RemoteAddr)}
	}
	return res
}

// TsxState is a transaction state change captured by [Recorder].
type TsxState struct {
	Tx    sip.Transaction
	Prev  sip.TransactionState
	State sip.TransactionState
	Err   error
	// Res is the response that caused the change if any.
	Res *sip.Response
	// Timer is the expired timer that caused the change if any.
	Timer string
}

// Recorder is a module that records transaction state changes and inbound messages.
type Recorder struct {
	sip.ModuleBase

	ModName string
	Prio    int
	// Claim decides whether the module claims an inbound request, it claims nothing if nil.
	Claim func(ctx context.Context, req *sip.Request) bool

	States    chan TsxState
	Requests  chan *sip.Request
	Responses chan *sip.Response
}

// NewRecorder creates a recorder module.
func NewRecorder(name string, prio int) *Recorder {
	return &Recorder{
		ModName:   name,
		Prio:      prio,
		States:    make(chan TsxState, 256),
		Requests:  make(chan *sip.Request, 256),
		Responses: make(chan *sip.Response, 256),
	}
}

func (r *Recorder) Name() string { return r.ModName }

func (r *Recorder) Priority() int { return r.Prio }

func (r *Recorder) OnRxRequest(ctx context.Context, req *sip.Request) bool {
	r.Requests <- req
	return r.Claim != nil && r.Claim(ctx, req)
}

func (r *Recorder) OnRxResponse(_ context.Context, res *sip.Response) {
	r.Responses <- res
}

func (r *Recorder) OnTsxState(_ context.Context, tx sip.Transaction, ev *sip.Event) {
	st := TsxState{
		Tx:    tx,
		Prev:  ev.PrevState,
		State: tx.State(),
		Err:   ev.Err,
		Res:   ev.Src.RxResponse(),
	}
	if ev.Src != nil && ev.Src.Type == sip.EventTimer {
		st.Timer = ev.Src.Timer
	}
	r.States <- st
}

// WaitState waits for the transaction to report the state, skipping other states.
func (r *Recorder) WaitState(tb testing.TB, state sip.TransactionState, timeout time.Duration) TsxState {
	tb.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case st := <-r.States:
			if st.State == state {
				return st
			}
		case <-deadline:
			tb.Fatalf("transaction state %q not reported within %v", state, timeout)
			return TsxState{}
		}
	}
}

// NextState returns the next reported state change.
func (r *Recorder) NextState(tb testing.TB, timeout time.Duration) TsxState {
	tb.Helper()

	select {
	case st := <-r.States:
		return st
	case <-time.After(timeout):
		tb.Fatalf("no transaction state reported within %v", timeout)
		return TsxState{}
	}
}

// Branch returns a unique RFC 3261 branch for tests.
func Branch(tb testing.TB, n int) string {
	tb.Helper()
	return sip.MagicCookie + "." + tb.Name() + "." + strconv.Itoa(n)
}

// AckFor builds the ACK the remote peer sends for the INVITE and its final response.
// An empty branch keeps the INVITE branch, as for non-2xx responses.
func AckFor(inv *sip.Request, res *sip.Response, branch string) *sip.Request {
	ack := inv.Clone()
	ack.Method = sip.RequestMethodAck
	ack.Headers.CSeq.Method = sip.RequestMethodAck
	ack.Headers.To = res.Headers.To.Clone()
	ack.Body = nil
	if branch != "" {
		ack.Headers.Via[0].Params = ack.Headers.Via[0].Params.Set("branch", branch)
	}
	return ack
}
