// Package evsub implements the subscriber side of SIP event subscriptions (RFC 6665)
// as a dialog usage.
package evsub

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/dialog"
)

// UsageName is the dialog usage name of a [Subscription].
const UsageName = "evsub"

// Subscription errors.
const (
	ErrSubscriptionTerminated sip.Error = "subscription terminated"
	ErrNoEvent                sip.Error = "no event package"
)

// DefaultExpires is the subscription duration requested when none is configured.
const DefaultExpires = 3600 * time.Second

// refreshMargin is how long before expiration a subscription is refreshed.
const refreshMargin = 5 * time.Second

// State is the state of a subscription.
type State string

const (
	StateNull       State = "null"
	StateSent       State = "sent"
	StateAccepted   State = "accepted"
	StatePending    State = "pending"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

const (
	evtSend      = "send"
	evtAccept    = "accept"
	evtPending   = "pending"
	evtActive    = "active"
	evtTerminate = "terminate"
)

// Callbacks receives subscription notifications. All methods are called with the dialog group lock held.
//
// Embed [NopCallbacks] to get the default behavior.
type Callbacks interface {
	// OnStateChanged is called after every subscription state change.
	OnStateChanged(ctx context.Context, s *Subscription, prev State)
	// OnRxNotify is called for every NOTIFY of the subscription before it is answered.
	// A nil error answers 200, an error answers with the status of [sip.StatusFromError].
	OnRxNotify(ctx context.Context, s *Subscription, req *sip.Request) error
}

// NopCallbacks implements [Callbacks] with the default behavior.
type NopCallbacks struct{}

func (NopCallbacks) OnStateChanged(context.Context, *Subscription, State) {}

// OnRxNotify accepts the NOTIFY.
func (NopCallbacks) OnRxNotify(context.Context, *Subscription, *sip.Request) error { return nil }

// Options contains options of a subscription.
type Options struct {
	// Event is the event package, e.g. "presence". Required.
	Event string
	// Accept lists the accepted body types of NOTIFY requests.
	Accept []string
	// Expires is the requested subscription duration. Zero means [DefaultExpires].
	Expires time.Duration
	// Callbacks receives the subscription notifications. If nil, [NopCallbacks] is used.
	Callbacks Callbacks
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) event() string {
	if o == nil {
		return ""
	}
	return o.Event
}

func (o *Options) accept() []string {
	if o == nil {
		return nil
	}
	return o.Accept
}

func (o *Options) expires() time.Duration {
	if o == nil || o.Expires <= 0 {
		return DefaultExpires
	}
	return o.Expires
}

func (o *Options) callbacks() Callbacks {
	if o == nil || o.Callbacks == nil {
		return NopCallbacks{}
	}
	return o.Callbacks
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Subscription is the subscriber side of an event subscription, a usage of the dialog
// created by the initial SUBSCRIBE.
type Subscription struct {
	grp    *sip.GroupLock
	log    *slog.Logger
	cbs    Callbacks
	event  string
	accept []string
	ctx    context.Context

	fsm       *stateless.StateMachine
	state     atomic.Value
	lastState State
	reason    atomic.Value

	// guarded by the group lock
	dlg     *dialog.Dialog
	expires time.Duration
	subTx   sip.ClientTransaction
	initial bool
	tmr     *timeutil.Timer
}

// NewSubscriber creates a subscription in the dialog created by [dialog.Layer.CreateUAC].
// The subscription is started with [Subscription.Subscribe].
func NewSubscriber(ctx context.Context, d *dialog.Dialog, opts *Options) (*Subscription, error) {
	if d.Role() != dialog.RoleUAC || d.State() != dialog.StateNull {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("not a new UAC dialog"))
	}
	if opts.event() == "" {
		return nil, errtrace.Wrap(ErrNoEvent)
	}

	s := &Subscription{
		grp:       d.GroupLock(),
		log:       opts.log(),
		cbs:       opts.callbacks(),
		event:     opts.event(),
		accept:    opts.accept(),
		ctx:       context.Background(),
		lastState: StateNull,
		dlg:       d,
		expires:   opts.expires(),
	}
	s.state.Store(StateNull)
	s.reason.Store("")
	s.initFSM()

	if err := d.AddUsage(ctx, s); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return s, nil
}

func (s *Subscription) initFSM() {
	s.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return s.State(), nil },
		func(_ context.Context, st stateless.State) error {
			s.state.Store(st.(State)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringQueued,
	)

	s.fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		s.log.LogAttrs(ctx, slog.LevelDebug, "ignoring subscription trigger",
			slog.Any("subscription", s),
			slog.Any("trigger", trigger),
		)
		return errtrace.Wrap(fmt.Errorf("%w: %v in state %v", sip.ErrInvalidState, trigger, state))
	})

	s.fsm.Configure(StateNull).
		Permit(evtSend, StateSent).
		Permit(evtTerminate, StateTerminated)

	s.fsm.Configure(StateSent).
		OnEntry(s.actNotify).
		Permit(evtAccept, StateAccepted).
		Permit(evtPending, StatePending).
		Permit(evtActive, StateActive).
		Permit(evtTerminate, StateTerminated)

	s.fsm.Configure(StateAccepted).
		OnEntry(s.actNotify).
		Ignore(evtAccept).
		Permit(evtPending, StatePending).
		Permit(evtActive, StateActive).
		Permit(evtTerminate, StateTerminated)

	s.fsm.Configure(StatePending).
		OnEntry(s.actNotify).
		Ignore(evtAccept).
		Ignore(evtPending).
		Permit(evtActive, StateActive).
		Permit(evtTerminate, StateTerminated)

	s.fsm.Configure(StateActive).
		OnEntry(s.actNotify).
		Ignore(evtAccept).
		Ignore(evtActive).
		Permit(evtPending, StatePending).
		Permit(evtTerminate, StateTerminated)

	s.fsm.Configure(StateTerminated).
		OnEntry(s.actTerminated).
		OnEntry(s.actNotify)
}

func (*Subscription) Name() string { return UsageName }

func (*Subscription) Priority() int { return sip.PriorityDialogUsage }

func (s *Subscription) State() State {
	if s == nil {
		return ""
	}
	return s.state.Load().(State) //nolint:forcetypeassert
}

// Event returns the event package of the subscription.
func (s *Subscription) Event() string { return s.event }

// Dialog returns the subscription dialog.
func (s *Subscription) Dialog() *dialog.Dialog { return s.dlg }

// Reason returns the reason parameter of the terminating Subscription-State header
// or the status of the failed SUBSCRIBE.
func (s *Subscription) Reason() string { return s.reason.Load().(string) } //nolint:forcetypeassert

// Expires returns the current subscription duration.
func (s *Subscription) Expires(ctx context.Context) time.Duration {
	_, unlock := s.lock(ctx)
	defer unlock()
	return s.expires
}

// Subscribe sends the initial SUBSCRIBE or refreshes an established subscription.
// A zero expires keeps the current duration.
func (s *Subscription) Subscribe(ctx context.Context, expires time.Duration) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	if s.State() == StateTerminated {
		return errtrace.Wrap(ErrSubscriptionTerminated)
	}
	if expires > 0 {
		s.expires = expires
	}
	return errtrace.Wrap(s.sendSubscribe(ctx, s.expires))
}

// Unsubscribe sends SUBSCRIBE with zero expiration. The subscription terminates with
// the final NOTIFY or with a failure response.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	switch s.State() {
	case StateTerminated:
		return errtrace.Wrap(ErrSubscriptionTerminated)
	case StateNull:
		s.terminate(ctx, "unsubscribed")
		return nil
	}
	s.stopTimer()
	return errtrace.Wrap(s.sendSubscribe(ctx, 0))
}

func (s *Subscription) sendSubscribe(ctx context.Context, expires time.Duration) error {
	req, err := s.dlg.CreateRequest(ctx, sip.RequestMethodSubscribe)
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.Headers.Set(sip.HeaderEvent, s.event)
	req.Headers.Set(sip.HeaderExpires, strconv.Itoa(int(expires/time.Second)))
	if len(s.accept) > 0 {
		req.Headers.Set(sip.HeaderAccept, strings.Join(s.accept, ", "))
	}

	initial := s.State() == StateNull
	if initial {
		s.fire(ctx, evtSend) //nolint:errcheck
	}
	tx, err := s.dlg.SendRequest(ctx, req)
	if err != nil {
		if initial {
			s.terminate(ctx, causeOf(err))
		}
		return errtrace.Wrap(err)
	}
	s.subTx, s.initial = tx, initial
	if tx.State() == sip.TransactionStateTerminated && tx.Err() != nil {
		s.terminate(ctx, causeOf(tx.Err()))
		return errtrace.Wrap(tx.Err())
	}
	return nil
}

// OnRxRequest handles NOTIFY requests of the subscription event package.
func (s *Subscription) OnRxRequest(ctx context.Context, d *dialog.Dialog, req *sip.Request) bool {
	if !req.Method.Equal(sip.RequestMethodNotify) {
		return false
	}
	if ev, ok := req.Headers.Get(sip.HeaderEvent); !ok || !sameEvent(ev, s.event) {
		return false
	}
	s.recvNotify(ctx, d, req)
	return true
}

func (s *Subscription) recvNotify(ctx context.Context, d *dialog.Dialog, req *sip.Request) {
	if s.State() == StateTerminated {
		s.respond(ctx, d, req, sip.ResponseStatusCallTransactionNotExist, "")
		return
	}

	hdr, ok := req.Headers.Get(sip.HeaderSubscriptionState)
	if !ok {
		s.respond(ctx, d, req, sip.ResponseStatusBadRequest, "Missing Subscription-State")
		return
	}
	ss := parseSubscriptionState(hdr)

	if err := s.cbs.OnRxNotify(ctx, s, req); err != nil {
		status, reason := sip.StatusFromError(err)
		s.respond(ctx, d, req, status, reason)
		return
	}
	s.respond(ctx, d, req, sip.ResponseStatusOK, "")

	switch ss.state {
	case "active":
		s.fire(ctx, evtActive) //nolint:errcheck
	case "pending":
		s.fire(ctx, evtPending) //nolint:errcheck
	case "terminated":
		reason := ss.reason
		if reason == "" {
			reason = "terminated"
		}
		s.terminate(ctx, reason)
		return
	default:
		s.log.LogAttrs(ctx, slog.LevelWarn, "unknown subscription state",
			slog.Any("subscription", s),
			slog.String("subscription_state", hdr),
		)
		return
	}
	if ss.expires > 0 && (ss.expires < s.expires || s.tmr == nil) {
		s.startTimer(ctx, ss.expires)
	}
}

func (s *Subscription) respond(ctx context.Context, d *dialog.Dialog, req *sip.Request, status sip.ResponseStatus, reason string) {
	tx, ok := sip.MatchedTransaction(req).(sip.ServerTransaction)
	if !ok {
		return
	}
	if err := d.Respond(ctx, tx, d.CreateResponse(req, status, reason)); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "failed to respond",
			slog.Any("subscription", s),
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

func (s *Subscription) OnRxResponse(context.Context, *dialog.Dialog, *sip.Response) {}

// OnTsxState handles responses to SUBSCRIBE.
func (s *Subscription) OnTsxState(ctx context.Context, _ *dialog.Dialog, tx sip.Transaction, ev *sip.Event) {
	if s.subTx == nil || tx != s.subTx {
		return
	}

	res := ev.Src.RxResponse()
	if res == nil {
		if tx.State() == sip.TransactionStateTerminated && tx.Err() != nil {
			s.subTx = nil
			s.terminate(ctx, causeOf(tx.Err()))
		}
		return
	}

	switch {
	case res.Status.IsProvisional():
	case res.Status.IsSuccessful():
		s.subTx = nil
		s.fire(ctx, evtAccept) //nolint:errcheck
		exp, ok := parseExpires(&res.Headers)
		if !ok {
			exp = s.expires
		}
		if exp == 0 {
			// unsubscribed, the final NOTIFY is still expected
			return
		}
		s.expires = exp
		s.startTimer(ctx, exp)
	default:
		s.subTx = nil
		reason := strconv.Itoa(int(res.Status))
		if s.initial || res.Status == sip.ResponseStatusCallTransactionNotExist ||
			res.Status == sip.ResponseStatusRequestTimeout {
			s.terminate(ctx, reason)
			return
		}
		s.log.LogAttrs(ctx, slog.LevelWarn, "subscription refresh rejected",
			slog.Any("subscription", s),
			slog.Any("response", res),
		)
	}
}

// OnDialogState terminates the subscription with its dialog.
func (s *Subscription) OnDialogState(ctx context.Context, d *dialog.Dialog, _ dialog.State) {
	if d.State() == dialog.StateTerminated {
		s.terminate(ctx, "dialog terminated")
	}
}

func (s *Subscription) refresh(ctx context.Context) {
	if st := s.State(); st == StateTerminated || s.subTx != nil {
		return
	}
	if err := s.sendSubscribe(ctx, s.expires); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to refresh subscription",
			slog.Any("subscription", s),
			slog.Any("error", err),
		)
	}
}

func (s *Subscription) startTimer(ctx context.Context, expires time.Duration) {
	s.stopTimer()

	d := expires / 2
	if expires > 2*refreshMargin {
		d = expires - refreshMargin
	}
	var tmr *timeutil.Timer
	tmr = timeutil.AfterFunc(d, func() {
		ctx, unlock := s.lock(s.ctx)
		defer unlock()
		if s.tmr != tmr {
			return
		}
		s.tmr = nil
		s.refresh(ctx)
	})
	s.tmr = tmr

	s.log.LogAttrs(ctx, slog.LevelDebug, "subscription refresh scheduled",
		slog.Any("subscription", s),
		slog.Duration("expires", expires),
		slog.Duration("fires_in", d),
	)
}

func (s *Subscription) stopTimer() {
	if s.tmr != nil {
		s.tmr.Stop()
		s.tmr = nil
	}
}

func (s *Subscription) terminate(ctx context.Context, reason string) {
	if s.State() == StateTerminated {
		return
	}
	s.reason.Store(reason)
	s.fire(ctx, evtTerminate) //nolint:errcheck
}

func (s *Subscription) lock(ctx context.Context) (context.Context, func()) { return s.grp.Acquire(ctx) }

func (s *Subscription) fire(ctx context.Context, trig string) error {
	return errtrace.Wrap(s.fsm.FireCtx(ctx, trig))
}

func (s *Subscription) actNotify(ctx context.Context, _ ...any) error {
	prev := s.lastState
	s.lastState = s.State()

	s.log.LogAttrs(ctx, slog.LevelDebug, "subscription state changed",
		slog.Any("subscription", s),
		slog.String("prev_state", string(prev)),
	)
	s.cbs.OnStateChanged(ctx, s, prev)
	return nil
}

func (s *Subscription) actTerminated(ctx context.Context, _ ...any) error {
	s.stopTimer()
	s.subTx = nil
	s.dlg.RemoveUsage(ctx, s)
	return nil
}

// LogValue implements [slog.LogValuer].
func (s *Subscription) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("event", s.event),
		slog.String("state", string(s.State())),
		slog.String("call_id", s.dlg.CallID()),
	)
}

func causeOf(err error) string {
	_, reason := sip.StatusFromError(err)
	return reason
}

// sameEvent compares event types, RFC 6665 8.2.1. Parameters other than id are ignored.
func sameEvent(a, b string) bool {
	at, aid := splitEvent(a)
	bt, bid := splitEvent(b)
	return util.EqFold(at, bt) && aid == bid
}

func splitEvent(v string) (typ, id string) {
	parts := strings.Split(v, ";")
	typ = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		name, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		if util.EqFold(strings.TrimSpace(name), "id") {
			id = strings.TrimSpace(val)
		}
	}
	return typ, id
}

type subscriptionState struct {
	state   string
	reason  string
	expires time.Duration
}

func parseSubscriptionState(v string) subscriptionState {
	parts := strings.Split(v, ";")
	ss := subscriptionState{state: util.LCase(strings.TrimSpace(parts[0]))}
	for _, p := range parts[1:] {
		name, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch util.LCase(strings.TrimSpace(name)) {
		case "reason":
			ss.reason = strings.TrimSpace(val)
		case "expires":
			if secs, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && secs >= 0 {
				ss.expires = time.Duration(secs) * time.Second
			}
		}
	}
	return ss
}

func parseExpires(hdrs *sip.Headers) (time.Duration, bool) {
	v, ok := hdrs.Get(sip.HeaderExpires)
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
