// Package invite implements the INVITE session usage: call setup and teardown, SDP offer/answer,
// redirection, cancellation and RFC 4028 session timers on top of the dialog layer.
package invite

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/dialog"
)

// UsageName is the dialog usage name of a [Session].
const UsageName = "invite-session"

// Session errors.
const (
	ErrSessionTerminated  sip.Error = "session terminated"
	ErrPendingTransaction sip.Error = "INVITE or UPDATE transaction pending"
	ErrNoPendingInvite    sip.Error = "no INVITE to answer"
	ErrNoAnswer           sip.Error = "no SDP answer"
	ErrNoRedirect         sip.Error = "no redirection waits for a decision"
)

// State is the state of an INVITE session.
type State string

const (
	StateNull         State = "null"
	StateCalling      State = "calling"
	StateIncoming     State = "incoming"
	StateEarly        State = "early"
	StateConnecting   State = "connecting"
	StateConfirmed    State = "confirmed"
	StateDisconnected State = "disconnected"
)

// FSM triggers.
const (
	evtInvite     = "invite"
	evtIncoming   = "incoming"
	evtEarly      = "early"
	evtConnect    = "connect"
	evtConfirm    = "confirm"
	evtDisconnect = "disconnect"
)

const (
	allowedMethods = "INVITE, ACK, CANCEL, BYE, UPDATE, OPTIONS"
	contentTypeSDP = "application/sdp"
)

// Cause is the reason a session disconnected.
type Cause struct {
	Status sip.ResponseStatus
	Reason string
}

func (c Cause) String() string { return fmt.Sprintf("%d %s", c.Status, c.Reason) }

func causeOf(res *sip.Response) Cause {
	reason := res.Reason
	if reason == "" {
		reason = res.Status.Reason()
	}
	return Cause{res.Status, reason}
}

func causeFromError(err error) Cause {
	status, reason := sip.StatusFromError(err)
	return Cause{status, reason}
}

var (
	causeBye          = Cause{sip.ResponseStatusOK, "BYE"}
	causeDialogGone   = Cause{sip.ResponseStatusCallTransactionNotExist, "Dialog Terminated"}
	causeTimerExpired = Cause{sip.ResponseStatusRequestTimeout, "Session Timer Expired"}
)

// Options contains options of a session.
type Options struct {
	// Callbacks receives the session notifications. If nil, [NopCallbacks] is used.
	Callbacks Callbacks
	// LocalSDP is the initial local session description. It is offered by [Session.Invite] called
	// without an offer and used as the default answer.
	LocalSDP []byte
	// SessionTimer configures RFC 4028 session timers.
	SessionTimer *SessionTimerOptions
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) callbacks() Callbacks {
	if o == nil || o.Callbacks == nil {
		return NopCallbacks{}
	}
	return o.Callbacks
}

func (o *Options) localSDP() []byte {
	if o == nil {
		return nil
	}
	return o.LocalSDP
}

func (o *Options) sessionTimer() *SessionTimerOptions {
	if o == nil {
		return nil
	}
	return o.SessionTimer
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type ackKey struct {
	id  dialog.ID
	seq uint32
}

type ackEntry struct {
	ack  *sip.Request
	sent bool
}

type sessionKey struct{}

// SessionOf returns the session attached to the dialog.
func SessionOf(d *dialog.Dialog) (*Session, bool) {
	s, ok := d.Value(sessionKey{}).(*Session)
	return s, ok
}

// Session is an INVITE session, a usage of the dialog created by the INVITE.
//
// All methods are safe for concurrent use, they serialize on the dialog group lock.
// A UAC session may be attached to several early dialogs created by forking,
// it is bound to the first dialog confirmed by a 2xx.
type Session struct {
	role dialog.Role
	grp  *sip.GroupLock
	log  *slog.Logger
	cbs  Callbacks
	ctx  context.Context

	fsm       *stateless.StateMachine
	state     atomic.Value
	lastState State
	cause     atomic.Pointer[Cause]

	bound atomic.Pointer[dialog.Dialog]

	// the fields below are guarded by the group lock
	dlg  *dialog.Dialog
	dlgs []*dialog.Dialog
	neg  *Negotiator
	st   *sessionTimer
	acks map[ackKey]*ackEntry

	// UAC dialog creating INVITE
	invReq        *sip.Request
	invTx         sip.ClientTransaction
	got1xx        bool
	cancelPending bool
	cancelSent    bool
	targets       TargetSet
	redirectRes   *sip.Response
	redirectLast  *sip.Response
	redirectWait  bool
	retries422    int

	// UAS dialog creating INVITE
	srvReq *sip.Request
	srvTx  *sip.InviteServerTransaction

	// in-dialog offer/answer transactions
	reinvReq    *sip.Request
	reinvTx     sip.ClientTransaction
	reinvSrvReq *sip.Request
	reinvSrv    *sip.InviteServerTransaction
	updTx       sip.ClientTransaction
}

func newSession(d *dialog.Dialog, opts *Options) (*Session, error) {
	neg, err := NewNegotiator(opts.localSDP())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s := &Session{
		role:      d.Role(),
		grp:       d.GroupLock(),
		log:       opts.log(),
		cbs:       opts.callbacks(),
		lastState: StateNull,
		dlg:       d,
		dlgs:      []*dialog.Dialog{d},
		neg:       neg,
		st:        newSessionTimer(opts.sessionTimer()),
		acks:      make(map[ackKey]*ackEntry),
	}
	s.ctx = context.Background()
	s.bound.Store(d)
	s.state.Store(StateNull)
	s.initFSM()
	return s, nil
}

func (s *Session) initFSM() {
	s.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return s.State(), nil },
		func(_ context.Context, st stateless.State) error {
			s.state.Store(st.(State)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringQueued,
	)

	s.fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		s.log.LogAttrs(ctx, slog.LevelDebug, "ignoring session trigger",
			slog.Any("session", s),
			slog.Any("trigger", trigger),
		)
		return errtrace.Wrap(fmt.Errorf("%w: %v in state %v", sip.ErrInvalidState, trigger, state))
	})

	s.fsm.Configure(StateNull).
		Permit(evtInvite, StateCalling).
		Permit(evtIncoming, StateIncoming).
		Permit(evtDisconnect, StateDisconnected)

	s.fsm.Configure(StateCalling).
		OnEntry(s.actNotify).
		Ignore(evtInvite).
		Permit(evtEarly, StateEarly).
		Permit(evtConnect, StateConnecting).
		Permit(evtDisconnect, StateDisconnected)

	s.fsm.Configure(StateIncoming).
		OnEntry(s.actNotify).
		Permit(evtEarly, StateEarly).
		Permit(evtConnect, StateConnecting).
		Permit(evtDisconnect, StateDisconnected)

	s.fsm.Configure(StateEarly).
		OnEntry(s.actNotify).
		Ignore(evtEarly).
		Permit(evtInvite, StateCalling).
		Permit(evtConnect, StateConnecting).
		Permit(evtDisconnect, StateDisconnected)

	s.fsm.Configure(StateConnecting).
		OnEntry(s.actNotify).
		Permit(evtConfirm, StateConfirmed).
		Permit(evtDisconnect, StateDisconnected)

	s.fsm.Configure(StateConfirmed).
		OnEntry(s.actConfirmed).
		OnEntry(s.actNotify).
		Permit(evtDisconnect, StateDisconnected)

	s.fsm.Configure(StateDisconnected).
		OnEntry(s.actDisconnected).
		OnEntry(s.actNotify)
}

// NewUAC creates a session for an outgoing call in the dialog created by [dialog.Layer.CreateUAC].
// The call is started with [Session.Invite].
func NewUAC(ctx context.Context, d *dialog.Dialog, opts *Options) (*Session, error) {
	if d.Role() != dialog.RoleUAC || d.State() != dialog.StateNull {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("not a new UAC dialog"))
	}
	s, err := newSession(d, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := d.AddUsage(ctx, s); err != nil {
		return nil, errtrace.Wrap(err)
	}
	d.SetValue(sessionKey{}, s)
	return s, nil
}

// NewUAS creates a session for the inbound INVITE that created the dialog, see [dialog.Layer.CreateUAS].
// The session enters the incoming state and reports the SDP offer of the INVITE, if any.
// An INVITE with a too small Session-Expires is rejected with 422.
func NewUAS(ctx context.Context, d *dialog.Dialog, tx sip.ServerTransaction, opts *Options) (*Session, error) {
	itx, ok := tx.(*sip.InviteServerTransaction)
	if !ok || d.Role() != dialog.RoleUAS {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("not a UAS dialog with INVITE transaction"))
	}
	s, err := newSession(d, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	ctx, unlock := s.lock(ctx)
	defer unlock()

	if err := d.AddUsage(ctx, s); err != nil {
		return nil, errtrace.Wrap(err)
	}
	d.SetValue(sessionKey{}, s)
	s.srvTx, s.srvReq = itx, itx.Request()

	if err := s.st.checkRequest(s.srvReq); err != nil {
		s.rejectMinSE(ctx, d, s.srvReq, itx)
		return nil, errtrace.Wrap(err)
	}
	if len(s.srvReq.Body) > 0 {
		if err := s.neg.SetRemoteOffer(s.srvReq.Body); err != nil {
			s.reject(ctx, sip.ResponseStatusNotAcceptableHere, "")
			return nil, errtrace.Wrap(err)
		}
	}

	s.fire(ctx, evtIncoming) //nolint:errcheck
	if offer := s.neg.PendingRemoteOffer(); offer != nil {
		s.cbs.OnRxOffer(ctx, s, offer)
	}
	return s, nil
}

func (*Session) Name() string { return UsageName }

func (*Session) Priority() int { return sip.PriorityDialogUsage }

func (s *Session) State() State {
	if s == nil {
		return ""
	}
	return s.state.Load().(State) //nolint:forcetypeassert
}

func (s *Session) Role() dialog.Role { return s.role }

// Dialog returns the dialog the session is bound to.
func (s *Session) Dialog() *dialog.Dialog { return s.bound.Load() }

// Cause returns the disconnect cause, it is zero until the session disconnects.
func (s *Session) Cause() Cause {
	if c := s.cause.Load(); c != nil {
		return *c
	}
	return Cause{}
}

// LocalSDP returns the active local session description.
func (s *Session) LocalSDP(ctx context.Context) []byte {
	_, unlock := s.lock(ctx)
	defer unlock()
	return s.neg.ActiveLocal()
}

// RemoteSDP returns the active remote session description.
func (s *Session) RemoteSDP(ctx context.Context) []byte {
	_, unlock := s.lock(ctx)
	defer unlock()
	return s.neg.ActiveRemote()
}

// Invite sends the dialog creating INVITE. A nil offer makes the session offer the local SDP
// from the options, if any.
func (s *Session) Invite(ctx context.Context, offer []byte) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	if s.role != dialog.RoleUAC || s.State() != StateNull {
		return errtrace.Wrap(fmt.Errorf("%w: invite in %s state", sip.ErrInvalidState, s.State()))
	}
	if offer == nil {
		offer = s.neg.ActiveLocal()
	}
	if offer != nil {
		if err := s.neg.SetLocalOffer(offer); err != nil {
			return errtrace.Wrap(err)
		}
	}

	req, err := s.dlg.CreateRequest(ctx, sip.RequestMethodInvite)
	if err != nil {
		return errtrace.Wrap(err)
	}
	setRequestBody(req, offer)
	req.Headers.Set(sip.HeaderAllow, allowedMethods)
	s.st.addRequestHeaders(req)

	s.fire(ctx, evtInvite) //nolint:errcheck
	return errtrace.Wrap(s.sendInvite(ctx, req))
}

// sendInvite sends the dialog creating INVITE, a failure disconnects the session.
func (s *Session) sendInvite(ctx context.Context, req *sip.Request) error {
	s.invReq, s.invTx, s.got1xx = req, nil, false
	tx, err := s.dlg.SendRequest(ctx, req)
	if err != nil {
		s.disconnect(ctx, causeFromError(err))
		return errtrace.Wrap(err)
	}
	s.invTx = tx
	if tx.State() == sip.TransactionStateTerminated && tx.Err() != nil {
		s.disconnect(ctx, causeFromError(tx.Err()))
		return errtrace.Wrap(tx.Err())
	}
	return nil
}

// Answer responds to the dialog creating INVITE. A non-nil body is the SDP answer to the offer of
// the INVITE or the offer of an INVITE without one. For 2xx responses the answer defaults to the one set
// with [Session.SetAnswer] or to the active local SDP.
func (s *Session) Answer(ctx context.Context, status sip.ResponseStatus, body []byte) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	if !status.IsValid() {
		return errtrace.Wrap(sip.NewInvalidArgumentError("invalid status %d", status))
	}
	if !s.canAnswer() {
		return errtrace.Wrap(ErrNoPendingInvite)
	}
	if body != nil {
		if err := s.setLocalSDP(body); err != nil {
			return errtrace.Wrap(err)
		}
	}

	if status.IsFailure() {
		s.reject(ctx, status, "")
		return nil
	}

	res := s.dlg.CreateResponse(s.srvReq, status, "")
	if status.IsSuccessful() {
		b, err := s.answerBody(ctx)
		if err != nil {
			return errtrace.Wrap(err)
		}
		setResponseBody(res, b)
		res.Headers.Set(sip.HeaderAllow, allowedMethods)
		s.st.answerRequest(s.srvReq, res)
	} else if s.neg.State() == NegotiatorWaitNego {
		// early media, committed with the 2xx
		setResponseBody(res, s.neg.PendingLocal())
	}

	if err := s.dlg.Respond(ctx, s.srvTx, res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case status == sip.ResponseStatusTrying:
	case status.IsProvisional():
		if s.State() == StateIncoming {
			s.fire(ctx, evtEarly) //nolint:errcheck
		}
	default:
		if s.neg.State() == NegotiatorWaitNego {
			s.negotiate(ctx) //nolint:errcheck
		}
		s.fire(ctx, evtConnect) //nolint:errcheck
	}
	return nil
}

func (s *Session) canAnswer() bool {
	if s.srvTx == nil {
		return false
	}
	switch s.srvTx.State() {
	case sip.TransactionStateTrying, sip.TransactionStateProceeding:
		return s.State() == StateIncoming || s.State() == StateEarly
	default:
		return false
	}
}

// setLocalSDP sets the body given by the application as the answer to a pending offer
// or as a new offer.
func (s *Session) setLocalSDP(body []byte) error {
	switch s.neg.State() {
	case NegotiatorRemoteOffer:
		return errtrace.Wrap(s.neg.SetLocalAnswer(body))
	case NegotiatorNull, NegotiatorDone:
		return errtrace.Wrap(s.neg.SetLocalOffer(body))
	default:
		return errtrace.Wrap(ErrOfferPending)
	}
}

// SetAnswer sets the SDP answer to the pending remote offer.
// It is usually called from [Callbacks.OnRxOffer].
func (s *Session) SetAnswer(ctx context.Context, answer []byte) error {
	_, unlock := s.lock(ctx)
	defer unlock()
	return errtrace.Wrap(s.neg.SetLocalAnswer(answer))
}

// answerBody returns the SDP for a 2xx response: the answer to the pending remote offer,
// falling back to the active local SDP, or a new offer when the request had none.
func (s *Session) answerBody(ctx context.Context) ([]byte, error) {
	switch s.neg.State() {
	case NegotiatorWaitNego:
		return s.neg.PendingLocal(), nil
	case NegotiatorRemoteOffer:
		local := s.neg.ActiveLocal()
		if local == nil {
			return nil, errtrace.Wrap(ErrNoAnswer)
		}
		if err := s.neg.SetLocalAnswer(local); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return local, nil
	case NegotiatorLocalOffer:
		return s.neg.PendingLocal(), nil
	default:
		offer := s.cbs.OnCreateOffer(ctx, s)
		if offer == nil {
			offer = s.neg.ActiveLocal()
		}
		if offer == nil {
			return nil, nil
		}
		if err := s.neg.SetLocalOffer(offer); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return offer, nil
	}
}

func (s *Session) negotiate(ctx context.Context) error {
	err := s.neg.Negotiate()
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "SDP negotiation failed", slog.Any("session", s), slog.Any("error", err))
	}
	s.cbs.OnMediaUpdate(ctx, s, err)
	return errtrace.Wrap(err)
}

// End terminates the session in any state: a call not answered yet is cancelled (UAC) or rejected (UAS),
// an established one is ended with BYE. The status is used to reject an incoming call, 603 by default.
//
// A UAC call is cancelled only after a provisional response has been received, until then the
// cancellation is pending. If the call is answered anyway, it is acknowledged and ended with BYE.
func (s *Session) End(ctx context.Context, status sip.ResponseStatus) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	switch s.State() {
	case StateNull:
		s.disconnect(ctx, Cause{sip.ResponseStatusRequestTerminated, "Request Terminated"})
	case StateCalling, StateIncoming, StateEarly:
		if s.role == dialog.RoleUAS {
			if status == 0 {
				status = sip.ResponseStatusDecline
			}
			if !status.IsFailure() {
				return errtrace.Wrap(sip.NewInvalidArgumentError("invalid status %d", status))
			}
			s.reject(ctx, status, "")
			return nil
		}
		s.cancelPending = true
		if s.got1xx && !s.cancelSent {
			return errtrace.Wrap(s.sendCancel(ctx))
		}
	case StateConnecting, StateConfirmed:
		s.sendBye(ctx)
		s.disconnect(ctx, causeBye)
	default:
		return errtrace.Wrap(ErrSessionTerminated)
	}
	return nil
}

// reject responds to the pending dialog creating INVITE with the failure status and disconnects.
func (s *Session) reject(ctx context.Context, status sip.ResponseStatus, reason string) {
	res := s.dlg.CreateResponse(s.srvReq, status, reason)
	s.neg.Rollback()
	// the session leaves the dialog before the response terminates it
	s.disconnect(ctx, causeOf(res))
	if err := s.dlg.Respond(ctx, s.srvTx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "failed to reject INVITE", slog.Any("session", s), slog.Any("error", err))
	}
}

func (s *Session) rejectMinSE(ctx context.Context, d *dialog.Dialog, req *sip.Request, tx sip.ServerTransaction) {
	res := d.CreateResponse(req, sip.ResponseStatusSessionIntervalTooSmall, "")
	res.Headers.Set(sip.HeaderMinSE, formatSeconds(s.st.opts.minSE()))
	if tx == s.srvTx {
		s.disconnect(ctx, causeOf(res))
	}
	if err := d.Respond(ctx, tx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "failed to respond", slog.Any("session", s), slog.Any("error", err))
	}
}

func (s *Session) sendCancel(ctx context.Context) error {
	ep := s.dlg.Layer().Endpoint()
	tx, err := ep.TransactionLayer().NewClientTransaction(ctx, sip.NewCancel(s.invReq), nil, &sip.ClientTransactionOptions{
		GroupLock: s.grp,
		Log:       s.log,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	s.cancelSent = true
	return errtrace.Wrap(tx.Start(ctx))
}

func (s *Session) sendBye(ctx context.Context) {
	sendBye(ctx, s.dlg, s.log)
}

func sendBye(ctx context.Context, d *dialog.Dialog, logger *slog.Logger) {
	bye, err := d.CreateRequest(ctx, sip.RequestMethodBye)
	if err == nil {
		_, err = d.SendRequest(ctx, bye)
	}
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "failed to send BYE", slog.Any("dialog", d), slog.Any("error", err))
	}
}

// Reinvite sends a re-INVITE with the offer. A nil offer is taken from [Callbacks.OnCreateOffer]
// or is the active local SDP.
func (s *Session) Reinvite(ctx context.Context, offer []byte) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()
	return errtrace.Wrap(s.sendOffer(ctx, sip.RequestMethodInvite, offer, false))
}

// Update sends UPDATE with the offer, RFC 3311. A nil offer is taken like for [Session.Reinvite].
func (s *Session) Update(ctx context.Context, offer []byte) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()
	return errtrace.Wrap(s.sendOffer(ctx, sip.RequestMethodUpdate, offer, false))
}

// sendOffer sends a re-INVITE or UPDATE. A session refresh by UPDATE carries no offer.
func (s *Session) sendOffer(ctx context.Context, method sip.RequestMethod, offer []byte, refresh bool) error {
	switch st := s.State(); {
	case st == StateConfirmed:
	case method == sip.RequestMethodUpdate && (st == StateEarly || st == StateConnecting):
	default:
		return errtrace.Wrap(fmt.Errorf("%w: %s in %s state", sip.ErrInvalidState, method, st))
	}
	if s.reinvTx != nil || s.reinvSrv != nil || s.updTx != nil || s.neg.HasPendingOffer() {
		return errtrace.Wrap(ErrPendingTransaction)
	}

	if !refresh || method == sip.RequestMethodInvite {
		if offer == nil {
			offer = s.cbs.OnCreateOffer(ctx, s)
		}
		if offer == nil {
			offer = s.neg.ActiveLocal()
		}
	}
	if offer != nil {
		if err := s.neg.SetLocalOffer(offer); err != nil {
			return errtrace.Wrap(err)
		}
	}

	req, err := s.dlg.CreateRequest(ctx, method)
	if err != nil {
		s.neg.Rollback()
		return errtrace.Wrap(err)
	}
	setRequestBody(req, offer)
	s.st.addRequestHeaders(req)

	tx, err := s.dlg.SendRequest(ctx, req)
	if err == nil && tx.State() == sip.TransactionStateTerminated {
		err = tx.Err()
	}
	if err != nil {
		s.neg.Rollback()
		return errtrace.Wrap(err)
	}
	if method == sip.RequestMethodInvite {
		s.reinvReq, s.reinvTx = req, tx
	} else {
		s.updTx = tx
	}
	return nil
}

// SendAck sends the ACK passed to [Callbacks.OnSendAck]. Sending the ACK for the dialog creating INVITE
// confirms the session.
func (s *Session) SendAck(ctx context.Context, ack *sip.Request) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	var (
		key ackKey
		e   *ackEntry
	)
	for k, v := range s.acks {
		if v.ack == ack {
			key, e = k, v
			break
		}
	}
	if e == nil {
		return errtrace.Wrap(sip.NewInvalidArgumentError("unknown ACK"))
	}

	d := s.dialogByID(key.id)
	if err := d.SendAck(ctx, ack); err != nil {
		return errtrace.Wrap(err)
	}
	if e.sent {
		return nil
	}
	e.sent = true

	if s.State() == StateConnecting && s.invReq != nil && key.seq == s.invReq.Headers.CSeq.Seq {
		s.fire(ctx, evtConfirm) //nolint:errcheck
		if s.cancelPending {
			s.log.LogAttrs(ctx, slog.LevelDebug, "call answered after cancel, sending BYE", slog.Any("session", s))
			s.sendBye(ctx)
			s.disconnect(ctx, Cause{sip.ResponseStatusRequestTerminated, "Cancelled"})
		}
	}
	return nil
}

func (s *Session) dialogByID(id dialog.ID) *dialog.Dialog {
	for _, d := range s.dlgs {
		if d.ID() == id {
			return d
		}
	}
	return s.dlg
}

// storeAck caches the ACK, older ACKs of the same dialog are dropped.
func (s *Session) storeAck(d *dialog.Dialog, seq uint32, ack *sip.Request) {
	id := d.ID()
	for k := range s.acks {
		if k.id == id && k.seq < seq {
			delete(s.acks, k)
		}
	}
	s.acks[ackKey{id, seq}] = &ackEntry{ack: ack}
}

// ProcessRedirect applies the decision deferred with [RedirectPending].
func (s *Session) ProcessRedirect(ctx context.Context, decision RedirectDecision) error {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	if !s.redirectWait || s.State() == StateDisconnected {
		return errtrace.Wrap(ErrNoRedirect)
	}
	s.redirectWait = false
	if !s.applyRedirect(ctx, decision) {
		s.nextRedirect(ctx)
	}
	return nil
}

// Targets returns the redirect target set collected so far.
func (s *Session) Targets(ctx context.Context) []Target {
	_, unlock := s.lock(ctx)
	defer unlock()
	return s.targets.Targets()
}

func (s *Session) nextRedirect(ctx context.Context) {
	for {
		t, ok := s.targets.Next()
		if !ok {
			s.disconnect(ctx, causeOf(cmp.Or(s.redirectLast, s.redirectRes)))
			return
		}
		dec := s.cbs.OnRedirected(ctx, s, t.URI.Clone(), s.redirectRes)
		s.log.LogAttrs(ctx, slog.LevelDebug, "redirect target decision",
			slog.Any("session", s),
			slog.Any("target", t.URI),
			slog.String("decision", dec.String()),
		)
		if s.applyRedirect(ctx, dec) {
			return
		}
	}
}

// applyRedirect applies the decision for the current target and reports whether
// the traversal of the target set stops.
func (s *Session) applyRedirect(ctx context.Context, dec RedirectDecision) bool {
	t := s.targets.Current()
	switch dec {
	case RedirectAccept, RedirectAcceptReplace:
		s.targets.SetStatus(TargetTried)
		var remote *sip.NameAddr
		if dec == RedirectAcceptReplace {
			remote = &sip.NameAddr{URI: t.URI.Clone()}
		}
		s.resendInvite(ctx, t.URI, remote) //nolint:errcheck
		return true
	case RedirectReject:
		s.targets.SetStatus(TargetRejected)
		return false
	case RedirectPending:
		s.redirectWait = true
		return true
	default:
		s.disconnect(ctx, causeOf(cmp.Or(s.redirectLast, s.redirectRes)))
		return true
	}
}

// resendInvite sends a new dialog creating INVITE with the same offer, after a redirection or a 422.
func (s *Session) resendInvite(ctx context.Context, target *sip.URI, remote *sip.NameAddr) error {
	if err := s.dlg.Retarget(ctx, target, remote); err != nil {
		s.disconnect(ctx, causeFromError(err))
		return errtrace.Wrap(err)
	}

	req, err := s.dlg.CreateRequest(ctx, sip.RequestMethodInvite)
	if err != nil {
		s.disconnect(ctx, causeFromError(err))
		return errtrace.Wrap(err)
	}
	offer := s.invReq.Body
	s.neg.Rollback()
	if len(offer) > 0 {
		if err := s.neg.SetLocalOffer(offer); err != nil {
			s.disconnect(ctx, causeFromError(err))
			return errtrace.Wrap(err)
		}
	}
	setRequestBody(req, offer)
	req.Headers.Set(sip.HeaderAllow, allowedMethods)
	s.st.addRequestHeaders(req)

	s.fire(ctx, evtInvite) //nolint:errcheck
	return errtrace.Wrap(s.sendInvite(ctx, req))
}

// OnRxRequest handles in-dialog requests of the session: ACK, re-INVITE, UPDATE and BYE.
func (s *Session) OnRxRequest(ctx context.Context, d *dialog.Dialog, req *sip.Request) bool {
	method := util.UCase(req.Method)
	if d != s.dlg {
		// an early fork the session is not bound to
		if method == sip.RequestMethodBye {
			s.respond(ctx, d, req, sip.ResponseStatusOK, nil)
			s.detach(ctx, d)
			return true
		}
		return false
	}

	switch method {
	case sip.RequestMethodAck:
		s.recvAck(ctx, req)
	case sip.RequestMethodInvite:
		s.recvReinvite(ctx, req)
	case sip.RequestMethodUpdate:
		s.recvUpdate(ctx, req)
	case sip.RequestMethodBye:
		s.recvBye(ctx, req)
	default:
		return false
	}
	return true
}

func (s *Session) respond(ctx context.Context, d *dialog.Dialog, req *sip.Request, status sip.ResponseStatus, body []byte) {
	tx, ok := sip.MatchedTransaction(req).(sip.ServerTransaction)
	if !ok {
		return
	}
	res := d.CreateResponse(req, status, "")
	setResponseBody(res, body)
	if err := d.Respond(ctx, tx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "failed to respond",
			slog.Any("session", s),
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

func (s *Session) recvAck(ctx context.Context, ack *sip.Request) {
	seq := ack.Headers.CSeq.Seq
	var (
		tx      *sip.InviteServerTransaction
		initial bool
	)
	switch {
	case s.srvTx != nil && s.srvReq.Headers.CSeq.Seq == seq:
		tx, initial = s.srvTx, true
	case s.reinvSrv != nil && s.reinvSrvReq.Headers.CSeq.Seq == seq:
		tx = s.reinvSrv
	default:
		s.log.LogAttrs(ctx, slog.LevelDebug, "discarding ACK retransmission", slog.Any("session", s))
		return
	}
	if tx.State() != sip.TransactionStateCompleted {
		return
	}
	if err := tx.RecvAck(ctx, ack); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "ACK not accepted", slog.Any("session", s), slog.Any("error", err))
	}

	switch s.neg.State() {
	case NegotiatorLocalOffer:
		// the offer was sent in the 2xx, the ACK must carry the answer
		if len(ack.Body) == 0 {
			s.neg.Rollback()
			s.cbs.OnMediaUpdate(ctx, s, errtrace.Wrap(ErrNoAnswer))
			break
		}
		if err := s.neg.SetRemoteAnswer(ack.Body); err != nil {
			s.neg.Rollback()
			s.cbs.OnMediaUpdate(ctx, s, err)
			break
		}
		s.negotiate(ctx) //nolint:errcheck
	}

	if initial {
		s.srvTx = nil
		if s.State() == StateConnecting {
			s.fire(ctx, evtConfirm) //nolint:errcheck
		}
		return
	}
	s.reinvSrv, s.reinvSrvReq = nil, nil
}

func (s *Session) recvReinvite(ctx context.Context, req *sip.Request) {
	tx, ok := sip.MatchedTransaction(req).(*sip.InviteServerTransaction)
	if !ok {
		return
	}
	if s.State() != StateConfirmed || s.reinvTx != nil || s.reinvSrv != nil || s.updTx != nil ||
		s.neg.HasPendingOffer() {
		// glare, RFC 3261 14.2
		s.respond(ctx, s.dlg, req, sip.ResponseStatusRequestPending, nil)
		return
	}
	if err := s.st.checkRequest(req); err != nil {
		s.rejectMinSE(ctx, s.dlg, req, tx)
		return
	}

	s.reinvSrv, s.reinvSrvReq = tx, req
	if len(req.Body) > 0 {
		if err := s.neg.SetRemoteOffer(req.Body); err != nil {
			s.failReinvite(ctx, req, sip.ResponseStatusNotAcceptableHere, "")
			return
		}
	}
	if err := s.cbs.OnRxReinvite(ctx, s, req); err != nil {
		status, reason := sip.StatusFromError(err)
		s.failReinvite(ctx, req, status, reason)
		return
	}
	if offer := s.neg.PendingRemoteOffer(); offer != nil {
		s.cbs.OnRxOffer(ctx, s, offer)
	}

	body, err := s.answerBody(ctx)
	if err != nil {
		s.failReinvite(ctx, req, sip.ResponseStatusNotAcceptableHere, "")
		return
	}
	res := s.dlg.CreateResponse(req, sip.ResponseStatusOK, "")
	setResponseBody(res, body)
	s.st.answerRequest(req, res)
	if err := s.dlg.Respond(ctx, tx, res); err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "failed to answer re-INVITE", slog.Any("session", s), slog.Any("error", err))
		s.neg.Rollback()
		s.reinvSrv, s.reinvSrvReq = nil, nil
		return
	}
	if s.neg.State() == NegotiatorWaitNego {
		s.negotiate(ctx) //nolint:errcheck
	}
	s.st.start(ctx, s)
}

func (s *Session) failReinvite(ctx context.Context, req *sip.Request, status sip.ResponseStatus, reason string) {
	s.neg.Rollback()
	s.reinvSrv, s.reinvSrvReq = nil, nil
	tx, ok := sip.MatchedTransaction(req).(sip.ServerTransaction)
	if !ok {
		return
	}
	s.dlg.Respond(ctx, tx, s.dlg.CreateResponse(req, status, reason)) //nolint:errcheck
}

func (s *Session) recvUpdate(ctx context.Context, req *sip.Request) {
	tx, ok := sip.MatchedTransaction(req).(sip.ServerTransaction)
	if !ok {
		return
	}
	if err := s.st.checkRequest(req); err != nil {
		s.rejectMinSE(ctx, s.dlg, req, tx)
		return
	}

	var body []byte
	if len(req.Body) > 0 {
		if s.neg.HasPendingOffer() || s.neg.State() == NegotiatorWaitNego || s.updTx != nil {
			s.respond(ctx, s.dlg, req, sip.ResponseStatusRequestPending, nil)
			return
		}
		if err := s.neg.SetRemoteOffer(req.Body); err != nil {
			s.respond(ctx, s.dlg, req, sip.ResponseStatusNotAcceptableHere, nil)
			return
		}
		s.cbs.OnRxOffer(ctx, s, req.Body)
		var err error
		if body, err = s.answerBody(ctx); err != nil {
			s.neg.Rollback()
			s.respond(ctx, s.dlg, req, sip.ResponseStatusNotAcceptableHere, nil)
			return
		}
	}

	res := s.dlg.CreateResponse(req, sip.ResponseStatusOK, "")
	setResponseBody(res, body)
	s.st.answerRequest(req, res)
	if err := s.dlg.Respond(ctx, tx, res); err != nil {
		s.neg.Rollback()
		return
	}
	if s.neg.State() == NegotiatorWaitNego {
		s.negotiate(ctx) //nolint:errcheck
	}
	if s.State() == StateConfirmed {
		s.st.start(ctx, s)
	}
}

func (s *Session) recvBye(ctx context.Context, req *sip.Request) {
	s.respond(ctx, s.dlg, req, sip.ResponseStatusOK, nil)
	if s.canAnswer() {
		res := s.dlg.CreateResponse(s.srvReq, sip.ResponseStatusRequestTerminated, "")
		s.dlg.Respond(ctx, s.srvTx, res) //nolint:errcheck
	}
	s.disconnect(ctx, causeBye)
}

// cancel handles CANCEL of the pending dialog creating INVITE.
func (s *Session) cancel(ctx context.Context) {
	ctx, unlock := s.lock(ctx)
	defer unlock()

	if !s.canAnswer() {
		return
	}
	s.reject(ctx, sip.ResponseStatusRequestTerminated, "")
}

// OnRxResponse handles 2xx responses to INVITE without transaction:
// retransmissions are acknowledged again, forked 2xx after the session is answered are
// acknowledged and ended with BYE.
func (s *Session) OnRxResponse(ctx context.Context, d *dialog.Dialog, res *sip.Response) {
	if res.Method() != sip.RequestMethodInvite || !res.Status.IsSuccessful() {
		return
	}
	s.recv2xx(ctx, d, res)
}

// OnTsxState handles state changes of the session transactions.
func (s *Session) OnTsxState(ctx context.Context, d *dialog.Dialog, tx sip.Transaction, ev *sip.Event) {
	s.cbs.OnTsxStateChanged(ctx, s, tx, ev)

	switch {
	case s.invTx != nil && tx == s.invTx:
		s.onInviteTsx(ctx, d, tx, ev)
	case s.reinvTx != nil && tx == s.reinvTx:
		s.onOfferTsx(ctx, tx, ev)
	case s.updTx != nil && tx == s.updTx:
		s.onOfferTsx(ctx, tx, ev)
	case s.srvTx != nil && tx == sip.Transaction(s.srvTx):
		s.onServerInviteTsx(ctx, tx)
	case s.reinvSrv != nil && tx == sip.Transaction(s.reinvSrv):
		if tx.State() == sip.TransactionStateTerminated {
			// no ACK for the re-INVITE 2xx
			s.neg.Rollback()
			s.reinvSrv, s.reinvSrvReq = nil, nil
		}
	default:
		if res := ev.Src.RxResponse(); res != nil && d == s.dlg && breaksDialog(res.Status) {
			s.disconnect(ctx, causeOf(res))
		}
	}
}

func breaksDialog(status sip.ResponseStatus) bool {
	return status == sip.ResponseStatusCallTransactionNotExist || status == sip.ResponseStatusRequestTimeout
}

// OnDialogState disconnects the session when its dialog terminates.
func (s *Session) OnDialogState(ctx context.Context, d *dialog.Dialog, _ dialog.State) {
	if d.State() != dialog.StateTerminated {
		return
	}
	if d != s.dlg {
		s.detach(ctx, d)
		return
	}
	s.disconnect(ctx, causeDialogGone)
}

func (s *Session) onInviteTsx(ctx context.Context, d *dialog.Dialog, tx sip.Transaction, ev *sip.Event) {
	res := ev.Src.RxResponse()
	if res == nil {
		if tx.State() == sip.TransactionStateTerminated && tx.Err() != nil &&
			(s.State() == StateCalling || s.State() == StateEarly) {
			s.disconnect(ctx, causeFromError(tx.Err()))
		}
		return
	}

	switch {
	case res.Status == sip.ResponseStatusTrying:
	case res.Status.IsProvisional():
		s.recv1xx(ctx, d, res)
	case res.Status.IsSuccessful():
		s.recv2xx(ctx, d, res)
	case res.Status.IsRedirection():
		s.recv3xx(ctx, res)
	default:
		s.recvFailure(ctx, res)
	}
}

func (s *Session) recv1xx(ctx context.Context, d *dialog.Dialog, res *sip.Response) {
	s.attach(d)
	s.got1xx = true
	if s.State() == StateCalling {
		s.fire(ctx, evtEarly) //nolint:errcheck
	}
	if len(res.Body) > 0 && s.neg.State() == NegotiatorLocalOffer {
		// early media answer
		if err := s.neg.SetRemoteAnswer(res.Body); err == nil {
			s.negotiate(ctx) //nolint:errcheck
		}
	}
	if s.cancelPending && !s.cancelSent {
		if err := s.sendCancel(ctx); err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "failed to send CANCEL", slog.Any("session", s), slog.Any("error", err))
		}
	}
}

func (s *Session) recv2xx(ctx context.Context, d *dialog.Dialog, res *sip.Response) {
	key := ackKey{d.ID(), res.Headers.CSeq.Seq}
	if e, ok := s.acks[key]; ok {
		if e.sent {
			// retransmission of an acknowledged 2xx
			if err := d.SendAck(ctx, e.ack); err != nil {
				s.log.LogAttrs(ctx, slog.LevelWarn, "failed to resend ACK", slog.Any("session", s), slog.Any("error", err))
			}
			return
		}
		s.cbs.OnSendAck(ctx, s, e.ack)
		return
	}

	if s.reinvReq != nil && res.Headers.CSeq.Seq == s.reinvReq.Headers.CSeq.Seq {
		s.recvReinvite2xx(ctx, d, res)
		return
	}
	if s.invReq == nil || res.Headers.CSeq.Seq != s.invReq.Headers.CSeq.Seq {
		return
	}
	if s.State() != StateCalling && s.State() != StateEarly {
		if d != s.dlg {
			s.ackAndBye(ctx, d)
		}
		return
	}

	s.dlg = d
	s.bound.Store(d)
	s.attach(d)
	if len(res.Body) > 0 {
		switch s.neg.State() {
		case NegotiatorLocalOffer:
			if err := s.neg.SetRemoteAnswer(res.Body); err != nil {
				s.neg.Rollback()
				s.cbs.OnMediaUpdate(ctx, s, err)
			} else {
				s.negotiate(ctx) //nolint:errcheck
			}
		case NegotiatorNull, NegotiatorDone:
			// offer in 2xx to INVITE without offer
			if err := s.neg.SetRemoteOffer(res.Body); err == nil {
				s.cbs.OnRxOffer(ctx, s, res.Body)
			}
		}
	}
	s.st.applyResponse(res)
	s.fire(ctx, evtConnect) //nolint:errcheck

	ack, err := d.CreateAck(ctx, s.invReq)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "failed to create ACK", slog.Any("session", s), slog.Any("error", err))
		return
	}
	if s.neg.State() == NegotiatorRemoteOffer || s.neg.State() == NegotiatorWaitNego {
		if body, err := s.answerBody(ctx); err == nil {
			setRequestBody(ack, body)
			s.negotiate(ctx) //nolint:errcheck
		} else {
			s.neg.Rollback()
			s.cbs.OnMediaUpdate(ctx, s, err)
		}
	}
	s.storeAck(d, key.seq, ack)
	s.cbs.OnSendAck(ctx, s, ack)
}

func (s *Session) recvReinvite2xx(ctx context.Context, d *dialog.Dialog, res *sip.Response) {
	if len(res.Body) > 0 && s.neg.State() == NegotiatorLocalOffer {
		if err := s.neg.SetRemoteAnswer(res.Body); err != nil {
			s.neg.Rollback()
			s.cbs.OnMediaUpdate(ctx, s, err)
		} else {
			s.negotiate(ctx) //nolint:errcheck
		}
	}
	s.st.applyResponse(res)
	s.st.start(ctx, s)

	ack, err := d.CreateAck(ctx, s.reinvReq)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, "failed to create ACK", slog.Any("session", s), slog.Any("error", err))
		return
	}
	s.storeAck(d, res.Headers.CSeq.Seq, ack)
	s.cbs.OnSendAck(ctx, s, ack)
}

// ackAndBye ends a dialog created by a forked 2xx after the session was answered, RFC 3261 13.2.2.4.
func (s *Session) ackAndBye(ctx context.Context, d *dialog.Dialog) {
	s.log.LogAttrs(ctx, slog.LevelDebug, "ending forked dialog", slog.Any("session", s), slog.Any("dialog", d))

	if ack, err := d.CreateAck(ctx, s.invReq); err == nil {
		d.SendAck(ctx, ack) //nolint:errcheck
	}
	sendBye(ctx, d, s.log)
	s.detach(ctx, d)
}

func (s *Session) recv3xx(ctx context.Context, res *sip.Response) {
	if s.cancelPending {
		s.disconnect(ctx, causeOf(res))
		return
	}
	s.targets.SetResponse(res)
	s.redirectRes, s.redirectLast = res, res
	s.targets.Add(res.Headers.Contact)
	s.nextRedirect(ctx)
}

func (s *Session) recvFailure(ctx context.Context, res *sip.Response) {
	if res.Status == sip.ResponseStatusSessionIntervalTooSmall && !s.cancelPending &&
		s.retries422 < 2 && s.st.raiseMinSE(res) {
		s.retries422++
		s.resendInvite(ctx, nil, nil) //nolint:errcheck
		return
	}
	if s.targets.Current() != nil {
		// a redirection target failed, the rest of the target set is still tried
		s.targets.SetResponse(res)
		s.redirectLast = res
		if !s.cancelPending && s.targets.HasNext() {
			s.nextRedirect(ctx)
			return
		}
	}
	s.disconnect(ctx, causeOf(res))
}

func (s *Session) onOfferTsx(ctx context.Context, tx sip.Transaction, ev *sip.Event) {
	res := ev.Src.RxResponse()
	if res == nil {
		if tx.State() != sip.TransactionStateTerminated || tx.Err() == nil {
			return
		}
		s.clearOfferTsx(tx)
		s.neg.Rollback()
		s.cbs.OnMediaUpdate(ctx, s, tx.Err())
		// RFC 3261 14.1
		s.sendBye(ctx)
		s.disconnect(ctx, causeFromError(tx.Err()))
		return
	}

	switch {
	case res.Status.IsProvisional():
	case res.Status.IsSuccessful():
		if tx == s.updTx {
			s.updTx = nil
			if len(res.Body) > 0 && s.neg.State() == NegotiatorLocalOffer {
				if err := s.neg.SetRemoteAnswer(res.Body); err == nil {
					s.negotiate(ctx) //nolint:errcheck
				} else {
					s.neg.Rollback()
					s.cbs.OnMediaUpdate(ctx, s, err)
				}
			}
			s.st.applyResponse(res)
			if s.State() == StateConfirmed {
				s.st.start(ctx, s)
			}
		}
		// 2xx to re-INVITE terminates the transaction, it is handled with the ACK
		if tx == s.reinvTx {
			s.reinvTx = nil
			s.recv2xx(ctx, s.dlg, res)
			s.reinvReq = nil
		}
	default:
		s.clearOfferTsx(tx)
		s.neg.Rollback()
		s.cbs.OnMediaUpdate(ctx, s, &sip.StatusError{Status: res.Status, Reason: res.Reason})
		if breaksDialog(res.Status) {
			s.disconnect(ctx, causeOf(res))
		}
	}
}

func (s *Session) clearOfferTsx(tx sip.Transaction) {
	if tx == s.reinvTx {
		s.reinvTx, s.reinvReq = nil, nil
	}
	if tx == s.updTx {
		s.updTx = nil
	}
}

func (s *Session) onServerInviteTsx(ctx context.Context, tx sip.Transaction) {
	if tx.State() != sip.TransactionStateTerminated {
		return
	}
	s.srvTx = nil
	if tx.Err() == nil {
		return
	}
	switch s.State() {
	case StateConnecting:
		// no ACK for the 2xx, RFC 3261 13.3.1.4
		s.sendBye(ctx)
		s.disconnect(ctx, causeFromError(tx.Err()))
	case StateIncoming, StateEarly:
		s.disconnect(ctx, causeFromError(tx.Err()))
	}
}

// refreshSession is the session refresh timer callback.
func (s *Session) refreshSession(ctx context.Context) {
	if s.State() != StateConfirmed {
		return
	}
	method := sip.RequestMethodInvite
	if s.st.opts.useUpdate() {
		method = sip.RequestMethodUpdate
	}
	s.st.expireAfterRefresh(ctx, s)
	if err := s.sendOffer(ctx, method, nil, true); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "session refresh failed", slog.Any("session", s), slog.Any("error", err))
	}
}

// sessionExpired is the session expiration timer callback.
func (s *Session) sessionExpired(ctx context.Context) {
	if s.State() != StateConfirmed {
		return
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "session expired", slog.Any("session", s))
	s.sendBye(ctx)
	s.disconnect(ctx, causeTimerExpired)
}

func (s *Session) attach(d *dialog.Dialog) {
	if !slices.Contains(s.dlgs, d) {
		s.dlgs = append(s.dlgs, d)
	}
}

func (s *Session) detach(ctx context.Context, d *dialog.Dialog) {
	s.dlgs = slices.DeleteFunc(s.dlgs, func(v *dialog.Dialog) bool { return v == d })
	for k := range s.acks {
		if k.id == d.ID() {
			delete(s.acks, k)
		}
	}
	d.RemoveUsage(ctx, s)
}

func (s *Session) disconnect(ctx context.Context, c Cause) {
	if s.State() == StateDisconnected {
		return
	}
	s.cause.Store(&c)
	s.fire(ctx, evtDisconnect) //nolint:errcheck
}

func (s *Session) lock(ctx context.Context) (context.Context, func()) { return s.grp.Acquire(ctx) }

func (s *Session) fire(ctx context.Context, trig string) error {
	return errtrace.Wrap(s.fsm.FireCtx(ctx, trig))
}

func (s *Session) actNotify(ctx context.Context, _ ...any) error {
	prev := s.lastState
	s.lastState = s.State()

	s.log.LogAttrs(ctx, slog.LevelDebug, "session state changed",
		slog.Any("session", s),
		slog.String("prev_state", string(prev)),
	)
	s.cbs.OnStateChanged(ctx, s, prev)
	return nil
}

func (s *Session) actConfirmed(ctx context.Context, _ ...any) error {
	s.st.start(ctx, s)
	return nil
}

func (s *Session) actDisconnected(ctx context.Context, _ ...any) error {
	s.st.stop()
	s.redirectWait = false

	s.log.LogAttrs(ctx, slog.LevelDebug, "session disconnected",
		slog.Any("session", s),
		slog.String("cause", s.Cause().String()),
	)

	dlgs := s.dlgs
	s.dlgs = nil
	clear(s.acks)
	for _, d := range dlgs {
		d.RemoveUsage(ctx, s)
	}
	return nil
}

// LogValue implements [slog.LogValuer].
func (s *Session) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("role", s.role.String()),
		slog.String("state", string(s.State())),
	}
	if s.dlg != nil {
		attrs = append(attrs, slog.String("call_id", s.dlg.CallID()))
	}
	return slog.GroupValue(attrs...)
}

func setRequestBody(req *sip.Request, body []byte) {
	if len(body) == 0 {
		return
	}
	req.Body = body
	req.Headers.ContentType = contentTypeSDP
}

func setResponseBody(res *sip.Response, body []byte) {
	if len(body) == 0 {
		return
	}
	res.Body = body
	res.Headers.ContentType = contentTypeSDP
}
