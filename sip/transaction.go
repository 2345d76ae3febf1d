package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/types"
)

// TransactionState is the state of a transaction.
type TransactionState string

const (
	TransactionStateNull       TransactionState = "null"
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
	TransactionStateDestroyed  TransactionState = "destroyed"
)

// TransactionType is the type of a transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// Transaction is a SIP transaction.
//
// Every state change is reported to the transaction user (see [Module.OnTsxState]) and to the
// handlers registered with OnStateChanged, with the transaction group lock held.
// A transaction is destroyed once it is terminated and its reference count drops to zero.
type Transaction interface {
	slog.LogValuer
	Type() TransactionType
	State() TransactionState
	// Request returns the request that created the transaction.
	Request() *Request
	// LastResponse returns the last response sent or received by the transaction.
	LastResponse() *Response
	// Reliable reports whether the transaction runs over a reliable transport.
	// For client transactions it is known after the first successful send.
	Reliable() bool
	// Err returns the termination cause: a timeout, a transport error or a [StatusError]
	// passed to Terminate. It is nil for normally completed transactions.
	Err() error
	// User returns the transaction user.
	User() Module
	Endpoint() *Endpoint
	// GroupLock returns the lock serializing the transaction.
	GroupLock() *GroupLock
	// AttachGroupLock moves the transaction under the lock of its new owner.
	// It must not be called from a context that holds a lock acquired by the transaction user.
	AttachGroupLock(ctx context.Context, g *GroupLock)
	AddRef()
	DecRef(ctx context.Context)
	// Terminate terminates the transaction immediately with the given status as the cause.
	Terminate(ctx context.Context, status ResponseStatus) error
	OnStateChanged(fn TransactionStateHandler) (remove func())
	// Value and SetValue hold transaction user data.
	Value(key any) any
	SetValue(key, val any)
}

// TransactionStateHandler is called with the transaction group lock held.
type TransactionStateHandler = func(ctx context.Context, tx Transaction, ev *Event)

type txCtxKey struct{}

// TransactionFromContext returns the transaction a timer or send callback context belongs to.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(Transaction)
	return tx, ok
}

// FSM triggers shared by all transaction types.
const (
	txEvtStart      = "start"
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_request"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtRetransmit = "retransmit"
	txEvtTimeout    = "timeout"
	txEvtWaitDone   = "wait_done"
	txEvtTranspErr  = "transport_error"
	txEvtTerminate  = "terminate"
	txEvtDestroy    = "destroy"
)

var allTxEvts = []string{
	txEvtStart, txEvtRecv1xx, txEvtRecv2xx, txEvtRecv300699, txEvtRecvReq, txEvtRecvAck,
	txEvtSend1xx, txEvtSend2xx, txEvtSend300699, txEvtRetransmit, txEvtTimeout, txEvtWaitDone,
	txEvtTranspErr, txEvtTerminate, txEvtDestroy,
}

type txErr struct{ err error }

type txTimer struct {
	name string
	tmr  atomic.Pointer[timeutil.Timer]
}

type baseTransact struct {
	impl    Transaction
	typ     TransactionType
	ep      *Endpoint
	txl     *TransactionLayer
	user    Module
	timings TimingConfig
	log     *slog.Logger
	ctx     context.Context
	req     *Request

	grp       atomic.Pointer[GroupLock]
	fsm       *stateless.StateMachine
	state     atomic.Value
	lastState TransactionState
	refs      atomic.Int32
	lastRes   atomic.Pointer[Response]
	reliable  atomic.Bool
	err       atomic.Pointer[txErr]

	// tp and dst are the transport and destination of the first successful send,
	// retransmissions reuse them. Guarded by the group lock.
	tp  Transport
	dst netip.AddrPort

	onState types.CallbackManager[TransactionStateHandler]
	values  sync.Map
}

func newBaseTransact(
	typ TransactionType,
	impl Transaction,
	txl *TransactionLayer,
	req *Request,
	user Module,
	timings TimingConfig,
	grp *GroupLock,
	logger *slog.Logger,
) *baseTransact {
	if timings.IsZero() {
		timings = txl.ep.timings
	}
	if grp == nil {
		grp = NewGroupLock(string(typ))
	}
	tx := &baseTransact{
		impl:      impl,
		typ:       typ,
		ep:        txl.ep,
		txl:       txl,
		user:      user,
		timings:   timings,
		log:       logger,
		req:       req,
		lastState: TransactionStateNull,
	}
	tx.ctx = context.WithValue(context.Background(), txCtxKey{}, impl)
	tx.state.Store(TransactionStateNull)
	tx.grp.Store(grp)
	tx.refs.Store(1)
	return tx
}

func (tx *baseTransact) initFSM() {
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return tx.State(), nil },
		func(_ context.Context, s stateless.State) error {
			tx.state.Store(s.(TransactionState)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringQueued,
	)

	evType := reflect.TypeOf((*Event)(nil))
	for _, trig := range allTxEvts {
		tx.fsm.SetTriggerParameters(trig, evType)
	}

	tx.fsm.OnUnhandledTrigger(func(ctx context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "ignoring transaction trigger",
			slog.Any("transaction", tx.impl),
			slog.Any("trigger", trigger),
		)
		return errtrace.Wrap(fmt.Errorf("%w: %v in state %v", ErrInvalidState, trigger, state))
	})

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntry(tx.actNotify).
		Permit(txEvtDestroy, TransactionStateDestroyed)

	tx.fsm.Configure(TransactionStateDestroyed).
		OnEntry(tx.actNotify)
}

func (tx *baseTransact) Type() TransactionType { return tx.typ }

func (tx *baseTransact) State() TransactionState {
	if tx == nil {
		return ""
	}
	return tx.state.Load().(TransactionState) //nolint:forcetypeassert
}

func (tx *baseTransact) Request() *Request { return tx.req }

func (tx *baseTransact) LastResponse() *Response { return tx.lastRes.Load() }

func (tx *baseTransact) Reliable() bool { return tx.reliable.Load() }

func (tx *baseTransact) Err() error {
	if e := tx.err.Load(); e != nil {
		return e.err
	}
	return nil
}

func (tx *baseTransact) setErr(err error) {
	tx.err.CompareAndSwap(nil, &txErr{err})
}

func (tx *baseTransact) User() Module { return tx.user }

func (tx *baseTransact) Endpoint() *Endpoint { return tx.ep }

func (tx *baseTransact) GroupLock() *GroupLock { return tx.grp.Load() }

func (tx *baseTransact) AttachGroupLock(ctx context.Context, g *GroupLock) {
	if g == nil {
		return
	}
	_, unlock := tx.lock(ctx)
	tx.grp.Store(g)
	unlock()
}

func (tx *baseTransact) Value(key any) any {
	v, _ := tx.values.Load(key)
	return v
}

func (tx *baseTransact) SetValue(key, val any) {
	if val == nil {
		tx.values.Delete(key)
		return
	}
	tx.values.Store(key, val)
}

// OnStateChanged registers a state change handler.
// The handler can be removed by calling the returned function.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (remove func()) {
	return tx.onState.Add(fn)
}

// lock acquires the current group lock of the transaction.
// It retries when the lock was replaced by [Transaction.AttachGroupLock] in the meantime.
func (tx *baseTransact) lock(ctx context.Context) (context.Context, func()) {
	for {
		g := tx.grp.Load()
		lctx, unlock := g.Acquire(ctx)
		if tx.grp.Load() == g {
			return lctx, unlock
		}
		unlock()
	}
}

func (tx *baseTransact) AddRef() { tx.refs.Add(1) }

// DecRef releases a reference. The last release destroys a terminated transaction
// once the group lock is released.
func (tx *baseTransact) DecRef(ctx context.Context) {
	n := tx.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		tx.log.LogAttrs(ctx, slog.LevelError, "transaction reference count underflow", slog.Any("transaction", tx.impl))
		return
	}
	tx.grp.Load().AfterUnlock(ctx, tx.destroy)
}

func (tx *baseTransact) destroy() {
	ctx, unlock := tx.lock(tx.ctx)
	defer unlock()

	if tx.State() != TransactionStateTerminated {
		return
	}
	tx.fire(ctx, txEvtDestroy, userEvent(nil)) //nolint:errcheck
}

// Terminate terminates the transaction with the status as the cause.
func (tx *baseTransact) Terminate(ctx context.Context, status ResponseStatus) error {
	ctx, unlock := tx.lock(ctx)
	defer unlock()

	switch tx.State() {
	case TransactionStateTerminated, TransactionStateDestroyed:
		return errtrace.Wrap(ErrTransactionTerminated)
	}
	tx.setErr(&StatusError{Status: status})
	return errtrace.Wrap(tx.fire(ctx, txEvtTerminate, userEvent(status)))
}

// fire fires the trigger, the group lock must be held.
func (tx *baseTransact) fire(ctx context.Context, trig string, ev *Event) error {
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, trig, ev))
}

func (tx *baseTransact) fireLocked(ctx context.Context, trig string, ev *Event) error {
	ctx, unlock := tx.lock(ctx)
	defer unlock()
	return errtrace.Wrap(tx.fire(ctx, trig, ev))
}

func eventArg(args []any) *Event {
	if len(args) > 0 {
		if ev, ok := args[0].(*Event); ok && ev != nil {
			return ev
		}
	}
	return &Event{}
}

// actNotify reports the state entered to the transaction user.
// It is registered as the last entry action of every state.
func (tx *baseTransact) actNotify(ctx context.Context, args ...any) error {
	prev := tx.lastState
	tx.lastState = tx.State()
	tx.notify(ctx, prev, eventArg(args))
	return nil
}

func (tx *baseTransact) notify(ctx context.Context, prev TransactionState, src *Event) {
	ev := &Event{
		Type:      EventTsxState,
		Tsx:       tx.impl,
		PrevState: prev,
		Src:       src,
		Err:       tx.Err(),
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.Any("event", ev),
	)

	if tx.user != nil {
		tx.user.OnTsxState(ctx, tx.impl, ev)
	}
	for fn := range tx.onState.All() {
		fn(ctx, tx.impl, ev)
	}
}

// stopTimers is implemented by the concrete transaction types.
type timerStopper interface {
	stopTimers(ctx context.Context)
}

func (tx *baseTransact) actTerminated(ctx context.Context, args ...any) error {
	if ts, ok := tx.impl.(timerStopper); ok {
		ts.stopTimers(ctx)
	}
	if ev := eventArg(args); ev.Err != nil {
		tx.setErr(ev.Err)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated",
		slog.Any("transaction", tx.impl),
		slog.Any("error", tx.Err()),
	)

	if tx.txl.remove(tx.impl) {
		// release the reference held by the transaction table
		tx.DecRef(ctx)
	}
	return nil
}

// startTimer arms the timer slot, the group lock must be held.
// The running timer holds a reference to the transaction.
func (tx *baseTransact) startTimer(ctx context.Context, t *txTimer, d time.Duration, fn func(ctx context.Context, ev *Event)) {
	tx.stopTimer(ctx, t)

	tx.AddRef()
	var tmr *timeutil.Timer
	tmr = timeutil.AfterFunc(d, func() {
		ctx := tx.ctx
		defer tx.DecRef(ctx)

		ctx, unlock := tx.lock(ctx)
		defer unlock()

		if !t.tmr.CompareAndSwap(tmr, nil) {
			return
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer expired",
			slog.Any("transaction", tx.impl),
			slog.String("timer", t.name),
		)
		fn(ctx, timerEvent(t.name))
	})
	t.tmr.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "timer started",
		slog.Any("transaction", tx.impl),
		slog.String("timer", t.name),
		slog.Duration("duration", d),
	)
}

// stopTimer cancels the timer slot, the group lock must be held.
func (tx *baseTransact) stopTimer(ctx context.Context, t *txTimer) {
	if tmr := t.tmr.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer stopped",
			slog.Any("transaction", tx.impl),
			slog.String("timer", t.name),
		)
		tx.DecRef(ctx)
	}
}

// running reports whether the timer slot is armed.
func (t *txTimer) running() bool { return t.tmr.Load() != nil }

// send hands the message to the endpoint, the group lock must be held.
// The first send of a message runs the module hooks, retransmissions skip them.
// Once a send succeeded, all later sends reuse its transport and destination.
// Send failures are reported to the FSM as transport errors.
func (tx *baseTransact) send(ctx context.Context, msg Message, first bool, onSent func(ctx context.Context, res SendResult)) SendStatus {
	tx.AddRef()
	cb := func(cbCtx context.Context, res SendResult) {
		defer tx.DecRef(cbCtx)

		cbCtx, unlock := tx.lock(cbCtx)
		defer unlock()

		if res.Err != nil {
			tx.log.LogAttrs(cbCtx, slog.LevelDebug, "transaction send failed",
				slog.Any("transaction", tx.impl),
				slog.Any("message", msg),
				slog.Any("error", res.Err),
			)
			tx.fire(cbCtx, txEvtTranspErr, &Event{Type: EventTransportError, Msg: msg, Err: res.Err}) //nolint:errcheck
			return
		}
		if tx.tp == nil {
			tx.tp, tx.dst = res.Transport, res.Dest
			tx.reliable.Store(res.Transport.Reliable())
		}
		if onSent != nil {
			onSent(cbCtx, res)
		}
	}

	if tx.tp != nil {
		if first {
			return tx.ep.sendTo(ctx, msg, tx.tp, tx.dst, cb)
		}
		return tx.ep.retransmit(ctx, msg, tx.tp, tx.dst, cb)
	}
	switch m := msg.(type) {
	case *Request:
		return tx.ep.SendRequest(ctx, m, cb)
	case *Response:
		return tx.ep.SendResponse(ctx, m, cb)
	default:
		cb(ctx, SendResult{Err: errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))})
		return SendFailed
	}
}
