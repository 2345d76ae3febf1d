package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Key returns the key used to match responses.
	Key() ClientTransactionKey
	// Start sends the request and arms the transaction timers.
	Start(ctx context.Context) error
	// RecvResponse is called by the transaction layer for each matched inbound response.
	RecvResponse(ctx context.Context, res *Response) error
}

// ClientTransactionOptions contains options for a client transaction.
type ClientTransactionOptions struct {
	// Timings is the SIP timing config of the transaction.
	// If zero, the endpoint timing config is used.
	Timings TimingConfig
	// GroupLock is the lock of the transaction owner, e.g. a dialog.
	// If nil, the transaction gets a private lock.
	GroupLock *GroupLock
	// Log is the logger.
	// If nil, the endpoint logger is used.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *ClientTransactionOptions) grpLock() *GroupLock {
	if o == nil {
		return nil
	}
	return o.GroupLock
}

func (o *ClientTransactionOptions) log(def *slog.Logger) *slog.Logger {
	if o == nil || o.Log == nil {
		return def
	}
	return o.Log
}

// ClientTransactionKey is the key of a client transaction, RFC 3261 17.1.3.
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string
	// Method of the CSeq header field.
	Method RequestMethod
}

// ClientTransactionKeyOf builds the key from a request or a response.
func ClientTransactionKeyOf(msg Message) (ClientTransactionKey, error) {
	if msg == nil {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	hdrs := msg.MessageHeaders()
	via := hdrs.TopVia()
	if via == nil || via.Branch() == "" {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidMessageError("missing Via branch"))
	}
	if hdrs.CSeq == nil {
		return ClientTransactionKey{}, errtrace.Wrap(NewInvalidMessageError("missing CSeq"))
	}
	return ClientTransactionKey{Branch: via.Branch(), Method: util.UCase(hdrs.CSeq.Method)}, nil
}

func (k ClientTransactionKey) IsValid() bool { return k.Branch != "" && k.Method != "" }

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("branch", k.Branch),
		slog.String("method", string(k.Method)),
	)
}

func (k ClientTransactionKey) String() string { return k.Branch + " " + string(k.Method) }

type clientTransact struct {
	*baseTransact
	key ClientTransactionKey

	// retrIntv is the current retransmission interval. Guarded by the group lock.
	retrIntv time.Duration
}

func newClientTransact(
	typ TransactionType,
	impl ClientTransaction,
	txl *TransactionLayer,
	req *Request,
	user Module,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	key, err := ClientTransactionKeyOf(req)
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !IsRFC3261Branch(key.Branch) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("client transaction requires an RFC 3261 branch"))
	}

	tx := &clientTransact{key: key}
	tx.baseTransact = newBaseTransact(typ, impl, txl, req, user, opts.timings(), opts.grpLock(), opts.log(txl.log))
	return tx, nil
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey { return tx.key }

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.State())),
	)
}

// Start sends the request. It can be called only once.
func (tx *clientTransact) Start(ctx context.Context) error {
	ctx, unlock := tx.lock(ctx)
	defer unlock()

	if tx.State() != TransactionStateNull {
		return errtrace.Wrap(ErrInvalidState)
	}
	return errtrace.Wrap(tx.fire(ctx, txEvtStart, userEvent(nil)))
}

// RecvResponse is called on each inbound response matched to the transaction.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *Response) error {
	key, err := ClientTransactionKeyOf(res)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}

	ctx, unlock := tx.lock(ctx)
	defer unlock()

	var trig string
	switch {
	case res.Status.IsProvisional():
		trig = txEvtRecv1xx
	case res.Status.IsSuccessful():
		trig = txEvtRecv2xx
	default:
		trig = txEvtRecv300699
	}

	ev := rxMsgEvent(res)
	if ok, _ := tx.fsm.CanFireCtx(ctx, trig, ev); !ok {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "discarding response",
			slog.Any("transaction", tx.impl),
			slog.Any("response", res),
		)
		return nil
	}
	tx.lastRes.Store(res)
	return errtrace.Wrap(tx.fire(ctx, trig, ev))
}

// actSendReq sends the request for the first time and calls armRetr once the transport is known.
func (tx *clientTransact) actSendReq(armRetr func(ctx context.Context)) func(ctx context.Context, args ...any) error {
	return func(ctx context.Context, _ ...any) error {
		tx.send(ctx, tx.req, true, func(ctx context.Context, _ SendResult) {
			if tx.State() == TransactionStateCalling && !tx.Reliable() {
				armRetr(ctx)
			}
		})
		return nil
	}
}

// actPassRes notifies the transaction user about a response that does not change the state.
func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	tx.notify(ctx, tx.State(), eventArg(args))
	return nil
}
