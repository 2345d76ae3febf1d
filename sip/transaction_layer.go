package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/util"
)

// TransactionLayerModuleName is the name of the [TransactionLayer] module.
const TransactionLayerModuleName = "mod-tsx-layer"

// TransactionLayer is responsible for matching inbound messages to the corresponding transactions.
//
// It is registered by [NewEndpoint] at [PriorityTransactionLayer].
// Inbound messages that match an existing transaction are passed to the transaction and consumed.
// Non-matched inbound requests continue down the module chain,
// non-matched inbound responses are passed on as strays.
type TransactionLayer struct {
	ModuleBase

	ep  *Endpoint
	log *slog.Logger

	clnTxs *syncutil.ShardMap[ClientTransactionKey, ClientTransaction]
	srvTxs *syncutil.ShardMap[ServerTransactionKey, ServerTransaction]
	// merged indexes out-of-dialog requests for RFC 3261 8.2.2.2 merge detection.
	merged *syncutil.ShardMap[mergeKey, ServerTransactionKey]

	closed atomic.Bool
	stats  transactStats
}

type mergeKey struct {
	callID  string
	fromTag string
	cseq    uint32
	method  RequestMethod
}

func mergeKeyOf(req *Request) (mergeKey, bool) {
	if req.Headers.To.Tag() != "" || req.Headers.CSeq == nil {
		return mergeKey{}, false
	}
	return mergeKey{
		callID:  req.Headers.CallID,
		fromTag: req.Headers.From.Tag(),
		cseq:    req.Headers.CSeq.Seq,
		method:  util.UCase(req.Headers.CSeq.Method),
	}, true
}

func newTransactionLayer(ep *Endpoint) *TransactionLayer {
	return &TransactionLayer{
		ep:     ep,
		log:    ep.log,
		clnTxs: syncutil.NewShardMap[ClientTransactionKey, ClientTransaction](),
		srvTxs: syncutil.NewShardMap[ServerTransactionKey, ServerTransaction](),
		merged: syncutil.NewShardMap[mergeKey, ServerTransactionKey](),
	}
}

func (*TransactionLayer) Name() string { return TransactionLayerModuleName }

func (*TransactionLayer) Priority() int { return PriorityTransactionLayer }

// Unload terminates all transactions.
func (txl *TransactionLayer) Unload(ctx context.Context) error {
	txl.Close(ctx)
	return nil
}

// LogValue implements [slog.LogValuer].
func (txl *TransactionLayer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("client_transactions", txl.clnTxs.Size()),
		slog.Int("server_transactions", txl.srvTxs.Size()),
	)
}

// NewClientTransaction creates a client transaction for the request.
// The transaction is not started, call [ClientTransaction.Start] to send the request.
// The user is notified about every state change of the transaction, it can be nil.
func (txl *TransactionLayer) NewClientTransaction(
	ctx context.Context,
	req *Request,
	user Module,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if txl.closed.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	var (
		tx  ClientTransaction
		err error
	)
	if req.IsInvite() {
		tx, err = newInviteClientTransaction(txl, req, user, opts)
	} else {
		tx, err = newNonInviteClientTransaction(txl, req, user, opts)
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if !txl.clnTxs.SetIfAbsent(tx.Key(), tx) {
		return nil, errtrace.Wrap(ErrDuplicateKey)
	}
	txl.stats.created(tx.Type())

	txl.log.LogAttrs(ctx, slog.LevelDebug, "client transaction created", slog.Any("transaction", tx))
	return tx, nil
}

// NewServerTransaction creates a server transaction for the inbound request and moves it
// to the trying state. INVITE transactions send 100 Trying automatically unless disabled.
func (txl *TransactionLayer) NewServerTransaction(
	ctx context.Context,
	req *Request,
	user Module,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if txl.closed.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}

	var (
		tx    ServerTransaction
		start func(context.Context) error
		err   error
	)
	if req.IsInvite() {
		var itx *InviteServerTransaction
		if itx, err = newInviteServerTransaction(txl, req, user, opts); err == nil {
			tx, start = itx, itx.start
		}
	} else {
		var ntx *NonInviteServerTransaction
		if ntx, err = newNonInviteServerTransaction(txl, req, user, opts); err == nil {
			tx, start = ntx, ntx.start
		}
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if !txl.srvTxs.SetIfAbsent(tx.Key(), tx) {
		return nil, errtrace.Wrap(ErrDuplicateKey)
	}
	if mk, ok := mergeKeyOf(req); ok {
		txl.merged.SetIfAbsent(mk, tx.Key())
	}
	txl.stats.created(tx.Type())
	setMatchedTransaction(req, tx)

	txl.log.LogAttrs(ctx, slog.LevelDebug, "server transaction created", slog.Any("transaction", tx))

	if err := start(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// FindClientTransaction returns the client transaction with the given key.
func (txl *TransactionLayer) FindClientTransaction(key ClientTransactionKey) (ClientTransaction, bool) {
	return txl.clnTxs.Get(key)
}

// FindServerTransaction returns the server transaction with the given key.
func (txl *TransactionLayer) FindServerTransaction(key ServerTransactionKey) (ServerTransaction, bool) {
	return txl.srvTxs.Get(key)
}

// FindInviteServerTransaction returns the INVITE server transaction the CANCEL request refers to.
func (txl *TransactionLayer) FindInviteServerTransaction(cancel *Request) (*InviteServerTransaction, bool) {
	key, err := ServerTransactionKeyOf(cancel)
	if err != nil {
		return nil, false
	}
	key.Method = RequestMethodInvite
	if !key.IsRFC3261() {
		key.ToTag = ""
	}
	tx, ok := txl.srvTxs.Get(key)
	if !ok {
		return nil, false
	}
	itx, ok := tx.(*InviteServerTransaction)
	return itx, ok
}

// IsLooped reports whether the request was sent by this endpoint, i.e. one of its Via branches
// belongs to a local client transaction.
func (txl *TransactionLayer) IsLooped(req *Request) bool {
	if req.Headers.CSeq == nil {
		return false
	}
	method := util.UCase(req.Headers.CSeq.Method)
	for i := range req.Headers.Via {
		if txl.clnTxs.Has(ClientTransactionKey{req.Headers.Via[i].Branch(), method}) {
			return true
		}
	}
	return false
}

// IsMerged reports whether an out-of-dialog request with the same From tag, Call-ID and CSeq
// already created another server transaction, RFC 3261 8.2.2.2.
func (txl *TransactionLayer) IsMerged(req *Request) bool {
	mk, ok := mergeKeyOf(req)
	if !ok {
		return false
	}
	other, ok := txl.merged.Get(mk)
	if !ok {
		return false
	}
	key, err := ServerTransactionKeyOf(req)
	return err == nil && key != other
}

// Stats returns the transaction counters.
func (txl *TransactionLayer) Stats() TransactionStats { return txl.stats.snapshot() }

// OnRxRequest passes request retransmissions and ACKs to the matched server transaction.
func (txl *TransactionLayer) OnRxRequest(ctx context.Context, req *Request) bool {
	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		return false
	}
	tx, ok := txl.srvTxs.Get(key)
	if !ok {
		return false
	}

	setMatchedTransaction(req, tx)
	if err := tx.RecvRequest(ctx, req); err != nil {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "transaction rejected request",
			slog.Any("transaction", tx),
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}

	// an ACK for a 2xx reusing the INVITE branch still belongs to the dialog
	if req.IsAck() {
		if res := tx.LastResponse(); res != nil && res.Status.IsSuccessful() {
			return false
		}
	}
	return true
}

// OnRxResponse passes the response to the matched client transaction.
func (txl *TransactionLayer) OnRxResponse(ctx context.Context, res *Response) {
	if err := txl.Relay(ctx, res); err != nil {
		txl.log.LogAttrs(ctx, slog.LevelDebug, "stray response", slog.Any("response", res))
	}
}

// Relay passes the inbound message to the matched transaction.
// It returns [ErrNoMatch] when there is no matching transaction.
func (txl *TransactionLayer) Relay(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case *Response:
		key, err := ClientTransactionKeyOf(m)
		if err != nil {
			return errtrace.Wrap(err)
		}
		tx, ok := txl.clnTxs.Get(key)
		if !ok {
			return errtrace.Wrap(ErrNoMatch)
		}
		setMatchedTransaction(m, tx)
		return errtrace.Wrap(tx.RecvResponse(ctx, m))
	case *Request:
		key, err := ServerTransactionKeyOf(m)
		if err != nil {
			return errtrace.Wrap(err)
		}
		tx, ok := txl.srvTxs.Get(key)
		if !ok {
			return errtrace.Wrap(ErrNoMatch)
		}
		setMatchedTransaction(m, tx)
		return errtrace.Wrap(tx.RecvRequest(ctx, m))
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
	}
}

// Close terminates all transactions, new transactions can not be created after that.
func (txl *TransactionLayer) Close(ctx context.Context) {
	if !txl.closed.CompareAndSwap(false, true) {
		return
	}

	for _, tx := range txl.clnTxs.Items() {
		tx.Terminate(ctx, ResponseStatusServiceUnavailable) //nolint:errcheck
	}
	for _, tx := range txl.srvTxs.Items() {
		tx.Terminate(ctx, ResponseStatusServiceUnavailable) //nolint:errcheck
	}

	txl.log.LogAttrs(ctx, slog.LevelDebug, "transaction layer closed")
}

// remove deletes the transaction from the table.
// It reports whether the transaction was there.
func (txl *TransactionLayer) remove(tx Transaction) bool {
	var ok bool
	switch t := tx.(type) {
	case ClientTransaction:
		ok = txl.clnTxs.DelFunc(t.Key(), func(v ClientTransaction) bool { return v == t })
	case ServerTransaction:
		ok = txl.srvTxs.DelFunc(t.Key(), func(v ServerTransaction) bool { return v == t })
		if mk, has := mergeKeyOf(t.Request()); has {
			key := t.Key()
			txl.merged.DelFunc(mk, func(v ServerTransactionKey) bool { return v == key })
		}
	}
	if ok {
		txl.stats.terminated(tx.Type(), tx.Err())
	}
	return ok
}
