package sip

import (
	"context"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Key returns the key used to match requests.
	Key() ServerTransactionKey
	// RecvRequest is called by the transaction layer for each matched request retransmission or ACK.
	RecvRequest(ctx context.Context, req *Request) error
	// Respond sends the response. The response must be created from the transaction request,
	// see [Request.NewResponse].
	Respond(ctx context.Context, res *Response) error
}

// ServerTransactionOptions contains options for a server transaction.
type ServerTransactionOptions struct {
	// Timings is the SIP timing config of the transaction.
	// If zero, the endpoint timing config is used.
	Timings TimingConfig
	// GroupLock is the lock of the transaction owner.
	// If nil, the transaction gets a private lock.
	GroupLock *GroupLock
	// Log is the logger.
	// If nil, the endpoint logger is used.
	Log *slog.Logger
	// DisableAuto100 disables the automatic 100 Trying of INVITE transactions.
	DisableAuto100 bool
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *ServerTransactionOptions) grpLock() *GroupLock {
	if o == nil {
		return nil
	}
	return o.GroupLock
}

func (o *ServerTransactionOptions) log(def *slog.Logger) *slog.Logger {
	if o == nil || o.Log == nil {
		return def
	}
	return o.Log
}

func (o *ServerTransactionOptions) auto100() bool {
	return o == nil || !o.DisableAuto100
}

// ServerTransactionKey is a key used to identify a server transaction.
//
// The key implements the matching rules defined in RFC 3261 section 17.2.3.
// Branch, SentBy and Method are used for RFC 3261 transactions.
// Method, URI, FromTag, ToTag, CallID, CSeqNum and Via are used for RFC 2543 transactions.
// Keys are normalized on construction and can be compared with ==.
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	// RFC 3261 transactions.
	Branch string
	// Host and port of the topmost Via header field.
	// RFC 3261 transactions.
	SentBy string
	// Method of the request that created the transaction, ACK is mapped to INVITE.
	// RFC 3261/2543 transactions.
	Method RequestMethod

	// Request-URI of the request that created the transaction.
	// RFC 2543 transactions.
	URI string
	// Tag parameter of the From header field.
	// RFC 2543 transactions.
	FromTag string
	// Tag parameter of the To header field, always empty for INVITE.
	// RFC 2543 transactions.
	ToTag string
	// Call-ID of the request that created the transaction.
	// RFC 2543 transactions.
	CallID string
	// CSeqNum is the CSeq number of the request that created the transaction.
	// RFC 2543 transactions.
	CSeqNum uint32
	// Transport and sent-by of the topmost Via header field.
	// RFC 2543 transactions.
	Via string
}

// ServerTransactionKeyOf builds the key of the request.
func ServerTransactionKeyOf(req *Request) (ServerTransactionKey, error) {
	if req == nil {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}
	via := req.Headers.TopVia()
	if via == nil {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidMessageError("missing Via"))
	}
	if req.Headers.CSeq == nil {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidMessageError("missing CSeq"))
	}

	var k ServerTransactionKey
	k.Method = util.UCase(req.Headers.CSeq.Method)
	if k.Method == RequestMethodAck {
		k.Method = RequestMethodInvite
	}

	if branch := via.Branch(); IsRFC3261Branch(branch) {
		k.Branch = branch
		k.SentBy = via.SentBy()
		return k, nil
	}

	k.Via = util.UCase(via.Transport) + " " + via.SentBy()
	if req.URI != nil {
		k.URI = util.LCase(req.URI.String())
	}
	k.FromTag = req.Headers.From.Tag()
	if k.FromTag == "" {
		return ServerTransactionKey{}, errtrace.Wrap(NewInvalidMessageError("missing From tag"))
	}
	if k.Method != RequestMethodInvite {
		k.ToTag = req.Headers.To.Tag()
	}
	k.CallID = req.Headers.CallID
	k.CSeqNum = req.Headers.CSeq.Seq
	return k, nil
}

// IsRFC3261 reports whether the key was built from an RFC 3261 branch.
func (k ServerTransactionKey) IsRFC3261() bool { return IsRFC3261Branch(k.Branch) }

// IsValid checks whether the key is valid.
func (k ServerTransactionKey) IsValid() bool {
	if k.IsRFC3261() {
		return k.SentBy != "" && k.Method != ""
	}
	return k.Method != "" && k.URI != "" && k.FromTag != "" && k.CallID != "" && k.CSeqNum > 0 && k.Via != ""
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	if k.IsRFC3261() {
		return slog.GroupValue(
			slog.String("branch", k.Branch),
			slog.String("sent_by", k.SentBy),
			slog.String("method", string(k.Method)),
		)
	}
	return slog.GroupValue(
		slog.String("method", string(k.Method)),
		slog.String("uri", k.URI),
		slog.String("from_tag", k.FromTag),
		slog.String("to_tag", k.ToTag),
		slog.String("call_id", k.CallID),
		slog.Any("cseq_num", k.CSeqNum),
		slog.String("via", k.Via),
	)
}

func (k ServerTransactionKey) String() string {
	if k.IsRFC3261() {
		return k.Branch + " " + k.SentBy + " " + string(k.Method)
	}
	return k.CallID + " " + strconv.FormatUint(uint64(k.CSeqNum), 10) + " " + string(k.Method)
}

type serverTransact struct {
	*baseTransact
	key ServerTransactionKey
}

func newServerTransact(
	typ TransactionType,
	impl ServerTransaction,
	txl *TransactionLayer,
	req *Request,
	user Module,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if req.IsAck() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK does not create a server transaction"))
	}
	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	tx := &serverTransact{key: key}
	tx.baseTransact = newBaseTransact(typ, impl, txl, req, user, opts.timings(), opts.grpLock(), opts.log(txl.log))
	if req.Rx != nil && req.Rx.Transport != nil {
		tx.reliable.Store(req.Rx.Transport.Reliable())
	}
	return tx, nil
}

// Key returns the transaction key.
func (tx *serverTransact) Key() ServerTransactionKey { return tx.key }

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.String("type", string(tx.typ)),
		slog.String("state", string(tx.State())),
	)
}

// start moves a new transaction to the trying state.
func (tx *serverTransact) start(ctx context.Context) error {
	ctx, unlock := tx.lock(ctx)
	defer unlock()
	return errtrace.Wrap(tx.fire(ctx, txEvtStart, rxMsgEvent(tx.req)))
}

// RecvRequest handles a retransmission of the transaction request or an ACK.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *Request) error {
	key, err := ServerTransactionKeyOf(req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if key != tx.key {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}

	ctx, unlock := tx.lock(ctx)
	defer unlock()

	trig := txEvtRecvReq
	if req.IsAck() {
		trig = txEvtRecvAck
	}
	return errtrace.Wrap(tx.fire(ctx, trig, rxMsgEvent(req)))
}

// Respond sends the response through the transaction.
func (tx *serverTransact) Respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if res.Headers.CallID != tx.req.Headers.CallID ||
		res.Headers.CSeq.Seq != tx.req.Headers.CSeq.Seq ||
		!res.Headers.CSeq.Method.Equal(tx.req.Method) {
		return errtrace.Wrap(NewInvalidArgumentError("response does not belong to the transaction"))
	}
	if res.reqRx == nil {
		res.reqRx = tx.req.Rx
	}

	ctx, unlock := tx.lock(ctx)
	defer unlock()

	var trig string
	switch {
	case res.Status.IsProvisional():
		trig = txEvtSend1xx
	case res.Status.IsSuccessful():
		trig = txEvtSend2xx
	default:
		trig = txEvtSend300699
	}

	ev := txMsgEvent(res)
	if ok, _ := tx.fsm.CanFireCtx(ctx, trig, ev); !ok {
		return errtrace.Wrap(ErrInvalidState)
	}
	tx.lastRes.Store(res)
	return errtrace.Wrap(tx.fire(ctx, trig, ev))
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	if res, ok := eventArg(args).Msg.(*Response); ok {
		tx.send(ctx, res, true, nil)
	}
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	if res := tx.LastResponse(); res != nil {
		tx.send(ctx, res, false, nil)
	}
	return nil
}
