package sip

import (
	"context"

	"braces.dev/errtrace"
)

// InviteClientTransaction is the RFC 3261 17.1.1 INVITE client transaction.
//
// A 2xx response terminates the transaction immediately, the transaction user is responsible
// for the ACK and for 2xx retransmissions. For 300-699 responses the transaction builds and
// sends the ACK itself.
type InviteClientTransaction struct {
	*clientTransact

	tmrA, tmrB, tmrD txTimer
	ack              *Request
}

func newInviteClientTransaction(
	txl *TransactionLayer,
	req *Request,
	user Module,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if !req.IsInvite() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not an INVITE request"))
	}

	tx := &InviteClientTransaction{
		tmrA: txTimer{name: "A"},
		tmrB: txTimer{name: "B"},
		tmrD: txTimer{name: "D"},
	}
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, txl, req, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM()
	return tx, nil
}

func (tx *InviteClientTransaction) initFSM() {
	tx.baseTransact.initFSM()

	tx.fsm.Configure(TransactionStateNull).
		Permit(txEvtStart, TransactionStateCalling).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCalling).
		OnEntry(tx.actCalling).
		OnEntry(tx.actSendReq(tx.armTimerA)).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtRetransmit, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimeout, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateTerminated).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtWaitDone, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.startTimer(ctx, &tx.tmrB, tx.timings.TimeB(), tx.onTimeout)
	return nil
}

func (tx *InviteClientTransaction) armTimerA(ctx context.Context) {
	tx.retrIntv = tx.timings.TimeA()
	tx.startTimer(ctx, &tx.tmrA, tx.retrIntv, tx.onRetransmit)
}

func (tx *InviteClientTransaction) onRetransmit(ctx context.Context, ev *Event) {
	tx.fire(ctx, txEvtRetransmit, ev) //nolint:errcheck
}

func (tx *InviteClientTransaction) onTimeout(ctx context.Context, ev *Event) {
	ev.Err = errtrace.Wrap(ErrTransactionTimedOut)
	tx.fire(ctx, txEvtTimeout, ev) //nolint:errcheck
}

// actRetransmit resends the request, Timer A doubles on each expiration.
func (tx *InviteClientTransaction) actRetransmit(ctx context.Context, _ ...any) error {
	tx.send(ctx, tx.req, false, nil)
	tx.retrIntv *= 2
	tx.startTimer(ctx, &tx.tmrA, tx.retrIntv, tx.onRetransmit)
	return nil
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrA)
	tx.stopTimer(ctx, &tx.tmrB)
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmrA)
	tx.stopTimer(ctx, &tx.tmrB)

	tx.actSendAck(ctx, args...) //nolint:errcheck

	d := tx.timings.TimeD()
	if tx.Reliable() {
		d = 0
	}
	tx.startTimer(ctx, &tx.tmrD, d, func(ctx context.Context, ev *Event) {
		tx.fire(ctx, txEvtWaitDone, ev) //nolint:errcheck
	})
	return nil
}

// actSendAck sends the ACK for a 300-699 response, RFC 3261 17.1.1.3.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, _ ...any) error {
	if tx.ack == nil {
		tx.ack = tx.buildAck(tx.LastResponse())
		tx.send(ctx, tx.ack, true, nil)
		return nil
	}
	tx.send(ctx, tx.ack, false, nil)
	return nil
}

func (tx *InviteClientTransaction) buildAck(res *Response) *Request {
	ack := &Request{
		Method: RequestMethodAck,
		URI:    tx.req.URI.Clone(),
		Headers: Headers{
			Via:         []Via{tx.req.Headers.Via[0].clone()},
			From:        tx.req.Headers.From.Clone(),
			To:          res.Headers.To.Clone(),
			CallID:      tx.req.Headers.CallID,
			CSeq:        &CSeq{Seq: tx.req.Headers.CSeq.Seq, Method: RequestMethodAck},
			Route:       cloneNameAddrs(tx.req.Headers.Route),
			MaxForwards: 70,
		},
	}
	return ack
}

// Ack returns the ACK sent for a 300-699 response or nil.
func (tx *InviteClientTransaction) Ack() *Request {
	_, unlock := tx.lock(tx.ctx)
	defer unlock()
	return tx.ack
}

func (tx *InviteClientTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, &tx.tmrA)
	tx.stopTimer(ctx, &tx.tmrB)
	tx.stopTimer(ctx, &tx.tmrD)
}
