package sip

import (
	"context"
	"time"

	"braces.dev/errtrace"
)

// InviteServerTransaction is the RFC 3261 17.2.1 INVITE server transaction.
//
// Unlike the RFC, 2xx responses are retransmitted by the transaction as well:
// a final response of any class moves it to the completed state, Timer G retransmits the response
// until an ACK is received or Timer H fires. ACKs for 2xx responses carry a new branch and are not
// matched by the transaction layer, the transaction user passes them with [InviteServerTransaction.RecvAck].
type InviteServerTransaction struct {
	*serverTransact

	auto100                  bool
	tmr100, tmrG, tmrH, tmrI txTimer
	retrIntv                 time.Duration
}

func newInviteServerTransaction(
	txl *TransactionLayer,
	req *Request,
	user Module,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if !req.IsInvite() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not an INVITE request"))
	}

	tx := &InviteServerTransaction{
		auto100: opts.auto100(),
		tmr100:  txTimer{name: "100"},
		tmrG:    txTimer{name: "G"},
		tmrH:    txTimer{name: "H"},
		tmrI:    txTimer{name: "I"},
	}
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, txl, req, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM()
	return tx, nil
}

func (tx *InviteServerTransaction) initFSM() {
	tx.baseTransact.initFSM()

	tx.fsm.Configure(TransactionStateNull).
		Permit(txEvtStart, TransactionStateTrying).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTrying).
		OnEntry(tx.actTrying).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtRecvReq, tx.actTryingRetransmit).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		OnEntry(tx.actProceeding).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		OnEntry(tx.actCompleted).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtRetransmit, tx.actRetransmit).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimeout, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		OnEntry(tx.actNotify).
		Ignore(txEvtRecvAck).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRetransmit).
		Permit(txEvtWaitDone, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

// RecvAck passes the ACK of a 2xx response to the transaction.
func (tx *InviteServerTransaction) RecvAck(ctx context.Context, ack *Request) error {
	if !ack.IsAck() {
		return errtrace.Wrap(NewInvalidArgumentError("not an ACK request"))
	}

	ctx, unlock := tx.lock(ctx)
	defer unlock()
	return errtrace.Wrap(tx.fire(ctx, txEvtRecvAck, rxMsgEvent(ack)))
}

func (tx *InviteServerTransaction) actTrying(ctx context.Context, _ ...any) error {
	if !tx.auto100 {
		return nil
	}
	tx.startTimer(ctx, &tx.tmr100, tx.timings.Time100(), func(ctx context.Context, _ *Event) {
		tx.sendTrying(ctx)
	})
	return nil
}

// actTryingRetransmit answers an early retransmission with 100 Trying right away.
func (tx *InviteServerTransaction) actTryingRetransmit(ctx context.Context, _ ...any) error {
	if tx.auto100 {
		tx.stopTimer(ctx, &tx.tmr100)
		tx.sendTrying(ctx)
	}
	return nil
}

func (tx *InviteServerTransaction) sendTrying(ctx context.Context) {
	if tx.State() != TransactionStateTrying {
		return
	}
	res := tx.req.NewResponse(ResponseStatusTrying, "")
	tx.lastRes.Store(res)
	tx.fire(ctx, txEvtSend1xx, txMsgEvent(res)) //nolint:errcheck
}

func (tx *InviteServerTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmr100)
	return nil
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmr100)

	if !tx.Reliable() {
		tx.retrIntv = tx.timings.TimeG()
		tx.startTimer(ctx, &tx.tmrG, tx.retrIntv, tx.onRetransmit)
	}
	tx.startTimer(ctx, &tx.tmrH, tx.timings.TimeH(), func(ctx context.Context, ev *Event) {
		ev.Err = errtrace.Wrap(ErrTransactionTimedOut)
		tx.fire(ctx, txEvtTimeout, ev) //nolint:errcheck
	})
	return nil
}

func (tx *InviteServerTransaction) onRetransmit(ctx context.Context, ev *Event) {
	tx.fire(ctx, txEvtRetransmit, ev) //nolint:errcheck
}

// actRetransmit resends the final response, Timer G doubles up to T2.
func (tx *InviteServerTransaction) actRetransmit(ctx context.Context, args ...any) error {
	tx.actResendRes(ctx, args...) //nolint:errcheck
	tx.retrIntv = tx.timings.Backoff(tx.retrIntv)
	tx.startTimer(ctx, &tx.tmrG, tx.retrIntv, tx.onRetransmit)
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrG)
	tx.stopTimer(ctx, &tx.tmrH)

	d := tx.timings.TimeI()
	if tx.Reliable() {
		d = 0
	}
	tx.startTimer(ctx, &tx.tmrI, d, func(ctx context.Context, ev *Event) {
		tx.fire(ctx, txEvtWaitDone, ev) //nolint:errcheck
	})
	return nil
}

func (tx *InviteServerTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, &tx.tmr100)
	tx.stopTimer(ctx, &tx.tmrG)
	tx.stopTimer(ctx, &tx.tmrH)
	tx.stopTimer(ctx, &tx.tmrI)
}
