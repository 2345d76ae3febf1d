package sip

import (
	"context"

	"braces.dev/errtrace"
)

// NonInviteServerTransaction is the RFC 3261 17.2.2 non-INVITE server transaction.
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ txTimer
}

func newNonInviteServerTransaction(
	txl *TransactionLayer,
	req *Request,
	user Module,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if req.IsInvite() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unexpected INVITE request"))
	}

	tx := &NonInviteServerTransaction{tmrJ: txTimer{name: "J"}}
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, txl, req, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx
	tx.initFSM()
	return tx, nil
}

func (tx *NonInviteServerTransaction) initFSM() {
	tx.baseTransact.initFSM()

	tx.fsm.Configure(TransactionStateNull).
		Permit(txEvtStart, TransactionStateTrying).
		Permit(txEvtTerminate, TransactionStateTerminated)

	// retransmissions are discarded until the first response
	tx.fsm.Configure(TransactionStateTrying).
		OnEntry(tx.actNotify).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
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
		Permit(txEvtWaitDone, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	d := tx.timings.TimeJ()
	if tx.Reliable() {
		d = 0
	}
	tx.startTimer(ctx, &tx.tmrJ, d, func(ctx context.Context, ev *Event) {
		tx.fire(ctx, txEvtWaitDone, ev) //nolint:errcheck
	})
	return nil
}

func (tx *NonInviteServerTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, &tx.tmrJ)
}
