package sip

import (
	"context"

	"braces.dev/errtrace"
)

// NonInviteClientTransaction is the RFC 3261 17.1.2 non-INVITE client transaction.
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE, tmrF, tmrK txTimer
}

func newNonInviteClientTransaction(
	txl *TransactionLayer,
	req *Request,
	user Module,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req.IsInvite() || req.IsAck() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unexpected %s request", req.Method))
	}

	tx := &NonInviteClientTransaction{
		tmrE: txTimer{name: "E"},
		tmrF: txTimer{name: "F"},
		tmrK: txTimer{name: "K"},
	}
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, txl, req, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx
	tx.initFSM()
	return tx, nil
}

func (tx *NonInviteClientTransaction) initFSM() {
	tx.baseTransact.initFSM()

	tx.fsm.Configure(TransactionStateNull).
		Permit(txEvtStart, TransactionStateCalling).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCalling).
		OnEntry(tx.actCalling).
		OnEntry(tx.actSendReq(tx.armTimerE)).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtRetransmit, tx.actRetransmit).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimeout, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actNotify).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRetransmit, tx.actRetransmit).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimeout, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntry(tx.actNotify).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtRetransmit).
		Permit(txEvtWaitDone, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)
}

func (tx *NonInviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.startTimer(ctx, &tx.tmrF, tx.timings.TimeF(), func(ctx context.Context, ev *Event) {
		ev.Err = errtrace.Wrap(ErrTransactionTimedOut)
		tx.fire(ctx, txEvtTimeout, ev) //nolint:errcheck
	})
	return nil
}

func (tx *NonInviteClientTransaction) armTimerE(ctx context.Context) {
	tx.retrIntv = tx.timings.TimeE()
	tx.startTimer(ctx, &tx.tmrE, tx.retrIntv, tx.onRetransmit)
}

func (tx *NonInviteClientTransaction) onRetransmit(ctx context.Context, ev *Event) {
	tx.fire(ctx, txEvtRetransmit, ev) //nolint:errcheck
}

// actRetransmit resends the request. Timer E doubles up to T2 while calling
// and is T2 while proceeding, RFC 3261 17.1.2.2.
func (tx *NonInviteClientTransaction) actRetransmit(ctx context.Context, _ ...any) error {
	tx.send(ctx, tx.req, false, nil)
	if tx.State() == TransactionStateProceeding {
		tx.retrIntv = tx.timings.T2()
	} else {
		tx.retrIntv = tx.timings.Backoff(tx.retrIntv)
	}
	tx.startTimer(ctx, &tx.tmrE, tx.retrIntv, tx.onRetransmit)
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.stopTimer(ctx, &tx.tmrE)
	tx.stopTimer(ctx, &tx.tmrF)

	d := tx.timings.TimeK()
	if tx.Reliable() {
		d = 0
	}
	tx.startTimer(ctx, &tx.tmrK, d, func(ctx context.Context, ev *Event) {
		tx.fire(ctx, txEvtWaitDone, ev) //nolint:errcheck
	})
	return nil
}

func (tx *NonInviteClientTransaction) stopTimers(ctx context.Context) {
	tx.stopTimer(ctx, &tx.tmrE)
	tx.stopTimer(ctx, &tx.tmrF)
	tx.stopTimer(ctx, &tx.tmrK)
}
