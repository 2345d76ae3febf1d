package dialog

import (
	"context"

	"github.com/ghettovoice/sipcore/sip"
)

// Usage is a module attached to a dialog, e.g. an INVITE session or a subscription.
//
// All methods are called with the dialog group lock held.
// Inbound requests are offered to usages in priority order until one of them claims the request,
// responses and state changes are passed to every usage.
//
// Embed [UsageBase] to get no-op defaults.
type Usage interface {
	Name() string
	Priority() int

	// OnRxRequest is called for each new in-dialog request. The server transaction of the request
	// is available through [sip.MatchedTransaction], ACK has no transaction.
	OnRxRequest(ctx context.Context, d *Dialog, req *sip.Request) bool
	// OnRxResponse is called for responses that have no matching client transaction,
	// i.e. 2xx retransmissions and forked 2xx responses to the initial INVITE.
	OnRxResponse(ctx context.Context, d *Dialog, res *sip.Response)
	// OnTsxState is called on state changes of the dialog transactions.
	OnTsxState(ctx context.Context, d *Dialog, tx sip.Transaction, ev *sip.Event)
	// OnDialogState is called when the dialog state changes.
	OnDialogState(ctx context.Context, d *Dialog, prev State)
}

// UsageBase implements [Usage] callbacks as no-ops.
type UsageBase struct{}

// OnRxRequest does not claim the request.
func (UsageBase) OnRxRequest(context.Context, *Dialog, *sip.Request) bool { return false }

func (UsageBase) OnRxResponse(context.Context, *Dialog, *sip.Response) {}

func (UsageBase) OnTsxState(context.Context, *Dialog, sip.Transaction, *sip.Event) {}

func (UsageBase) OnDialogState(context.Context, *Dialog, State) {}
