package sip

import "context"

// Module priorities. Lower values are dispatched first.
const (
	PriorityMessageObserver  = 7
	PriorityTransportLayer   = 8
	PriorityTransactionLayer = 16
	PriorityUALayer          = 32
	PriorityDialogUsage      = 48
	PriorityApplication      = 64
)

// Module is a pluggable handler registered in the [Endpoint] dispatch chain.
//
// Inbound requests are offered to modules in priority order until one of them returns true.
// Inbound responses are offered to all modules.
// Pre-send hooks run for every module, any error vetoes the send.
// OnTsxState is called on the module registered as the transaction user of a transaction.
//
// Embed [ModuleBase] to get no-op defaults.
type Module interface {
	Name() string
	Priority() int

	// Load is called on registration, Unload on unregistration or endpoint close.
	Load(ctx context.Context, ep *Endpoint) error
	Unload(ctx context.Context) error
	// Start and Stop are called by [Endpoint.Start] in priority order and
	// [Endpoint.Stop] in reverse priority order.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	OnRxRequest(ctx context.Context, req *Request) bool
	OnRxResponse(ctx context.Context, res *Response)
	OnTxRequest(ctx context.Context, req *Request) error
	OnTxResponse(ctx context.Context, res *Response) error
	OnTsxState(ctx context.Context, tx Transaction, ev *Event)
}

// ModuleBase implements every [Module] method except Name and Priority as a no-op.
type ModuleBase struct{}

func (ModuleBase) Load(context.Context, *Endpoint) error { return nil }

func (ModuleBase) Unload(context.Context) error { return nil }

func (ModuleBase) Start(context.Context) error { return nil }

func (ModuleBase) Stop(context.Context) error { return nil }

// OnRxRequest does not claim the request.
func (ModuleBase) OnRxRequest(context.Context, *Request) bool { return false }

func (ModuleBase) OnRxResponse(context.Context, *Response) {}

func (ModuleBase) OnTxRequest(context.Context, *Request) error { return nil }

func (ModuleBase) OnTxResponse(context.Context, *Response) error { return nil }

func (ModuleBase) OnTsxState(context.Context, Transaction, *Event) {}
