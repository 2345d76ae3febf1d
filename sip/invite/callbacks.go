package invite

import (
	"context"

	"github.com/ghettovoice/sipcore/sip"
)

// Callbacks receives session notifications. All methods are called with the dialog group lock held,
// session methods called from them with the same context do not block.
//
// Embed [NopCallbacks] to get the default behavior for the methods that are not interesting.
type Callbacks interface {
	// OnStateChanged is called after every session state change.
	OnStateChanged(ctx context.Context, s *Session, prev State)
	// OnRxOffer is called for an SDP offer received in INVITE, a response or UPDATE.
	// The answer is set with [Session.SetAnswer].
	OnRxOffer(ctx context.Context, s *Session, offer []byte)
	// OnCreateOffer returns the offer for a re-INVITE or a refresh.
	// A nil offer makes the session resend the active local SDP.
	OnCreateOffer(ctx context.Context, s *Session) []byte
	// OnRxReinvite is called for an inbound re-INVITE before it is answered.
	// A nil error lets the session answer with 200, an error rejects the re-INVITE
	// with the status of [sip.StatusFromError].
	OnRxReinvite(ctx context.Context, s *Session, req *sip.Request) error
	// OnMediaUpdate reports the result of an SDP negotiation.
	OnMediaUpdate(ctx context.Context, s *Session, err error)
	// OnSendAck is called when the ACK for a 2xx response is ready. The ACK is sent with [Session.SendAck].
	// It is called again for a 2xx retransmission only if the ACK has not been sent yet.
	OnSendAck(ctx context.Context, s *Session, ack *sip.Request)
	// OnRedirected is called for each target of a 3xx response.
	OnRedirected(ctx context.Context, s *Session, target *sip.URI, res *sip.Response) RedirectDecision
	// OnTsxStateChanged is called on state changes of the session transactions.
	OnTsxStateChanged(ctx context.Context, s *Session, tx sip.Transaction, ev *sip.Event)
}

// NopCallbacks implements [Callbacks] with the default behavior.
type NopCallbacks struct{}

func (NopCallbacks) OnStateChanged(context.Context, *Session, State) {}

// OnRxOffer answers with the active local SDP.
func (NopCallbacks) OnRxOffer(ctx context.Context, s *Session, _ []byte) {
	if local := s.neg.ActiveLocal(); local != nil {
		s.SetAnswer(ctx, local) //nolint:errcheck
	}
}

// OnCreateOffer returns nil, so the active local SDP is offered again.
func (NopCallbacks) OnCreateOffer(context.Context, *Session) []byte { return nil }

// OnRxReinvite accepts the re-INVITE.
func (NopCallbacks) OnRxReinvite(context.Context, *Session, *sip.Request) error { return nil }

func (NopCallbacks) OnMediaUpdate(context.Context, *Session, error) {}

// OnSendAck sends the ACK immediately.
func (NopCallbacks) OnSendAck(ctx context.Context, s *Session, ack *sip.Request) {
	s.SendAck(ctx, ack) //nolint:errcheck
}

// OnRedirected does not follow the redirection.
func (NopCallbacks) OnRedirected(context.Context, *Session, *sip.URI, *sip.Response) RedirectDecision {
	return RedirectStop
}

func (NopCallbacks) OnTsxStateChanged(context.Context, *Session, sip.Transaction, *sip.Event) {}
