package invite

import (
	"fmt"
	"log/slog"
	"slices"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"

	"github.com/ghettovoice/sipcore/sip"
)

// NegotiatorState is the offer/answer state of a [Negotiator].
type NegotiatorState string

const (
	// NegotiatorNull means no offer/answer exchange happened yet.
	NegotiatorNull NegotiatorState = "null"
	// NegotiatorLocalOffer means a local offer waits for the remote answer.
	NegotiatorLocalOffer NegotiatorState = "local_offer"
	// NegotiatorRemoteOffer means a remote offer waits for the local answer.
	NegotiatorRemoteOffer NegotiatorState = "remote_offer"
	// NegotiatorWaitNego means both parts are known and wait for [Negotiator.Negotiate].
	NegotiatorWaitNego NegotiatorState = "wait_nego"
	// NegotiatorDone means the last exchange is committed.
	NegotiatorDone NegotiatorState = "done"
)

// Negotiator errors.
const (
	ErrNegotiationFailed sip.Error = "SDP negotiation failed"
	ErrNoPendingOffer    sip.Error = "no pending SDP offer"
	ErrOfferPending      sip.Error = "SDP offer already pending"
)

type sdpPair struct {
	local, remote *sdp.SessionDescription
}

// Negotiator is the SDP offer/answer state of a session, RFC 3264.
//
// It is double buffered: an exchange in progress lives in the provisional buffer and is copied into
// the active one only by a successful [Negotiator.Negotiate]. A failed or rolled back exchange leaves
// the active descriptions untouched.
//
// Negotiator is not safe for concurrent use, a session calls it with the dialog group lock held.
type Negotiator struct {
	state  NegotiatorState
	active sdpPair
	prov   sdpPair
	// remoteOffered is set when the provisional exchange was started by the peer.
	remoteOffered bool
}

// NewNegotiator creates a negotiator with an optional initial local description.
func NewNegotiator(local []byte) (*Negotiator, error) {
	n := &Negotiator{state: NegotiatorNull}
	if len(local) == 0 {
		return n, nil
	}
	sd, err := parseSDP(local)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	n.active.local = sd
	return n, nil
}

func (n *Negotiator) State() NegotiatorState { return n.state }

// HasPendingOffer reports whether an offer waits for an answer.
func (n *Negotiator) HasPendingOffer() bool {
	return n.state == NegotiatorLocalOffer || n.state == NegotiatorRemoteOffer
}

// SetLocalOffer starts an exchange with the local offer.
func (n *Negotiator) SetLocalOffer(offer []byte) error {
	if n.HasPendingOffer() || n.state == NegotiatorWaitNego {
		return errtrace.Wrap(ErrOfferPending)
	}
	sd, err := parseSDP(offer)
	if err != nil {
		return errtrace.Wrap(err)
	}
	n.prov = sdpPair{local: sd}
	n.remoteOffered = false
	n.state = NegotiatorLocalOffer
	return nil
}

// SetRemoteOffer starts an exchange with the offer received from the peer.
func (n *Negotiator) SetRemoteOffer(offer []byte) error {
	if n.HasPendingOffer() || n.state == NegotiatorWaitNego {
		return errtrace.Wrap(ErrOfferPending)
	}
	sd, err := parseSDP(offer)
	if err != nil {
		return errtrace.Wrap(err)
	}
	n.prov = sdpPair{remote: sd}
	n.remoteOffered = true
	n.state = NegotiatorRemoteOffer
	return nil
}

// SetLocalAnswer sets the answer to the pending remote offer.
func (n *Negotiator) SetLocalAnswer(answer []byte) error {
	if n.state != NegotiatorRemoteOffer {
		return errtrace.Wrap(ErrNoPendingOffer)
	}
	sd, err := parseSDP(answer)
	if err != nil {
		return errtrace.Wrap(err)
	}
	n.prov.local = sd
	n.state = NegotiatorWaitNego
	return nil
}

// SetRemoteAnswer sets the answer received for the pending local offer.
func (n *Negotiator) SetRemoteAnswer(answer []byte) error {
	if n.state != NegotiatorLocalOffer {
		return errtrace.Wrap(ErrNoPendingOffer)
	}
	sd, err := parseSDP(answer)
	if err != nil {
		return errtrace.Wrap(err)
	}
	n.prov.remote = sd
	n.state = NegotiatorWaitNego
	return nil
}

// Negotiate commits the provisional exchange. On failure the provisional buffer is dropped
// and the active descriptions stay as they were.
func (n *Negotiator) Negotiate() error {
	if n.state != NegotiatorWaitNego {
		return errtrace.Wrap(fmt.Errorf("%w: negotiate in %s state", sip.ErrInvalidState, n.state))
	}

	offer, answer := n.prov.local, n.prov.remote
	if n.remoteOffered {
		offer, answer = n.prov.remote, n.prov.local
	}
	if err := checkAnswer(offer, answer); err != nil {
		n.Rollback()
		return errtrace.Wrap(err)
	}

	n.active = n.prov
	n.prov = sdpPair{}
	n.state = NegotiatorDone
	return nil
}

// Rollback drops the provisional exchange.
func (n *Negotiator) Rollback() {
	n.prov = sdpPair{}
	if n.active.local != nil && n.active.remote != nil {
		n.state = NegotiatorDone
	} else {
		n.state = NegotiatorNull
	}
}

// ActiveLocal returns the committed local description or nil.
func (n *Negotiator) ActiveLocal() []byte { return marshalSDP(n.active.local) }

// ActiveRemote returns the committed remote description or nil.
func (n *Negotiator) ActiveRemote() []byte { return marshalSDP(n.active.remote) }

// PendingRemoteOffer returns the remote offer waiting for an answer or nil.
func (n *Negotiator) PendingRemoteOffer() []byte {
	if n.state != NegotiatorRemoteOffer {
		return nil
	}
	return marshalSDP(n.prov.remote)
}

// PendingLocal returns the provisional local offer or answer or nil.
func (n *Negotiator) PendingLocal() []byte { return marshalSDP(n.prov.local) }

// LogValue implements [slog.LogValuer].
func (n *Negotiator) LogValue() slog.Value {
	if n == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{slog.String("state", string(n.state))}
	if n.active.local != nil {
		attrs = append(attrs, slog.Uint64("local_version", n.active.local.Origin.SessionVersion))
	}
	if n.active.remote != nil {
		attrs = append(attrs, slog.Uint64("remote_version", n.active.remote.Origin.SessionVersion))
	}
	return slog.GroupValue(attrs...)
}

func parseSDP(b []byte) (*sdp.SessionDescription, error) {
	if len(b) == 0 {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("empty SDP"))
	}
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(b); err != nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError(err))
	}
	return sd, nil
}

func marshalSDP(sd *sdp.SessionDescription) []byte {
	if sd == nil {
		return nil
	}
	b, err := sd.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// checkAnswer verifies the answer against the offer, RFC 3264 6:
// the same number of media lines of the same type in the same order,
// and at least one common format for every accepted stream.
func checkAnswer(offer, answer *sdp.SessionDescription) error {
	if offer == nil || answer == nil {
		return errtrace.Wrap(fmt.Errorf("%w: missing offer or answer", ErrNegotiationFailed))
	}
	if len(offer.MediaDescriptions) != len(answer.MediaDescriptions) {
		return errtrace.Wrap(fmt.Errorf("%w: %d media lines in answer to %d in offer",
			ErrNegotiationFailed, len(answer.MediaDescriptions), len(offer.MediaDescriptions)))
	}
	accepted := 0
	for i, om := range offer.MediaDescriptions {
		am := answer.MediaDescriptions[i]
		if om.MediaName.Media != am.MediaName.Media {
			return errtrace.Wrap(fmt.Errorf("%w: media line %d is %q in answer to %q in offer",
				ErrNegotiationFailed, i, am.MediaName.Media, om.MediaName.Media))
		}
		if am.MediaName.Port.Value == 0 {
			continue
		}
		if !slices.ContainsFunc(am.MediaName.Formats, func(f string) bool {
			return slices.Contains(om.MediaName.Formats, f)
		}) {
			return errtrace.Wrap(fmt.Errorf("%w: no common format in media line %d", ErrNegotiationFailed, i))
		}
		accepted++
	}
	if len(offer.MediaDescriptions) > 0 && accepted == 0 {
		return errtrace.Wrap(fmt.Errorf("%w: all media streams rejected", ErrNegotiationFailed))
	}
	return nil
}
