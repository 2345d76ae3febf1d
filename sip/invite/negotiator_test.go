package invite_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"

	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/invite"
)

// testSDP builds a session description with one media line per media argument.
func testSDP(version int, media ...string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "v=0\r\no=- 1 %d IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n", version)
	for _, m := range media {
		fmt.Fprintf(&sb, "m=%s\r\n", m)
	}
	return []byte(sb.String())
}

func sessionVersion(tb testing.TB, b []byte) uint64 {
	tb.Helper()

	var sd sdp.SessionDescription
	if err := sd.Unmarshal(b); err != nil {
		tb.Fatalf("sd.Unmarshal() error = %v, want nil", err)
	}
	return sd.Origin.SessionVersion
}

func TestNegotiator_LocalOffer(t *testing.T) {
	t.Parallel()

	n, err := invite.NewNegotiator(nil)
	if err != nil {
		t.Fatalf("invite.NewNegotiator() error = %v, want nil", err)
	}
	if err := n.SetLocalOffer(testSDP(1, "audio 4000 RTP/AVP 0 8")); err != nil {
		t.Fatalf("n.SetLocalOffer() error = %v, want nil", err)
	}
	if got, want := n.State(), invite.NegotiatorLocalOffer; got != want {
		t.Fatalf("n.State() = %q, want %q", got, want)
	}
	if !n.HasPendingOffer() {
		t.Fatal("n.HasPendingOffer() = false, want true")
	}
	if err := n.SetLocalOffer(testSDP(2, "audio 4000 RTP/AVP 0")); !errors.Is(err, invite.ErrOfferPending) {
		t.Fatalf("n.SetLocalOffer(second) error = %v, want %v", err, invite.ErrOfferPending)
	}

	if err := n.SetRemoteAnswer(testSDP(7, "audio 5000 RTP/AVP 8")); err != nil {
		t.Fatalf("n.SetRemoteAnswer() error = %v, want nil", err)
	}
	if got, want := n.State(), invite.NegotiatorWaitNego; got != want {
		t.Fatalf("n.State() = %q, want %q", got, want)
	}
	if err := n.Negotiate(); err != nil {
		t.Fatalf("n.Negotiate() error = %v, want nil", err)
	}
	if got, want := n.State(), invite.NegotiatorDone; got != want {
		t.Fatalf("n.State() = %q, want %q", got, want)
	}
	if got, want := sessionVersion(t, n.ActiveLocal()), uint64(1); got != want {
		t.Errorf("active local version = %d, want %d", got, want)
	}
	if got, want := sessionVersion(t, n.ActiveRemote()), uint64(7); got != want {
		t.Errorf("active remote version = %d, want %d", got, want)
	}
}

func TestNegotiator_RemoteOffer(t *testing.T) {
	t.Parallel()

	n, err := invite.NewNegotiator(testSDP(1, "audio 4000 RTP/AVP 0"))
	if err != nil {
		t.Fatalf("invite.NewNegotiator() error = %v, want nil", err)
	}
	if err := n.SetLocalAnswer(testSDP(1, "audio 4000 RTP/AVP 0")); !errors.Is(err, invite.ErrNoPendingOffer) {
		t.Fatalf("n.SetLocalAnswer() error = %v, want %v", err, invite.ErrNoPendingOffer)
	}

	offer := testSDP(3, "audio 6000 RTP/AVP 0 101")
	if err := n.SetRemoteOffer(offer); err != nil {
		t.Fatalf("n.SetRemoteOffer() error = %v, want nil", err)
	}
	if n.PendingRemoteOffer() == nil {
		t.Fatal("n.PendingRemoteOffer() = nil, want offer")
	}
	if err := n.SetLocalAnswer(testSDP(2, "audio 4000 RTP/AVP 0")); err != nil {
		t.Fatalf("n.SetLocalAnswer() error = %v, want nil", err)
	}
	if n.PendingRemoteOffer() != nil {
		t.Error("n.PendingRemoteOffer() != nil after answer, want nil")
	}
	if err := n.Negotiate(); err != nil {
		t.Fatalf("n.Negotiate() error = %v, want nil", err)
	}
	if got, want := sessionVersion(t, n.ActiveLocal()), uint64(2); got != want {
		t.Errorf("active local version = %d, want %d", got, want)
	}
	if got, want := sessionVersion(t, n.ActiveRemote()), uint64(3); got != want {
		t.Errorf("active remote version = %d, want %d", got, want)
	}
}

func TestNegotiator_FailureKeepsActive(t *testing.T) {
	t.Parallel()

	n, err := invite.NewNegotiator(nil)
	if err != nil {
		t.Fatalf("invite.NewNegotiator() error = %v, want nil", err)
	}
	if err := n.SetLocalOffer(testSDP(1, "audio 4000 RTP/AVP 0")); err != nil {
		t.Fatalf("n.SetLocalOffer() error = %v, want nil", err)
	}
	if err := n.SetRemoteAnswer(testSDP(1, "audio 5000 RTP/AVP 0")); err != nil {
		t.Fatalf("n.SetRemoteAnswer() error = %v, want nil", err)
	}
	if err := n.Negotiate(); err != nil {
		t.Fatalf("n.Negotiate() error = %v, want nil", err)
	}

	cases := []struct {
		name   string
		offer  []byte
		answer []byte
	}{
		{"media type mismatch", testSDP(2, "audio 4000 RTP/AVP 0"), testSDP(2, "video 5000 RTP/AVP 96")},
		{"media count mismatch", testSDP(2, "audio 4000 RTP/AVP 0", "video 4002 RTP/AVP 96"), testSDP(2, "audio 5000 RTP/AVP 0")},
		{"no common format", testSDP(2, "audio 4000 RTP/AVP 0"), testSDP(2, "audio 5000 RTP/AVP 8")},
		{"all streams rejected", testSDP(2, "audio 4000 RTP/AVP 0"), testSDP(2, "audio 0 RTP/AVP 0")},
	}
	for _, c := range cases {
		if err := n.SetLocalOffer(c.offer); err != nil {
			t.Fatalf("%s: n.SetLocalOffer() error = %v, want nil", c.name, err)
		}
		if err := n.SetRemoteAnswer(c.answer); err != nil {
			t.Fatalf("%s: n.SetRemoteAnswer() error = %v, want nil", c.name, err)
		}
		if err := n.Negotiate(); !errors.Is(err, invite.ErrNegotiationFailed) {
			t.Fatalf("%s: n.Negotiate() error = %v, want %v", c.name, err, invite.ErrNegotiationFailed)
		}
		if got, want := n.State(), invite.NegotiatorDone; got != want {
			t.Fatalf("%s: n.State() = %q, want %q", c.name, got, want)
		}
		if got, want := sessionVersion(t, n.ActiveLocal()), uint64(1); got != want {
			t.Fatalf("%s: active local version = %d, want %d", c.name, got, want)
		}
	}
}

func TestNegotiator_RejectedStream(t *testing.T) {
	t.Parallel()

	n, err := invite.NewNegotiator(nil)
	if err != nil {
		t.Fatalf("invite.NewNegotiator() error = %v, want nil", err)
	}
	if err := n.SetRemoteOffer(testSDP(1, "audio 4000 RTP/AVP 0", "video 4002 RTP/AVP 96")); err != nil {
		t.Fatalf("n.SetRemoteOffer() error = %v, want nil", err)
	}
	if err := n.SetLocalAnswer(testSDP(1, "audio 5000 RTP/AVP 0", "video 0 RTP/AVP 96")); err != nil {
		t.Fatalf("n.SetLocalAnswer() error = %v, want nil", err)
	}
	if err := n.Negotiate(); err != nil {
		t.Fatalf("n.Negotiate() error = %v, want nil", err)
	}
}

func TestNegotiator_Rollback(t *testing.T) {
	t.Parallel()

	n, err := invite.NewNegotiator(nil)
	if err != nil {
		t.Fatalf("invite.NewNegotiator() error = %v, want nil", err)
	}
	if err := n.SetRemoteOffer(testSDP(1, "audio 4000 RTP/AVP 0")); err != nil {
		t.Fatalf("n.SetRemoteOffer() error = %v, want nil", err)
	}
	n.Rollback()
	if got, want := n.State(), invite.NegotiatorNull; got != want {
		t.Fatalf("n.State() = %q, want %q", got, want)
	}
	if n.ActiveRemote() != nil {
		t.Error("n.ActiveRemote() != nil after rollback, want nil")
	}
}

func TestNegotiator_InvalidSDP(t *testing.T) {
	t.Parallel()

	if _, err := invite.NewNegotiator([]byte("garbage")); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("invite.NewNegotiator(garbage) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	n, err := invite.NewNegotiator(nil)
	if err != nil {
		t.Fatalf("invite.NewNegotiator() error = %v, want nil", err)
	}
	if err := n.SetRemoteOffer(nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("n.SetRemoteOffer(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if got, want := n.State(), invite.NegotiatorNull; got != want {
		t.Fatalf("n.State() = %q, want %q", got, want)
	}
}
