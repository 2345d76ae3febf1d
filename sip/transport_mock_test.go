package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipcore/internal/testutil"
	"github.com/ghettovoice/sipcore/internal/testutil/sipmock"
	"github.com/ghettovoice/sipcore/sip"
)

func setupMockTransport(tb testing.TB, ctrl *gomock.Controller) *sipmock.MockTransport {
	tb.Helper()

	tp := sipmock.NewMockTransport(ctrl)
	tp.EXPECT().Proto().Return("UDP").AnyTimes()
	tp.EXPECT().Reliable().Return(false).AnyTimes()
	tp.EXPECT().LocalAddr().Return(testutil.LocalAddr).AnyTimes()
	return tp
}

func TestClientTransaction_ResolvedAsyncSend(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	tp := setupMockTransport(t, ctrl)
	res := sipmock.NewMockResolver(ctrl)
	ep := testutil.NewEndpoint(t, &sip.EndpointOptions{Resolver: res}, tp)

	dst := netip.MustParseAddrPort("192.0.2.10:5060")
	res.EXPECT().
		Resolve(gomock.Any(), sip.ResolveTarget{Host: "example.com"}, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ sip.ResolveTarget, cb func([]sip.ServerAddr, error)) {
			cb([]sip.ServerAddr{{Proto: "UDP", Addr: dst}}, nil)
		})

	sendErr := errors.New("connection reset")
	gomock.InOrder(
		// the first send succeeds asynchronously
		tp.EXPECT().
			Send(gomock.Any(), gomock.Any(), dst, gomock.Any()).
			DoAndReturn(func(_ context.Context, msg sip.Message, _ netip.AddrPort, done func(error)) (sip.SendStatus, error) {
				req, ok := msg.(*sip.Request)
				if !ok || !req.IsInvite() {
					t.Errorf("sent %v, want INVITE", msg)
				}
				go done(nil)
				return sip.SendPending, nil
			}),
		// the retransmission goes to the same destination and fails
		tp.EXPECT().
			Send(gomock.Any(), gomock.Any(), dst, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ sip.Message, _ netip.AddrPort, done func(error)) (sip.SendStatus, error) {
				go done(sendErr)
				return sip.SendPending, nil
			}),
	)

	tu := testutil.NewRecorder("tu", sip.PriorityApplication)
	req := sip.NewRequest(sip.RequestMethodInvite, sip.MustParseURI("sip:bob@example.com"),
		testutil.NameAddr("alice", testutil.LocalAddr), &sip.NameAddr{URI: sip.MustParseURI("sip:bob@example.com")}, nil)
	tx, err := ep.TransactionLayer().NewClientTransaction(t.Context(), req, tu, nil)
	if err != nil {
		t.Fatalf("NewClientTransaction() error = %v, want nil", err)
	}
	if err := tx.Start(t.Context()); err != nil {
		t.Fatalf("tx.Start() error = %v, want nil", err)
	}

	st := tu.WaitState(t, sip.TransactionStateTerminated, waitTimeout)
	if !errors.Is(st.Err, sip.ErrTransportError) || !errors.Is(st.Err, sendErr) {
		t.Fatalf("terminated with %v, want %v wrapping %v", st.Err, sip.ErrTransportError, sendErr)
	}
	if via := req.Headers.TopVia(); via.Transport != "UDP" || via.Port != testutil.LocalAddr.Port() {
		t.Fatalf("top Via = %v, want UDP sent-by %v", via, testutil.LocalAddr)
	}
	tu.WaitState(t, sip.TransactionStateDestroyed, waitTimeout)
}
