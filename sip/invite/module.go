package invite

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/dialog"
)

// ModuleName is the name of the INVITE session module.
const ModuleName = "mod-invite"

// IncomingHandler takes over a new incoming session.
// The handler answers the call with [Session.Answer] or rejects it with [Session.End],
// right away or later from another goroutine.
type IncomingHandler = func(ctx context.Context, s *Session, req *sip.Request)

// ModuleOptions contains options of the INVITE session module.
type ModuleOptions struct {
	// OnIncoming is called for every new incoming session.
	// If nil, new INVITE requests are rejected with 480.
	OnIncoming IncomingHandler
	// Contact is the local Contact of the dialogs created for incoming calls.
	// If nil, the Request-URI of the INVITE is used.
	Contact *sip.NameAddr
	// Session is passed to every incoming session.
	Session *Options
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *ModuleOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Module creates sessions for inbound INVITE requests that do not belong to a dialog
// and handles CANCEL of pending INVITE server transactions.
type Module struct {
	sip.ModuleBase
	layer *dialog.Layer
	opts  ModuleOptions
	log   *slog.Logger
}

// NewModule creates the INVITE session module on top of the dialog layer.
// The module must be registered on the same endpoint as the layer.
func NewModule(layer *dialog.Layer, opts *ModuleOptions) *Module {
	m := &Module{layer: layer, log: opts.log()}
	if opts != nil {
		m.opts = *opts
	}
	return m
}

func (*Module) Name() string { return ModuleName }

func (*Module) Priority() int { return sip.PriorityDialogUsage }

// OnRxRequest claims out of dialog INVITE and all CANCEL requests.
func (m *Module) OnRxRequest(ctx context.Context, req *sip.Request) bool {
	switch {
	case req.Method.Equal(sip.RequestMethodCancel):
		m.recvCancel(ctx, req)
		return true
	case req.IsInvite() && req.Headers.To.Tag() == "":
		m.recvInvite(ctx, req)
		return true
	default:
		return false
	}
}

func (m *Module) recvInvite(ctx context.Context, req *sip.Request) {
	ep := m.layer.Endpoint()
	if m.opts.OnIncoming == nil {
		m.respondStateless(ctx, ep, req, sip.ResponseStatusTemporarilyUnavailable)
		return
	}

	contact := m.opts.Contact
	if contact == nil {
		contact = &sip.NameAddr{URI: req.URI.Clone()}
	}
	d, tx, err := m.layer.CreateUAS(ctx, req, contact)
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog", slog.Any("request", req), slog.Any("error", err))
		status, _ := sip.StatusFromError(err)
		m.respondStateless(ctx, ep, req, status)
		return
	}

	s, err := NewUAS(ctx, d, tx, m.opts.Session)
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "incoming session rejected", slog.Any("request", req), slog.Any("error", err))
		if d.State() != dialog.StateTerminated {
			res := d.CreateResponse(req, sip.ResponseStatusServerInternalError, "")
			d.Respond(ctx, tx, res) //nolint:errcheck
		}
		return
	}

	m.log.LogAttrs(ctx, slog.LevelDebug, "incoming session", slog.Any("session", s))
	m.opts.OnIncoming(ctx, s, req)
}

func (m *Module) recvCancel(ctx context.Context, req *sip.Request) {
	ep := m.layer.Endpoint()
	txl := ep.TransactionLayer()
	itx, ok := txl.FindInviteServerTransaction(req)
	if !ok {
		m.respondStateless(ctx, ep, req, sip.ResponseStatusCallTransactionNotExist)
		return
	}

	tx, err := txl.NewServerTransaction(ctx, req, nil, &sip.ServerTransactionOptions{
		GroupLock: itx.GroupLock(),
		Log:       m.log,
	})
	if err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to create CANCEL transaction", slog.Any("error", err))
		return
	}
	res := req.NewResponse(sip.ResponseStatusOK, "")
	if last := itx.LastResponse(); last != nil && last.Headers.To != nil {
		res.Headers.To.SetTag(last.Headers.To.Tag())
	}
	if err := tx.Respond(ctx, res); err != nil {
		m.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond to CANCEL", slog.Any("error", err))
	}

	if d, ok := dialog.DialogOf(itx); ok {
		if s, ok := SessionOf(d); ok {
			s.cancel(ctx)
			return
		}
	}
	// an INVITE handled without session
	ctx, unlock := itx.GroupLock().Acquire(ctx)
	defer unlock()
	if st := itx.State(); st == sip.TransactionStateTrying || st == sip.TransactionStateProceeding {
		itx.Respond(ctx, itx.Request().NewResponse(sip.ResponseStatusRequestTerminated, "")) //nolint:errcheck
	}
}

func (m *Module) respondStateless(ctx context.Context, ep *sip.Endpoint, req *sip.Request, status sip.ResponseStatus) {
	if err := ep.RespondStateless(ctx, req, status, ""); err != nil {
		m.log.LogAttrs(ctx, slog.LevelError, "failed to respond statelessly",
			slog.Any("request", req),
			slog.Int("status", int(status)),
			slog.Any("error", err),
		)
	}
}
