package dialog

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
)

// ModuleName is the name of the [Layer] module.
const ModuleName = "mod-dialog"

// LayerOptions contains options for the dialog layer.
type LayerOptions struct {
	// Log is the logger of the layer and its dialogs.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *LayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// earlyKey matches responses and NOTIFY requests to a UAC dialog before the remote tag is known.
type earlyKey struct {
	callID   string
	localTag string
}

// Layer is the dialog layer module. It routes in-dialog requests and stray responses to dialogs,
// answers requests to unknown dialogs with 481 and rejects looped or merged initial requests with 482.
// It is the transaction user of all dialog transactions.
type Layer struct {
	sip.ModuleBase

	ep    atomic.Pointer[sip.Endpoint]
	log   *slog.Logger
	dlgs  *syncutil.ShardMap[ID, *Dialog]
	early *syncutil.ShardMap[earlyKey, *Dialog]
}

// NewLayer creates a new dialog layer. Register it in the endpoint before creating dialogs.
func NewLayer(opts *LayerOptions) *Layer {
	return &Layer{
		log:   opts.log(),
		dlgs:  syncutil.NewShardMap[ID, *Dialog](),
		early: syncutil.NewShardMap[earlyKey, *Dialog](),
	}
}

func (*Layer) Name() string { return ModuleName }

func (*Layer) Priority() int { return sip.PriorityUALayer }

func (l *Layer) Load(_ context.Context, ep *sip.Endpoint) error {
	l.ep.Store(ep)
	return nil
}

// Unload terminates all dialogs.
func (l *Layer) Unload(ctx context.Context) error {
	for _, d := range l.dlgs.Items() {
		d.Terminate(ctx)
	}
	for _, d := range l.early.Items() {
		d.Terminate(ctx)
	}
	return nil
}

// Endpoint returns the endpoint the layer is registered in.
func (l *Layer) Endpoint() *sip.Endpoint { return l.ep.Load() }

// Find returns the dialog with the given ID.
func (l *Layer) Find(id ID) (*Dialog, bool) { return l.dlgs.Get(id) }

// Dialogs iterates over the established and early dialogs.
func (l *Layer) Dialogs() iter.Seq[*Dialog] {
	return func(yield func(*Dialog) bool) {
		for _, d := range l.dlgs.Items() {
			if !yield(d) {
				return
			}
		}
	}
}

// Len returns the number of dialogs with a known remote tag.
func (l *Layer) Len() int { return l.dlgs.Size() }

// CreateUAC creates a dialog for an outgoing dialog creating request, RFC 3261 12.1.2.
// A local tag and Call-ID are generated and the local sequence number starts from a random value.
// The target defaults to the remote URI.
func (l *Layer) CreateUAC(ctx context.Context, local, remote *sip.NameAddr, target *sip.URI, contact *sip.NameAddr) (*Dialog, error) {
	if l.Endpoint() == nil {
		return nil, errtrace.Wrap(ErrLayerNotLoaded)
	}
	if local == nil || local.URI == nil || remote == nil || remote.URI == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("local and remote addresses are required"))
	}
	if target == nil {
		target = remote.URI
	}

	d := newDialog(l, RoleUAC, sip.NewGroupLock("dialog"), sip.GenerateCallID())
	d.local = Party{Addr: local.Clone(), Tag: local.Tag(), CSeq: util.RandUint32()}
	if d.local.Tag == "" {
		d.local.Tag = sip.GenerateTag()
		d.local.Addr.SetTag(d.local.Tag)
	}
	d.remote = Party{Addr: remote.Clone()}
	d.remote.Addr.SetTag("")
	d.target = target.Clone()
	d.contact = contact.Clone()

	l.early.Set(earlyKey{d.callID, d.local.Tag}, d)

	l.log.LogAttrs(ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	return d, nil
}

// CreateUAS creates a dialog for an inbound dialog creating request, RFC 3261 12.1.1.
// It returns the dialog and the server transaction of the request, the dialog is its user.
// A transaction created earlier for the request is moved under the dialog group lock.
func (l *Layer) CreateUAS(ctx context.Context, req *sip.Request, contact *sip.NameAddr) (*Dialog, sip.ServerTransaction, error) {
	ep := l.Endpoint()
	if ep == nil {
		return nil, nil, errtrace.Wrap(ErrLayerNotLoaded)
	}
	switch {
	case req.IsAck() || req.Method.Equal(sip.RequestMethodCancel):
		return nil, nil, errtrace.Wrap(sip.NewInvalidArgumentError("%s can not create a dialog", req.Method))
	case req.Headers.To == nil || req.Headers.To.Tag() != "":
		return nil, nil, errtrace.Wrap(sip.NewInvalidArgumentError("request is already in a dialog"))
	case req.Headers.From == nil || req.Headers.From.Tag() == "":
		return nil, nil, errtrace.Wrap(sip.NewInvalidMessageError("missing From tag"))
	}

	d := newDialog(l, RoleUAS, sip.NewGroupLock("dialog"), req.Headers.CallID)
	d.local = Party{Addr: req.Headers.To.Clone(), Tag: sip.GenerateTag(), CSeq: util.RandUint32()}
	d.local.Addr.SetTag(d.local.Tag)
	d.remote = Party{Addr: req.Headers.From.Clone(), Tag: req.Headers.From.Tag(), CSeq: req.Headers.CSeq.Seq}
	if len(req.Headers.Contact) > 0 && req.Headers.Contact[0].URI != nil {
		d.target = req.Headers.Contact[0].URI.Clone()
	} else {
		d.target = req.Headers.From.URI.Clone()
	}
	d.contact = contact.Clone()
	d.routeSet = cloneRoutes(req.Headers.RecordRoute)
	d.routeFrozen = true

	if !l.dlgs.SetIfAbsent(d.ID(), d) {
		return nil, nil, errtrace.Wrap(ErrDialogExists)
	}

	var tx sip.ServerTransaction
	if mt, ok := sip.MatchedTransaction(req).(sip.ServerTransaction); ok {
		mt.AttachGroupLock(ctx, d.grp)
		mt.OnStateChanged(l.OnTsxState)
		tx = mt
	}

	ctx, unlock := d.Lock(ctx)
	defer unlock()

	if tx == nil {
		var err error
		tx, err = ep.TransactionLayer().NewServerTransaction(ctx, req, l, &sip.ServerTransactionOptions{
			GroupLock: d.grp,
			Log:       l.log,
		})
		if err != nil {
			l.dlgs.DelFunc(d.ID(), func(v *Dialog) bool { return v == d })
			return nil, nil, errtrace.Wrap(err)
		}
	}
	d.track(tx)
	d.initTx = tx

	l.log.LogAttrs(ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	return d, tx, nil
}

// OnRxRequest claims in-dialog requests and looped or merged initial requests.
func (l *Layer) OnRxRequest(ctx context.Context, req *sip.Request) bool {
	if req.Method.Equal(sip.RequestMethodCancel) {
		return false
	}

	if req.Headers.To.Tag() == "" {
		if req.IsAck() {
			return false
		}
		txl := l.Endpoint().TransactionLayer()
		if txl.IsLooped(req) || txl.IsMerged(req) {
			l.log.LogAttrs(ctx, slog.LevelWarn, "rejecting looped request", slog.Any("request", req))
			status, reason := sip.StatusFromError(sip.ErrProtocolViolation)
			l.respondStateless(ctx, req, status, reason)
			return true
		}
		return false
	}

	id := IDFromRequest(req)
	if d, ok := l.dlgs.Get(id); ok {
		d.recvRequest(ctx, req)
		return true
	}
	if req.Method.Equal(sip.RequestMethodNotify) {
		if d, ok := l.early.Get(earlyKey{id.CallID, id.LocalTag}); ok {
			d.recvNotify(ctx, req)
			return true
		}
	}

	if req.IsAck() {
		l.log.LogAttrs(ctx, slog.LevelDebug, "discarding ACK to unknown dialog", slog.Any("request", req))
		return true
	}
	l.log.LogAttrs(ctx, slog.LevelDebug, "request to unknown dialog", slog.Any("request", req))
	l.respondStateless(ctx, req, sip.ResponseStatusCallTransactionNotExist, "")
	return true
}

// OnRxResponse passes stray 2xx responses to INVITE to their dialogs.
// A 2xx with an unknown To tag forks the early dialog.
func (l *Layer) OnRxResponse(ctx context.Context, res *sip.Response) {
	if sip.MatchedTransaction(res) != nil || !res.Status.IsSuccessful() || res.Method() != sip.RequestMethodInvite {
		return
	}

	id := IDFromResponse(res)
	if d, ok := l.dlgs.Get(id); ok {
		d.recvResponse(ctx, res)
		return
	}
	if d, ok := l.early.Get(earlyKey{id.CallID, id.LocalTag}); ok {
		d.recvResponse(ctx, res)
		return
	}
	l.log.LogAttrs(ctx, slog.LevelDebug, "discarding 2xx to unknown dialog", slog.Any("response", res))
}

// OnTsxState passes transaction state changes to the dialog that owns the transaction.
func (l *Layer) OnTsxState(ctx context.Context, tx sip.Transaction, ev *sip.Event) {
	if d, ok := tx.Value(txValueKey{}).(*Dialog); ok {
		d.onTsxState(ctx, tx, ev)
	}
}

// DialogOf returns the dialog that owns the transaction.
func DialogOf(tx sip.Transaction) (*Dialog, bool) {
	d, ok := tx.Value(txValueKey{}).(*Dialog)
	return d, ok
}

func (l *Layer) respondStateless(ctx context.Context, req *sip.Request, status sip.ResponseStatus, reason string) {
	if err := l.Endpoint().RespondStateless(ctx, req, status, reason); err != nil {
		l.log.LogAttrs(ctx, slog.LevelError, "failed to respond statelessly",
			slog.Any("request", req),
			slog.Int("status", int(status)),
			slog.Any("error", err),
		)
	}
}

func (l *Layer) add(d *Dialog) {
	l.dlgs.Set(d.ID(), d)
}

func (l *Layer) remove(d *Dialog) {
	l.dlgs.DelFunc(d.ID(), func(v *Dialog) bool { return v == d })
	if d.parent == nil && d.role == RoleUAC {
		l.early.DelFunc(earlyKey{d.callID, d.Local().Tag}, func(v *Dialog) bool { return v == d })
	}
}
