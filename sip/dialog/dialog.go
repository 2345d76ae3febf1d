// Package dialog implements the SIP dialog layer of RFC 3261 12.
//
// A [Dialog] keeps the peer relationship state: Call-ID, local and remote tags and sequence numbers,
// remote target and route set. Dialog scoped behavior lives in usages (see [Usage]) attached to it.
// The dialog, its usages and its transactions share one [sip.GroupLock].
package dialog

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
)

// Dialog errors.
const (
	ErrDialogExists     sip.Error = "dialog already exists"
	ErrDialogTerminated sip.Error = "dialog terminated"
	ErrUsageExists      sip.Error = "usage already attached"
	ErrLayerNotLoaded   sip.Error = "dialog layer is not registered"
)

// State is the state of a dialog.
type State string

const (
	StateNull       State = "null"
	StateEarly      State = "early"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Role is the role of the local party in the transaction that created the dialog.
type Role uint8

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAS {
		return "uas"
	}
	return "uac"
}

// ID identifies a dialog from the local point of view.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// IDFromRequest returns the ID of the dialog an inbound request belongs to.
func IDFromRequest(req *sip.Request) ID {
	return ID{
		CallID:    req.Headers.CallID,
		LocalTag:  req.Headers.To.Tag(),
		RemoteTag: req.Headers.From.Tag(),
	}
}

// IDFromResponse returns the ID of the dialog an inbound response belongs to.
func IDFromResponse(res *sip.Response) ID {
	return ID{
		CallID:    res.Headers.CallID,
		LocalTag:  res.Headers.From.Tag(),
		RemoteTag: res.Headers.To.Tag(),
	}
}

func (id ID) IsValid() bool { return id.CallID != "" && id.LocalTag != "" && id.RemoteTag != "" }

func (id ID) String() string {
	return fmt.Sprintf("%s;local-tag=%s;remote-tag=%s", id.CallID, id.LocalTag, id.RemoteTag)
}

// LogValue implements [slog.LogValuer].
func (id ID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", id.CallID),
		slog.String("local_tag", id.LocalTag),
		slog.String("remote_tag", id.RemoteTag),
	)
}

// Party is one side of a dialog.
type Party struct {
	// Addr is the From or To value of the party including its tag.
	Addr *sip.NameAddr
	Tag  string
	// CSeq is the last sequence number used by the party, zero when unknown.
	CSeq uint32
}

func (p Party) clone() Party {
	p.Addr = p.Addr.Clone()
	return p
}

// StateHandler is called with the dialog group lock held.
type StateHandler = func(ctx context.Context, d *Dialog, prev State)

// txValueKey is the transaction value key of the dialog that owns the transaction.
type txValueKey struct{}

// Dialog is a SIP dialog.
//
// A dialog is created by [Layer.CreateUAC] or [Layer.CreateUAS]. It terminates when the last usage is removed,
// when the dialog creating transaction fails or on [Dialog.Terminate]. A terminated dialog is destroyed and removed
// from the layer once no transaction references it anymore.
type Dialog struct {
	layer  *Layer
	role   Role
	grp    *sip.GroupLock
	log    *slog.Logger
	callID string
	parent *Dialog

	// initTx is the dialog creating transaction, guarded by the group lock.
	initTx sip.Transaction

	mu          sync.RWMutex
	local       Party
	remote      Party
	target      *sip.URI
	contact     *sip.NameAddr
	routeSet    []sip.NameAddr
	routeFrozen bool
	forks       []*Dialog

	state     atomic.Value
	usages    types.PriorityList[Usage]
	refs      atomic.Int32
	destroyed atomic.Bool
	onState   types.CallbackManager[StateHandler]
	values    sync.Map
}

func newDialog(l *Layer, role Role, grp *sip.GroupLock, callID string) *Dialog {
	d := &Dialog{
		layer:  l,
		role:   role,
		grp:    grp,
		log:    l.log,
		callID: callID,
	}
	d.state.Store(StateNull)
	d.refs.Store(1)
	return d
}

// ID returns the dialog ID. The remote tag of a UAC dialog is empty until the first response with a To tag.
func (d *Dialog) ID() ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return ID{d.callID, d.local.Tag, d.remote.Tag}
}

func (d *Dialog) Role() Role { return d.role }

func (d *Dialog) CallID() string { return d.callID }

func (d *Dialog) State() State {
	if d == nil {
		return ""
	}
	return d.state.Load().(State) //nolint:forcetypeassert
}

// Local returns a copy of the local party.
func (d *Dialog) Local() Party {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.local.clone()
}

// Remote returns a copy of the remote party.
func (d *Dialog) Remote() Party {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remote.clone()
}

// RemoteTarget returns the URI in-dialog requests are sent to.
func (d *Dialog) RemoteTarget() *sip.URI {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.target.Clone()
}

// LocalContact returns the Contact the dialog advertises.
func (d *Dialog) LocalContact() *sip.NameAddr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contact.Clone()
}

// SetLocalContact replaces the local Contact used by subsequent requests and responses.
func (d *Dialog) SetLocalContact(contact *sip.NameAddr) {
	d.mu.Lock()
	d.contact = contact.Clone()
	d.mu.Unlock()
}

// Retarget restarts a UAC dialog that is not confirmed yet for a new dialog creating request,
// e.g. to follow a redirection. The early dialog and its forks are terminated, the remote tag and the route set
// are cleared. A nil target or remote keeps the current value.
func (d *Dialog) Retarget(ctx context.Context, target *sip.URI, remote *sip.NameAddr) error {
	ctx, unlock := d.Lock(ctx)
	defer unlock()

	switch {
	case d.role != RoleUAC || d.parent != nil:
		return errtrace.Wrap(fmt.Errorf("%w: retarget of %s dialog", sip.ErrInvalidState, d.role))
	case d.State() == StateConfirmed || d.State() == StateTerminated:
		return errtrace.Wrap(fmt.Errorf("%w: retarget of %s dialog", sip.ErrInvalidState, d.State()))
	}

	d.mu.Lock()
	oldID := ID{d.callID, d.local.Tag, d.remote.Tag}
	forks := d.forks
	d.forks = nil
	if target != nil {
		d.target = target.Clone()
	}
	if remote != nil {
		d.remote.Addr = remote.Clone()
	}
	d.remote.Tag = ""
	d.remote.Addr.SetTag("")
	d.routeSet = nil
	d.routeFrozen = false
	d.mu.Unlock()

	if oldID.RemoteTag != "" {
		d.layer.dlgs.DelFunc(oldID, func(v *Dialog) bool { return v == d })
	}
	for _, f := range forks {
		f.terminate(ctx)
	}
	d.setState(ctx, StateNull)
	return nil
}

// RouteSet returns a copy of the route set.
func (d *Dialog) RouteSet() []sip.NameAddr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneRoutes(d.routeSet)
}

// RouteSetFrozen reports whether the route set is final.
func (d *Dialog) RouteSetFrozen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.routeFrozen
}

// Parent returns the dialog this dialog was forked from or nil.
func (d *Dialog) Parent() *Dialog { return d.parent }

// Layer returns the dialog layer.
func (d *Dialog) Layer() *Layer { return d.layer }

// GroupLock returns the lock shared by the dialog, its usages and its transactions.
func (d *Dialog) GroupLock() *sip.GroupLock { return d.grp }

// Lock acquires the dialog group lock.
func (d *Dialog) Lock(ctx context.Context) (context.Context, func()) { return d.grp.Acquire(ctx) }

func (d *Dialog) AddRef() { d.refs.Add(1) }

// DecRef releases a reference. A terminated dialog is destroyed after the last release
// once the group lock is released.
func (d *Dialog) DecRef(ctx context.Context) {
	n := d.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		d.log.LogAttrs(ctx, slog.LevelError, "dialog reference count underflow", slog.Any("dialog", d))
		return
	}
	d.grp.AfterUnlock(ctx, d.destroy)
}

// OnStateChanged registers a state change handler.
func (d *Dialog) OnStateChanged(fn StateHandler) (remove func()) { return d.onState.Add(fn) }

// Value and SetValue hold application data.
func (d *Dialog) Value(key any) any {
	v, _ := d.values.Load(key)
	return v
}

func (d *Dialog) SetValue(key, val any) {
	if val == nil {
		d.values.Delete(key)
		return
	}
	d.values.Store(key, val)
}

// AddUsage attaches the usage to the dialog.
func (d *Dialog) AddUsage(ctx context.Context, u Usage) error {
	_, unlock := d.Lock(ctx)
	defer unlock()

	if d.State() == StateTerminated {
		return errtrace.Wrap(ErrDialogTerminated)
	}
	if !d.usages.Insert(u.Priority(), u) {
		return errtrace.Wrap(ErrUsageExists)
	}
	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog usage added", slog.Any("dialog", d), slog.String("usage", u.Name()))
	return nil
}

// RemoveUsage detaches the usage. The dialog terminates when its last usage is removed.
func (d *Dialog) RemoveUsage(ctx context.Context, u Usage) {
	ctx, unlock := d.Lock(ctx)
	defer unlock()

	if !d.usages.Remove(u) {
		return
	}
	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog usage removed", slog.Any("dialog", d), slog.String("usage", u.Name()))
	if d.usages.Len() == 0 {
		d.terminate(ctx)
	}
}

// Usages iterates over the attached usages in priority order.
func (d *Dialog) Usages() iter.Seq[Usage] { return d.usages.All() }

// Terminate terminates the dialog and its early forks.
// In-flight transactions run to completion.
func (d *Dialog) Terminate(ctx context.Context) {
	ctx, unlock := d.Lock(ctx)
	defer unlock()
	d.terminate(ctx)
}

// CreateRequest builds an in-dialog request, RFC 3261 12.2.1.1.
// The local sequence number is incremented for every method except ACK and CANCEL,
// these reuse the current number.
func (d *Dialog) CreateRequest(ctx context.Context, method sip.RequestMethod) (*sip.Request, error) {
	_, unlock := d.Lock(ctx)
	defer unlock()

	if d.State() == StateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	method = util.UCase(method)
	if method != sip.RequestMethodAck && method != sip.RequestMethodCancel {
		d.local.CSeq++
	}
	return d.buildRequest(method, d.local.CSeq), nil
}

// CreateAck builds the ACK for a 2xx response to the INVITE sent in this dialog.
func (d *Dialog) CreateAck(ctx context.Context, invite *sip.Request) (*sip.Request, error) {
	if !invite.IsInvite() || invite.Headers.CSeq == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("not an INVITE request"))
	}

	_, unlock := d.Lock(ctx)
	defer unlock()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ack := d.buildRequest(sip.RequestMethodAck, invite.Headers.CSeq.Seq)
	ack.Headers.Contact = nil
	return ack, nil
}

// buildRequest must be called with d.mu held.
func (d *Dialog) buildRequest(method sip.RequestMethod, seq uint32) *sip.Request {
	route := cloneRoutes(d.routeSet)
	target := d.target
	var reqURI *sip.URI
	if len(route) > 0 && route[0].URI != nil && !route[0].URI.Params.Has("lr") {
		// strict router, RFC 3261 12.2.1.1
		reqURI = route[0].URI.Clone()
		reqURI.Params = nil
		route = append(route[1:], sip.NameAddr{URI: target.Clone()})
	}

	req := sip.NewRequest(method, target, d.local.Addr, d.remote.Addr, &sip.RequestOptions{
		CallID:  d.callID,
		CSeq:    seq,
		Contact: d.contact,
		Route:   route,
	})
	if reqURI != nil {
		req.URI = reqURI
	}
	return req
}

// SendRequest sends the request created with [Dialog.CreateRequest] in a new client transaction.
// The dialog layer is the transaction user, state changes are passed to the usages.
func (d *Dialog) SendRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	if req.IsAck() {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("ACK is sent with SendAck"))
	}

	ctx, unlock := d.Lock(ctx)
	defer unlock()

	if d.State() == StateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}
	ep := d.layer.Endpoint()
	if ep == nil {
		return nil, errtrace.Wrap(ErrLayerNotLoaded)
	}

	tx, err := ep.TransactionLayer().NewClientTransaction(ctx, req, d.layer, &sip.ClientTransactionOptions{
		GroupLock: d.grp,
		Log:       d.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	d.track(tx)
	if d.role == RoleUAC && d.State() == StateNull {
		d.initTx = tx
	}

	if err := tx.Start(ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// SendAck sends the ACK for a 2xx response statelessly.
func (d *Dialog) SendAck(ctx context.Context, ack *sip.Request) error {
	if !ack.IsAck() {
		return errtrace.Wrap(sip.NewInvalidArgumentError("not an ACK request"))
	}
	ep := d.layer.Endpoint()
	if ep == nil {
		return errtrace.Wrap(ErrLayerNotLoaded)
	}

	var sendErr error
	sts := ep.SendRequest(ctx, ack, func(ctx context.Context, r sip.SendResult) {
		if r.Err != nil {
			sendErr = r.Err
			d.log.LogAttrs(ctx, slog.LevelWarn, "ACK not sent",
				slog.Any("dialog", d),
				slog.Any("error", r.Err),
			)
		}
	})
	if sts == sip.SendFailed {
		return errtrace.Wrap(sendErr)
	}
	return nil
}

// CreateResponse builds a response to the in-dialog or dialog creating request.
// The To tag is set to the local tag, 101-299 responses to target refresh requests carry the local Contact.
func (d *Dialog) CreateResponse(req *sip.Request, status sip.ResponseStatus, reason string) *sip.Response {
	res := req.NewResponse(status, reason)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if status != sip.ResponseStatusTrying && res.Headers.To != nil {
		res.Headers.To.SetTag(d.local.Tag)
	}
	if status > sip.ResponseStatusTrying && status < 300 && isTargetRefresh(req.Method) && d.contact != nil {
		res.Headers.Contact = []sip.NameAddr{*d.contact.Clone()}
	}
	return res
}

// Respond sends the response in the server transaction and updates the dialog state
// when the transaction is the dialog creating one.
func (d *Dialog) Respond(ctx context.Context, tx sip.ServerTransaction, res *sip.Response) error {
	ctx, unlock := d.Lock(ctx)
	defer unlock()

	if err := tx.Respond(ctx, res); err != nil {
		return errtrace.Wrap(err)
	}
	if tx != d.initTx || d.State() == StateTerminated {
		return nil
	}

	switch {
	case res.Status.IsProvisional() && res.Status != sip.ResponseStatusTrying:
		if d.State() == StateNull {
			d.setState(ctx, StateEarly)
		}
	case res.Status.IsSuccessful():
		if d.State() != StateConfirmed {
			d.setState(ctx, StateConfirmed)
		}
	case res.Status.IsFailure():
		if d.State() != StateConfirmed {
			d.terminate(ctx)
		}
	}
	return nil
}

// track makes the dialog the owner of the transaction, the group lock must be held.
func (d *Dialog) track(tx sip.Transaction) {
	tx.SetValue(txValueKey{}, d)
	d.AddRef()
}

func (d *Dialog) setState(ctx context.Context, st State) {
	prev := d.State()
	if prev == st {
		return
	}
	d.state.Store(st)

	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog state changed",
		slog.Any("dialog", d),
		slog.String("prev_state", string(prev)),
	)

	for u := range d.usages.All() {
		u.OnDialogState(ctx, d, prev)
	}
	for fn := range d.onState.All() {
		fn(ctx, d, prev)
	}
}

func (d *Dialog) terminate(ctx context.Context) {
	if d.State() == StateTerminated {
		return
	}

	d.mu.RLock()
	forks := slices.Clone(d.forks)
	d.mu.RUnlock()
	for _, f := range forks {
		if f.State() != StateConfirmed {
			f.terminate(ctx)
		}
	}

	d.setState(ctx, StateTerminated)
	// release the reference held by the layer
	d.DecRef(ctx)
}

func (d *Dialog) destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	d.layer.remove(d)
	d.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog destroyed", slog.Any("dialog", d))
}

// recvRequest handles a new in-dialog request.
func (d *Dialog) recvRequest(ctx context.Context, req *sip.Request) {
	ctx, unlock := d.Lock(ctx)
	defer unlock()

	if req.IsAck() {
		d.offerRequest(ctx, req)
		return
	}

	ep := d.layer.Endpoint()
	tx, err := ep.TransactionLayer().NewServerTransaction(ctx, req, d.layer, &sip.ServerTransactionOptions{
		GroupLock: d.grp,
		Log:       d.log,
	})
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "failed to create in-dialog server transaction",
			slog.Any("dialog", d),
			slog.Any("request", req),
			slog.Any("error", err),
		)
		status, reason := sip.StatusFromError(err)
		ep.RespondStateless(ctx, req, status, reason) //nolint:errcheck
		return
	}
	d.track(tx)

	if d.State() == StateTerminated {
		d.Respond(ctx, tx, d.CreateResponse(req, sip.ResponseStatusCallTransactionNotExist, "")) //nolint:errcheck
		return
	}

	d.mu.Lock()
	seq, last := req.Headers.CSeq.Seq, d.remote.CSeq
	outOfOrder := last != 0 && seq <= last && !req.Method.Equal(sip.RequestMethodCancel)
	if !outOfOrder {
		d.remote.CSeq = seq
		if isTargetRefresh(req.Method) && len(req.Headers.Contact) > 0 && req.Headers.Contact[0].URI != nil {
			d.target = req.Headers.Contact[0].URI.Clone()
		}
	}
	d.mu.Unlock()

	if outOfOrder {
		err := fmt.Errorf("%w: CSeq %d is not above %d", sip.ErrProtocolViolation, seq, last)
		d.log.LogAttrs(ctx, slog.LevelWarn, "rejecting in-dialog request",
			slog.Any("dialog", d),
			slog.Any("request", req),
			slog.Any("error", err),
		)
		status, reason := sip.StatusFromError(err)
		d.Respond(ctx, tx, d.CreateResponse(req, status, reason)) //nolint:errcheck
		return
	}

	if !d.offerRequest(ctx, req) {
		d.Respond(ctx, tx, d.CreateResponse(req, sip.ResponseStatusNotImplemented, "")) //nolint:errcheck
	}
}

func (d *Dialog) offerRequest(ctx context.Context, req *sip.Request) bool {
	for u := range d.usages.All() {
		if u.OnRxRequest(ctx, d, req) {
			return true
		}
	}
	d.log.LogAttrs(ctx, slog.LevelDebug, "in-dialog request not claimed by usages",
		slog.Any("dialog", d),
		slog.Any("request", req),
	)
	return false
}

// recvNotify confirms an early subscription dialog with the first NOTIFY, RFC 6665 4.1.2.4.
func (d *Dialog) recvNotify(ctx context.Context, req *sip.Request) {
	lctx, unlock := d.Lock(ctx)
	td := d.dialogForTag(lctx, req.Headers.From.Tag())
	if td.State() != StateConfirmed && td.State() != StateTerminated {
		td.mu.Lock()
		if len(req.Headers.Contact) > 0 && req.Headers.Contact[0].URI != nil {
			td.target = req.Headers.Contact[0].URI.Clone()
		}
		if !td.routeFrozen {
			td.routeSet = cloneRoutes(req.Headers.RecordRoute)
			td.routeFrozen = true
		}
		td.mu.Unlock()
		td.setState(lctx, StateConfirmed)
	}
	unlock()

	td.recvRequest(ctx, req)
}

// recvResponse handles a response with no matching client transaction.
func (d *Dialog) recvResponse(ctx context.Context, res *sip.Response) {
	ctx, unlock := d.Lock(ctx)
	defer unlock()

	td := d
	if d.role == RoleUAC {
		td = d.dialogForTag(ctx, res.Headers.To.Tag())
		td.updateFromResponse(ctx, res, true)
	}
	if td.State() == StateTerminated {
		d.log.LogAttrs(ctx, slog.LevelDebug, "response to terminated dialog", slog.Any("dialog", td), slog.Any("response", res))
	}
	for u := range td.usages.All() {
		u.OnRxResponse(ctx, td, res)
	}
}

// onTsxState handles state changes of the dialog transactions, the group lock is held.
//
// A failed dialog creating transaction terminates the dialog only when no usage is attached,
// usages decide themselves whether to retry in the same dialog or to detach.
func (d *Dialog) onTsxState(ctx context.Context, tx sip.Transaction, ev *sip.Event) {
	td := d
	var failed, broken bool
	if tx.Type().IsClient() {
		initial := tx == d.initTx
		if res := ev.Src.RxResponse(); res != nil {
			if initial {
				// failure responses never establish a dialog
				if failed = res.Status.IsFailure(); !failed {
					td = d.dialogForTag(ctx, res.Headers.To.Tag())
				}
			}
			broken = td.updateFromResponse(ctx, res, initial)
		} else if initial && tx.State() == sip.TransactionStateTerminated && tx.Err() != nil {
			failed = true
		}
	}

	for u := range td.usages.All() {
		u.OnTsxState(ctx, td, tx, ev)
	}

	switch {
	case broken:
		td.terminate(ctx)
	case failed && td.State() != StateConfirmed && td.usages.Len() == 0:
		td.terminate(ctx)
	}
	if tx.State() == sip.TransactionStateDestroyed {
		if d.initTx == tx {
			d.initTx = nil
		}
		d.DecRef(ctx)
	}
}

// dialogForTag returns the dialog for the remote tag of a response to the dialog creating request.
// The first tag establishes the dialog, other tags create forks.
func (d *Dialog) dialogForTag(ctx context.Context, tag string) *Dialog {
	if tag == "" || d.role != RoleUAC {
		return d
	}

	d.mu.Lock()
	switch d.remote.Tag {
	case tag:
		d.mu.Unlock()
		return d
	case "":
		d.remote.Tag = tag
		d.remote.Addr.SetTag(tag)
		d.mu.Unlock()
		d.layer.add(d)
		return d
	}
	for _, f := range d.forks {
		if f.remote.Tag == tag {
			d.mu.Unlock()
			return f
		}
	}

	f := newDialog(d.layer, RoleUAC, d.grp, d.callID)
	f.parent = d
	f.local = d.local.clone()
	f.remote = Party{Addr: d.remote.Addr.Clone(), Tag: tag}
	f.remote.Addr.SetTag(tag)
	f.target = d.target.Clone()
	f.contact = d.contact.Clone()
	d.forks = append(d.forks, f)
	d.mu.Unlock()

	for u := range d.usages.All() {
		f.usages.Insert(u.Priority(), u)
	}
	d.layer.add(f)

	d.log.LogAttrs(ctx, slog.LevelDebug, "dialog forked", slog.Any("dialog", d), slog.Any("fork", f))
	return f
}

// updateFromResponse applies a response received in the dialog.
// It reports whether the response breaks an established dialog, RFC 3261 12.2.1.2.
func (d *Dialog) updateFromResponse(ctx context.Context, res *sip.Response, initial bool) bool {
	if d.State() == StateTerminated {
		return false
	}

	if !initial {
		if res.Status.IsSuccessful() && isTargetRefresh(res.Method()) {
			d.refreshTarget(res)
		}
		return res.Status == sip.ResponseStatusCallTransactionNotExist ||
			res.Status == sip.ResponseStatusRequestTimeout
	}

	switch {
	case res.Status.IsProvisional():
		if res.Status == sip.ResponseStatusTrying || res.Headers.To.Tag() == "" {
			return false
		}
		d.applyEstablishing(res, false)
		if d.State() == StateNull {
			d.setState(ctx, StateEarly)
		}
	case res.Status.IsSuccessful():
		d.applyEstablishing(res, true)
		if d.State() != StateConfirmed {
			d.setState(ctx, StateConfirmed)
		}
	}
	return false
}

// applyEstablishing updates the remote target and route set from a 101-299 response
// to the dialog creating request, RFC 3261 12.1.2.
func (d *Dialog) applyEstablishing(res *sip.Response, final bool) {
	d.refreshTarget(res)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.routeFrozen {
		return
	}
	if len(res.Headers.RecordRoute) > 0 {
		d.routeSet = cloneRoutes(res.Headers.RecordRoute)
		slices.Reverse(d.routeSet)
		d.routeFrozen = true
		return
	}
	if final {
		d.routeFrozen = true
	}
}

func (d *Dialog) refreshTarget(msg sip.Message) {
	hdrs := msg.MessageHeaders()
	if len(hdrs.Contact) == 0 || hdrs.Contact[0].URI == nil {
		return
	}
	d.mu.Lock()
	d.target = hdrs.Contact[0].URI.Clone()
	d.mu.Unlock()
}

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("role", d.role.String()),
		slog.Any("id", d.ID()),
		slog.String("state", string(d.State())),
	)
}

func (d *Dialog) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s dialog %s", d.role, d.ID())
}

// isTargetRefresh reports whether the method can update the remote target, RFC 3261 12.2 and RFC 6665 4.1.
func isTargetRefresh(method sip.RequestMethod) bool {
	switch util.UCase(method) {
	case sip.RequestMethodInvite, sip.RequestMethodUpdate, sip.RequestMethodSubscribe,
		sip.RequestMethodNotify, sip.RequestMethodRefer:
		return true
	default:
		return false
	}
}

func cloneRoutes(rs []sip.NameAddr) []sip.NameAddr {
	if len(rs) == 0 {
		return nil
	}
	out := make([]sip.NameAddr, len(rs))
	for i := range rs {
		out[i] = *rs[i].Clone()
	}
	return out
}
