// Package regc implements a SIP registration client (RFC 3261 section 10).
package regc

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/samber/lo"

	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/timeutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
)

// ModuleName is the transaction user name of a [Client].
const ModuleName = "regc"

// Client errors.
const (
	ErrBusy   sip.Error = "registration in progress"
	ErrClosed sip.Error = "registration client closed"
)

// DefaultExpires is the registration interval requested when none is given.
const DefaultExpires = 3600 * time.Second

// Status is the outcome of a REGISTER transaction.
type Status struct {
	// Err is set when the transaction failed without a final response.
	Err error
	// Code is the final response status, or the status mapped from Err.
	Code   sip.ResponseStatus
	Reason string
	// Expiration is the interval granted to the local contact, zero after unregistration.
	Expiration time.Duration
	// Contacts are all bindings of the address of record returned by the registrar.
	Contacts []sip.NameAddr
}

// IsRegistered reports whether the status confirms an active binding.
func (s Status) IsRegistered() bool { return s.Err == nil && s.Code.IsSuccessful() && s.Expiration > 0 }

// LogValue implements [slog.LogValuer].
func (s Status) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("code", int(s.Code)),
		slog.String("reason", s.Reason),
		slog.Duration("expiration", s.Expiration),
		slog.Int("contacts", len(s.Contacts)),
	}
	if s.Err != nil {
		attrs = append(attrs, slog.Any("error", s.Err))
	}
	return slog.GroupValue(attrs...)
}

// Callback is called after every final response or transaction failure with the client lock held.
type Callback = func(ctx context.Context, c *Client, st Status)

// Options contains options of a registration client.
type Options struct {
	// Registrar is the Request-URI of REGISTER requests. Required.
	Registrar *sip.URI
	// AOR is the address of record put into From and To. Required.
	AOR *sip.NameAddr
	// Contact is the registered contact. Required.
	Contact *sip.NameAddr
	// Route is the pre-loaded route set.
	Route []sip.NameAddr
	// AutoRefresh makes the client refresh the binding before it expires.
	AutoRefresh bool
	// Callback receives registration results.
	Callback Callback
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Client registers one contact of an address of record.
//
// All REGISTER requests of a client share the Call-ID and increment the CSeq.
type Client struct {
	sip.ModuleBase

	ep     *sip.Endpoint
	grp    *sip.GroupLock
	log    *slog.Logger
	opts   Options
	callID string
	tag    string

	// guarded by the group lock
	seq     uint32
	expires time.Duration
	tx      sip.ClientTransaction
	last    Status
	tmr     *timeutil.Timer
	closed  bool
}

// NewClient creates a registration client sending requests through the endpoint.
func NewClient(ep *sip.Endpoint, opts *Options) (*Client, error) {
	if opts == nil || opts.Registrar == nil || opts.AOR == nil || opts.AOR.URI == nil ||
		opts.Contact == nil || opts.Contact.URI == nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("registrar, AOR and contact are required"))
	}
	return &Client{
		ep:     ep,
		grp:    sip.NewGroupLock("regc"),
		log:    opts.log(),
		opts:   *opts,
		callID: sip.GenerateCallID(),
		tag:    sip.GenerateTag(),
		seq:    util.RandUint32()%(1<<16) + 1,
	}, nil
}

func (*Client) Name() string { return ModuleName }

func (*Client) Priority() int { return sip.PriorityApplication }

// CallID returns the Call-ID of the client REGISTER requests.
func (c *Client) CallID() string { return c.callID }

// Status returns the last registration status.
func (c *Client) Status(ctx context.Context) Status {
	_, unlock := c.grp.Acquire(ctx)
	defer unlock()
	return c.last
}

// Register sends REGISTER binding the contact for the interval.
// A zero interval means [DefaultExpires]. The result is passed to the callback.
func (c *Client) Register(ctx context.Context, expires time.Duration) error {
	ctx, unlock := c.grp.Acquire(ctx)
	defer unlock()

	if expires <= 0 {
		expires = DefaultExpires
	}
	c.expires = expires
	return errtrace.Wrap(c.send(ctx, expires))
}

// Unregister removes the contact binding and stops automatic refreshes.
func (c *Client) Unregister(ctx context.Context) error {
	ctx, unlock := c.grp.Acquire(ctx)
	defer unlock()

	c.expires = 0
	c.stopTimer()
	return errtrace.Wrap(c.send(ctx, 0))
}

// Close stops automatic refreshes, the binding is left to expire.
// Close does not wait for a pending transaction.
func (c *Client) Close(ctx context.Context) {
	_, unlock := c.grp.Acquire(ctx)
	defer unlock()

	c.closed = true
	c.stopTimer()
}

func (c *Client) send(ctx context.Context, expires time.Duration) error {
	if c.closed {
		return errtrace.Wrap(ErrClosed)
	}
	if c.tx != nil {
		return errtrace.Wrap(ErrBusy)
	}

	req := c.newRequest(expires)
	tx, err := c.ep.TransactionLayer().NewClientTransaction(ctx, req, c, &sip.ClientTransactionOptions{
		GroupLock: c.grp,
		Log:       c.log,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	c.tx = tx

	c.log.LogAttrs(ctx, slog.LevelDebug, "sending REGISTER",
		slog.String("call_id", c.callID),
		slog.Duration("expires", expires),
	)
	if err := tx.Start(ctx); err != nil {
		c.tx = nil
		return errtrace.Wrap(err)
	}
	return nil
}

func (c *Client) newRequest(expires time.Duration) *sip.Request {
	from := c.opts.AOR.Clone()
	from.SetTag(c.tag)
	to := c.opts.AOR.Clone()
	to.SetTag("")

	secs := strconv.Itoa(int(expires / time.Second))
	contact := c.opts.Contact.Clone()
	contact.Params = contact.Params.Set("expires", secs)

	c.seq++
	req := sip.NewRequest(sip.RequestMethodRegister, c.opts.Registrar, from, to, &sip.RequestOptions{
		CallID:  c.callID,
		CSeq:    c.seq,
		Contact: contact,
		Route:   c.opts.Route,
	})
	req.Headers.Set(sip.HeaderExpires, secs)
	return req
}

// OnTsxState reports the result of the REGISTER transaction.
func (c *Client) OnTsxState(ctx context.Context, tx sip.Transaction, ev *sip.Event) {
	if c.tx == nil || tx != c.tx {
		return
	}

	var st Status
	if res := ev.Src.RxResponse(); res != nil {
		if res.Status.IsProvisional() {
			return
		}
		st = c.statusOf(res)
	} else if tx.State() == sip.TransactionStateTerminated && tx.Err() != nil {
		st.Err = tx.Err()
		st.Code, st.Reason = sip.StatusFromError(tx.Err())
	} else {
		return
	}
	c.tx = nil
	c.last = st

	c.log.LogAttrs(ctx, slog.LevelDebug, "registration status", slog.Any("status", st))

	if st.IsRegistered() && c.opts.AutoRefresh && c.expires > 0 && !c.closed {
		c.startTimer(ctx, st.Expiration)
	}
	if c.opts.Callback != nil {
		c.opts.Callback(ctx, c, st)
	}
}

func (c *Client) statusOf(res *sip.Response) Status {
	st := Status{Code: res.Status, Reason: res.Reason}
	if st.Reason == "" {
		st.Reason = res.Status.Reason()
	}
	if !res.Status.IsSuccessful() {
		return st
	}

	st.Contacts = lo.Map(res.Headers.Contact, func(na sip.NameAddr, _ int) sip.NameAddr { return *na.Clone() })
	if c.expires == 0 {
		return st
	}

	st.Expiration = c.expires
	if v, ok := res.Headers.Get(sip.HeaderExpires); ok {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			st.Expiration = time.Duration(secs) * time.Second
		}
	}
	own, ok := lo.Find(st.Contacts, func(na sip.NameAddr) bool { return na.URI.Equal(c.opts.Contact.URI) })
	if !ok {
		// the registrar dropped our binding
		st.Expiration = 0
		return st
	}
	if secs, ok := own.Expires(); ok && secs >= 0 {
		st.Expiration = time.Duration(secs) * time.Second
	}
	return st
}

func (c *Client) startTimer(ctx context.Context, expiration time.Duration) {
	c.stopTimer()

	d := expiration / 2
	if expiration > time.Minute {
		d = expiration - 30*time.Second
	}
	var tmr *timeutil.Timer
	tmr = timeutil.AfterFunc(d, func() {
		ctx, unlock := c.grp.Acquire(context.Background())
		defer unlock()
		if c.tmr != tmr {
			return
		}
		c.tmr = nil
		if err := c.send(ctx, c.expires); err != nil {
			c.log.LogAttrs(ctx, slog.LevelWarn, "failed to refresh registration", slog.Any("error", err))
		}
	})
	c.tmr = tmr

	c.log.LogAttrs(ctx, slog.LevelDebug, "registration refresh scheduled",
		slog.Duration("expiration", expiration),
		slog.Duration("fires_in", d),
	)
}

func (c *Client) stopTimer() {
	if c.tmr != nil {
		c.tmr.Stop()
		c.tmr = nil
	}
}

// LogValue implements [slog.LogValuer].
func (c *Client) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("call_id", c.callID),
		slog.Any("aor", c.opts.AOR.URI),
	)
}
