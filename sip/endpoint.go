package sip

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/internal/util"
)

// EndpointOptions are the options of an [Endpoint].
type EndpointOptions struct {
	// Timings are the default SIP timings of all transactions.
	// If zero, the RFC 3261 defaults are used.
	Timings TimingConfig
	// Resolver resolves next-hop targets.
	// If nil, a [StaticResolver] is used.
	Resolver Resolver
	// Parser is used by [Endpoint.ReceiveRaw].
	Parser Parser
	// UserAgent is added to outbound requests without a User-Agent header.
	UserAgent string
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *EndpointOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *EndpointOptions) resolver() Resolver {
	if o == nil || o.Resolver == nil {
		return &StaticResolver{}
	}
	return o.Resolver
}

func (o *EndpointOptions) parser() Parser {
	if o == nil {
		return nil
	}
	return o.Parser
}

func (o *EndpointOptions) userAgent() string {
	if o == nil {
		return ""
	}
	return o.UserAgent
}

func (o *EndpointOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type endpointState int32

const (
	endpointCreated endpointState = iota
	endpointStarted
	endpointStopped
	endpointClosed
)

// Endpoint is the explicit context object of the stack.
// It owns the transports, the module chain and the transaction layer.
//
// Lifecycle: [NewEndpoint] → [Endpoint.RegisterModule] → [Endpoint.Start] → ...
// → [Endpoint.Stop] → [Endpoint.Close].
type Endpoint struct {
	timings  TimingConfig
	resolver Resolver
	parser   Parser
	ua       string
	log      *slog.Logger

	state atomic.Int32

	modsMu sync.Mutex
	mods   types.PriorityList[Module]
	names  map[string]Module

	tpsMu sync.RWMutex
	tps   map[string]Transport

	txl *TransactionLayer
}

// NewEndpoint creates a new endpoint with a registered [TransactionLayer].
// Options are optional, if nil, default values are used (see [EndpointOptions]).
func NewEndpoint(opts *EndpointOptions) *Endpoint {
	ep := &Endpoint{
		timings:  opts.timings(),
		resolver: opts.resolver(),
		parser:   opts.parser(),
		ua:       opts.userAgent(),
		log:      opts.log(),
		names:    make(map[string]Module),
		tps:      make(map[string]Transport),
	}
	ep.txl = newTransactionLayer(ep)
	if err := ep.RegisterModule(context.Background(), ep.txl); err != nil {
		ep.log.LogAttrs(context.Background(), slog.LevelError, "failed to register transaction layer",
			slog.Any("endpoint", ep),
			slog.Any("error", err),
		)
	}
	return ep
}

// Timings returns the default timing config.
func (ep *Endpoint) Timings() TimingConfig { return ep.timings }

// Log returns the endpoint logger.
func (ep *Endpoint) Log() *slog.Logger { return ep.log }

// TransactionLayer returns the transaction layer module.
func (ep *Endpoint) TransactionLayer() *TransactionLayer { return ep.txl }

// LogValue implements [slog.LogValuer].
func (ep *Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("modules", ep.mods.Len()),
		slog.Int("state", int(ep.state.Load())),
	)
}

// RegisterModule loads the module and inserts it into the dispatch chain.
// A module registered on a started endpoint is started immediately.
func (ep *Endpoint) RegisterModule(ctx context.Context, mod Module) error {
	if mod == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid module"))
	}

	ep.modsMu.Lock()
	defer ep.modsMu.Unlock()

	if endpointState(ep.state.Load()) == endpointClosed {
		return errtrace.Wrap(ErrEndpointClosed)
	}
	if _, ok := ep.names[mod.Name()]; ok {
		return errtrace.Wrap(fmt.Errorf("%w: %q", ErrModuleRegistered, mod.Name()))
	}

	if err := mod.Load(ctx, ep); err != nil {
		return errtrace.Wrap(fmt.Errorf("load module %q: %w", mod.Name(), err))
	}
	if endpointState(ep.state.Load()) == endpointStarted {
		if err := mod.Start(ctx); err != nil {
			mod.Unload(ctx) //nolint:errcheck
			return errtrace.Wrap(fmt.Errorf("start module %q: %w", mod.Name(), err))
		}
	}

	ep.names[mod.Name()] = mod
	ep.mods.Insert(mod.Priority(), mod)

	ep.log.LogAttrs(ctx, slog.LevelDebug, "module registered",
		slog.String("module", mod.Name()),
		slog.Int("priority", mod.Priority()),
	)
	return nil
}

// UnregisterModule removes the module from the dispatch chain, stops and unloads it.
// In-flight dispatches that already took a snapshot of the chain may still reach the module.
func (ep *Endpoint) UnregisterModule(ctx context.Context, mod Module) error {
	ep.modsMu.Lock()
	defer ep.modsMu.Unlock()

	if mod == nil || ep.names[mod.Name()] != mod {
		return errtrace.Wrap(ErrModuleNotFound)
	}
	delete(ep.names, mod.Name())
	ep.mods.Remove(mod)

	var errs []error
	if endpointState(ep.state.Load()) == endpointStarted {
		errs = append(errs, mod.Stop(ctx))
	}
	errs = append(errs, mod.Unload(ctx))
	return errtrace.Wrap(errorutil.JoinPrefix(fmt.Sprintf("unregister module %q:", mod.Name()), errs...))
}

// Module returns the registered module with the given name.
func (ep *Endpoint) Module(name string) (Module, bool) {
	ep.modsMu.Lock()
	defer ep.modsMu.Unlock()
	mod, ok := ep.names[name]
	return mod, ok
}

// Modules iterates over the registered modules in dispatch order.
func (ep *Endpoint) Modules() iter.Seq[Module] { return ep.mods.All() }

// Start starts all modules in priority order.
func (ep *Endpoint) Start(ctx context.Context) error {
	ep.modsMu.Lock()
	defer ep.modsMu.Unlock()

	switch endpointState(ep.state.Load()) {
	case endpointStarted:
		return nil
	case endpointClosed:
		return errtrace.Wrap(ErrEndpointClosed)
	}

	var started []Module
	for mod := range ep.mods.All() {
		if err := mod.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop(ctx) //nolint:errcheck
			}
			return errtrace.Wrap(fmt.Errorf("start module %q: %w", mod.Name(), err))
		}
		started = append(started, mod)
	}
	ep.state.Store(int32(endpointStarted))

	ep.log.LogAttrs(ctx, slog.LevelDebug, "endpoint started", slog.Any("endpoint", ep))
	return nil
}

// Stop stops all modules in reverse priority order.
func (ep *Endpoint) Stop(ctx context.Context) error {
	ep.modsMu.Lock()
	defer ep.modsMu.Unlock()

	if endpointState(ep.state.Load()) != endpointStarted {
		return nil
	}
	ep.state.Store(int32(endpointStopped))
	return errtrace.Wrap(ep.stopModules(ctx))
}

func (ep *Endpoint) stopModules(ctx context.Context) error {
	var errs []error
	for mod := range ep.mods.Backward() {
		if err := mod.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("module %q: %w", mod.Name(), err))
		}
	}
	ep.log.LogAttrs(ctx, slog.LevelDebug, "endpoint stopped", slog.Any("endpoint", ep))
	return errtrace.Wrap(errorutil.JoinPrefix("stop modules:", errs...))
}

// Close stops the endpoint if needed and unloads all modules in reverse priority order.
func (ep *Endpoint) Close(ctx context.Context) error {
	ep.modsMu.Lock()
	defer ep.modsMu.Unlock()

	prev := endpointState(ep.state.Swap(int32(endpointClosed)))
	if prev == endpointClosed {
		return nil
	}

	var errs []error
	if prev == endpointStarted {
		errs = append(errs, ep.stopModules(ctx))
	}
	for mod := range ep.mods.Backward() {
		if err := mod.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unload module %q: %w", mod.Name(), err))
		}
		ep.mods.Remove(mod)
		delete(ep.names, mod.Name())
	}

	ep.log.LogAttrs(ctx, slog.LevelDebug, "endpoint closed")
	return errtrace.Wrap(errorutil.JoinPrefix("close endpoint:", errs...))
}

// AddTransport registers the transport for its protocol, replacing a previous one.
func (ep *Endpoint) AddTransport(tp Transport) {
	ep.tpsMu.Lock()
	ep.tps[util.UCase(tp.Proto())] = tp
	ep.tpsMu.Unlock()
}

// Transport returns the transport for the protocol or nil.
func (ep *Endpoint) Transport(proto string) Transport {
	ep.tpsMu.RLock()
	defer ep.tpsMu.RUnlock()
	return ep.tps[util.UCase(proto)]
}

// ReceiveRaw parses the raw message and dispatches it, see [Endpoint.ReceiveMessage].
// Parse errors drop the message.
func (ep *Endpoint) ReceiveRaw(ctx context.Context, data []byte, tp Transport, src netip.AddrPort, ts time.Time) error {
	if ep.parser == nil {
		return errtrace.Wrap(ErrNoParser)
	}
	msg, err := ep.parser.Parse(data)
	if err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "discarding malformed inbound message",
			slog.Any("source", src),
			slog.Any("error", err),
		)
		return errtrace.Wrap(NewInvalidMessageError(err))
	}
	return errtrace.Wrap(ep.receive(ctx, msg, &RxInfo{Transport: tp, Source: src, Time: ts}))
}

// ReceiveMessage dispatches a parsed inbound message through the module chain.
// Invalid messages are dropped before they reach the transaction layer.
func (ep *Endpoint) ReceiveMessage(ctx context.Context, msg Message, tp Transport, src netip.AddrPort) error {
	return errtrace.Wrap(ep.receive(ctx, msg, &RxInfo{Transport: tp, Source: src, Time: time.Now()}))
}

func (ep *Endpoint) receive(ctx context.Context, msg Message, rx *RxInfo) error {
	if endpointState(ep.state.Load()) == endpointClosed {
		return errtrace.Wrap(ErrEndpointClosed)
	}
	if err := msg.Validate(); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelWarn, "discarding invalid inbound message",
			slog.Any("message", msg),
			slog.Any("source", rx.Source),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}

	switch m := msg.(type) {
	case *Request:
		m.Rx = rx
		stampReceived(m, rx.Source)
		ep.dispatchRequest(ctx, m)
	case *Response:
		m.Rx = rx
		ep.dispatchResponse(ctx, m)
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
	}
	return nil
}

// stampReceived adds the received parameter to the top Via, RFC 3261 18.2.1.
func stampReceived(req *Request, src netip.AddrPort) {
	via := req.Headers.TopVia()
	if !src.IsValid() || via == nil {
		return
	}
	if addr, err := netip.ParseAddr(strings.Trim(via.Host, "[]")); err == nil && addr == src.Addr() {
		return
	}
	via.Params = via.Params.Set("received", src.Addr().Unmap().String())
	if v, ok := via.Params.Get("rport"); ok && v == "" {
		via.Params = via.Params.Set("rport", fmt.Sprint(src.Port()))
	}
}

func (ep *Endpoint) dispatchRequest(ctx context.Context, req *Request) {
	for mod := range ep.mods.All() {
		if mod.OnRxRequest(ctx, req) {
			return
		}
	}

	if req.IsAck() {
		ep.log.LogAttrs(ctx, slog.LevelDebug, "discarding unhandled ACK", slog.Any("request", req))
		return
	}
	ep.log.LogAttrs(ctx, slog.LevelDebug, "unhandled inbound request", slog.Any("request", req))
	if err := ep.RespondStateless(ctx, req, ResponseStatusNotImplemented, ""); err != nil {
		ep.log.LogAttrs(ctx, slog.LevelError, "failed to respond on unhandled request",
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

func (ep *Endpoint) dispatchResponse(ctx context.Context, res *Response) {
	for mod := range ep.mods.All() {
		mod.OnRxResponse(ctx, res)
	}
}

// SendRequest resolves the next hop of the request, completes its top Via, runs the
// pre-send hooks and hands it to the transport.
// Hostname resolution is asynchronous, the result is reported through cb.
func (ep *Endpoint) SendRequest(ctx context.Context, req *Request, cb SendCallback) SendStatus {
	if cb == nil {
		cb = func(context.Context, SendResult) {}
	}
	if err := req.Validate(); err != nil {
		cb(ctx, SendResult{Err: errtrace.Wrap(err)})
		return SendFailed
	}
	if ep.ua != "" {
		if _, ok := req.Headers.Get(HeaderUserAgent); !ok {
			req.Headers.Set(HeaderUserAgent, ep.ua)
		}
	}

	target := nextHop(req)
	if addr, err := netip.ParseAddr(strings.Trim(target.Host, "[]")); err == nil {
		return ep.sendRequestTo(ctx, req, []ServerAddr{{
			Proto: target.proto(),
			Addr:  netip.AddrPortFrom(addr, target.port()),
		}}, cb)
	}

	dctx := DetachContext(ctx)
	go ep.resolver.Resolve(dctx, target, func(addrs []ServerAddr, err error) {
		if err != nil {
			cb(dctx, SendResult{Err: errtrace.Wrap(err)})
			return
		}
		ep.sendRequestTo(dctx, req, addrs, cb)
	})
	return SendPending
}

func (ep *Endpoint) sendRequestTo(ctx context.Context, req *Request, addrs []ServerAddr, cb SendCallback) SendStatus {
	var lastErr error = ErrNoTarget
	for _, sa := range addrs {
		tp := ep.Transport(sa.Proto)
		if tp == nil {
			lastErr = fmt.Errorf("%w: %s", ErrNoTransport, sa.Proto)
			continue
		}

		if via := req.Headers.TopVia(); via != nil {
			la := tp.LocalAddr()
			via.Transport = util.UCase(tp.Proto())
			via.Host = sentByHost(la.Addr())
			via.Port = la.Port()
		}

		return ep.sendTo(ctx, req, tp, sa.Addr, cb)
	}

	cb(ctx, SendResult{Err: errtrace.Wrap(lastErr)})
	return SendFailed
}

// SendResponse sends the response back to the source of the request it was created for,
// or to the address of the top Via (RFC 3261 18.2.2).
func (ep *Endpoint) SendResponse(ctx context.Context, res *Response, cb SendCallback) SendStatus {
	if cb == nil {
		cb = func(context.Context, SendResult) {}
	}
	if err := res.Validate(); err != nil {
		cb(ctx, SendResult{Err: errtrace.Wrap(err)})
		return SendFailed
	}

	tp, dst, err := ep.responseDest(res)
	if err != nil {
		cb(ctx, SendResult{Err: errtrace.Wrap(err)})
		return SendFailed
	}

	return ep.sendTo(ctx, res, tp, dst, cb)
}

// sendTo runs the pre-send hooks and hands the message to the given transport.
func (ep *Endpoint) sendTo(ctx context.Context, msg Message, tp Transport, dst netip.AddrPort, cb SendCallback) SendStatus {
	for mod := range ep.mods.All() {
		var err error
		switch m := msg.(type) {
		case *Request:
			err = mod.OnTxRequest(ctx, m)
		case *Response:
			err = mod.OnTxResponse(ctx, m)
		}
		if err != nil {
			cb(ctx, SendResult{tp, dst, errtrace.Wrap(fmt.Errorf("%w: %s: %w", ErrSendVetoed, mod.Name(), err))})
			return SendFailed
		}
	}
	return ep.transmit(ctx, msg, tp, dst, cb)
}

func (ep *Endpoint) responseDest(res *Response) (Transport, netip.AddrPort, error) {
	if rx := res.reqRx; rx != nil && rx.Transport != nil && rx.Source.IsValid() {
		return rx.Transport, rx.Source, nil
	}

	via := res.Headers.TopVia()
	if via == nil {
		return nil, netip.AddrPort{}, errtrace.Wrap(NewInvalidMessageError("missing Via"))
	}
	dst, ok := via.ResponseAddr()
	if !ok {
		return nil, netip.AddrPort{}, errtrace.Wrap(fmt.Errorf("%w: unresolvable Via %q", ErrNoTarget, via.SentBy()))
	}
	tp := ep.Transport(via.Transport)
	if tp == nil {
		return nil, netip.AddrPort{}, errtrace.Wrap(fmt.Errorf("%w: %s", ErrNoTransport, via.Transport))
	}
	return tp, dst, nil
}

// retransmit resends an already sent message without running the pre-send hooks.
func (ep *Endpoint) retransmit(ctx context.Context, msg Message, tp Transport, dst netip.AddrPort, cb SendCallback) SendStatus {
	return ep.transmit(ctx, msg, tp, dst, cb)
}

func (ep *Endpoint) transmit(ctx context.Context, msg Message, tp Transport, dst netip.AddrPort, cb SendCallback) SendStatus {
	dctx := DetachContext(ctx)
	sts, err := tp.Send(ctx, msg, dst, func(err error) {
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrTransportError, err)
		}
		cb(dctx, SendResult{tp, dst, errtrace.Wrap(err)})
	})
	if err != nil || sts == SendFailed {
		if err == nil {
			err = errors.New("send failed")
		}
		ep.log.LogAttrs(ctx, slog.LevelDebug, "failed to send message",
			slog.Any("message", msg),
			slog.Any("destination", dst),
			slog.Any("error", err),
		)
		cb(ctx, SendResult{tp, dst, errtrace.Wrap(fmt.Errorf("%w: %w", ErrTransportError, err))})
		return SendFailed
	}

	ep.log.LogAttrs(ctx, slog.LevelDebug, "message sent",
		slog.Any("message", msg),
		slog.String("transport", tp.Proto()),
		slog.Any("destination", dst),
		slog.String("status", sts.String()),
	)
	if sts == SendSent {
		cb(ctx, SendResult{tp, dst, nil})
	}
	return sts
}

// RespondStateless sends a response to the request without creating a transaction.
func (ep *Endpoint) RespondStateless(ctx context.Context, req *Request, status ResponseStatus, reason string) error {
	if req.IsAck() {
		return errtrace.Wrap(NewInvalidArgumentError("cannot respond to ACK"))
	}

	var sendErr error
	res := req.NewResponse(status, reason)
	sts := ep.SendResponse(ctx, res, func(_ context.Context, r SendResult) {
		if r.Err != nil {
			ep.log.LogAttrs(ctx, slog.LevelWarn, "stateless response not sent",
				slog.Any("response", res),
				slog.Any("error", r.Err),
			)
		}
		sendErr = r.Err
	})
	if sts == SendFailed {
		return errtrace.Wrap(sendErr)
	}
	return nil
}
