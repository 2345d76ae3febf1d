package sip

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// SendStatus is the immediate result of a send.
type SendStatus uint8

const (
	// SendFailed means the message was not sent, the callback has already been called with the error.
	SendFailed SendStatus = iota
	// SendSent means the message was handed to the network synchronously.
	SendSent
	// SendPending means the result will be reported asynchronously.
	SendPending
)

func (s SendStatus) String() string {
	switch s {
	case SendSent:
		return "sent"
	case SendPending:
		return "pending"
	default:
		return "failed"
	}
}

// Transport sends messages over a single protocol.
// Socket handling is out of the core's scope, the core consumes transports through this interface.
type Transport interface {
	// Proto returns the transport protocol name in upper case: "UDP", "TCP", "TLS"...
	Proto() string
	// Reliable reports whether the transport guarantees delivery, i.e. retransmissions are not needed.
	Reliable() bool
	// LocalAddr returns the address used in the sent-by of outbound requests.
	LocalAddr() netip.AddrPort
	// Send sends the message to dst.
	// When it returns SendPending, done must be called exactly once from another goroutine.
	// For any other status done is never called.
	Send(ctx context.Context, msg Message, dst netip.AddrPort, done func(error)) (SendStatus, error)
}

// SendResult is reported to a [SendCallback] once the send completes.
type SendResult struct {
	Transport Transport
	Dest      netip.AddrPort
	Err       error
}

// SendCallback is called exactly once per send.
// Synchronous results are reported with the caller context,
// asynchronous ones with a detached context, see [DetachContext].
type SendCallback func(ctx context.Context, res SendResult)

// ResolveTarget is the next hop to resolve, taken from the first Route or the Request-URI.
type ResolveTarget struct {
	Host string
	// Port is zero when the URI has none.
	Port uint16
	// Proto is the transport parameter of the URI, may be empty.
	Proto  string
	Secure bool
}

// ServerAddr is a resolved next-hop address.
type ServerAddr struct {
	Proto string
	Addr  netip.AddrPort
}

// Resolver resolves next-hop targets (RFC 3263).
// The callback is called exactly once, possibly synchronously.
type Resolver interface {
	Resolve(ctx context.Context, target ResolveTarget, cb func([]ServerAddr, error))
}

// StaticResolver resolves IP literals and A/AAAA records with the system resolver.
// It does not perform NAPTR or SRV lookups.
type StaticResolver struct {
	// Resolver is the host resolver, [net.DefaultResolver] if nil.
	Resolver *net.Resolver
}

func (r *StaticResolver) Resolve(ctx context.Context, target ResolveTarget, cb func([]ServerAddr, error)) {
	proto := target.proto()
	port := target.port()

	if addr, err := netip.ParseAddr(strings.Trim(target.Host, "[]")); err == nil {
		cb([]ServerAddr{{proto, netip.AddrPortFrom(addr, port)}}, nil)
		return
	}

	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ips, err := res.LookupNetIP(ctx, "ip", target.Host)
	if err != nil {
		cb(nil, errtrace.Wrap(fmt.Errorf("%w: %w", ErrNoTarget, err)))
		return
	}

	addrs := make([]ServerAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ServerAddr{proto, netip.AddrPortFrom(ip.Unmap(), port)})
	}
	cb(addrs, nil)
}

func (t ResolveTarget) proto() string {
	switch {
	case t.Proto != "":
		return util.UCase(t.Proto)
	case t.Secure:
		return "TLS"
	default:
		return "UDP"
	}
}

func (t ResolveTarget) port() uint16 {
	if t.Port != 0 {
		return t.Port
	}
	return defaultPort(t.proto())
}

// Parser parses raw inbound messages. Wire parsing is provided by the application.
type Parser interface {
	Parse(data []byte) (Message, error)
}

// ParserFunc is a function adapter for [Parser].
type ParserFunc func(data []byte) (Message, error)

func (f ParserFunc) Parse(data []byte) (Message, error) { return errtrace.Wrap2(f(data)) }

// IsReliableProto reports whether the protocol is stream or association based.
func IsReliableProto(proto string) bool {
	switch util.UCase(proto) {
	case "TCP", "TLS", "SCTP", "TLS-SCTP", "WS", "WSS":
		return true
	default:
		return false
	}
}

func nextHop(req *Request) ResolveTarget {
	u := req.URI
	if len(req.Headers.Route) > 0 && req.Headers.Route[0].URI != nil {
		u = req.Headers.Route[0].URI
	}
	if mu, ok := u.Params.Get("maddr"); ok && mu != "" {
		u = u.Clone()
		u.Host = mu
	}
	return ResolveTarget{
		Host:   u.Host,
		Port:   u.Port,
		Proto:  u.Transport(),
		Secure: u.IsSecure(),
	}
}

func sentByHost(addr netip.Addr) string {
	if addr.Is6() && !addr.Is4In6() {
		return "[" + addr.String() + "]"
	}
	return addr.Unmap().String()
}
