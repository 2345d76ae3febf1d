package dns

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
)

type sipService struct {
	naptr  string
	srv    string
	proto  string
	secure bool
}

// services lists the supported NAPTR services in the default preference order.
var services = []sipService{
	{"SIP+D2U", "_sip._udp", "UDP", false},
	{"SIP+D2T", "_sip._tcp", "TCP", false},
	{"SIPS+D2T", "_sips._tcp", "TLS", true},
}

func serviceOf(proto string, secure bool) (sipService, bool) {
	proto = util.UCase(proto)
	if secure && proto == "TCP" {
		proto = "TLS"
	}
	for _, s := range services {
		if s.proto == proto {
			return s, true
		}
	}
	return sipService{}, false
}

// SIPResolverOptions contains options of a [SIPResolver].
type SIPResolverOptions struct {
	// Protocols restricts the transports the resolver may select, e.g. the transports of the endpoint.
	// If empty, UDP, TCP and TLS are allowed.
	Protocols []string
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

// SIPResolver locates SIP servers following RFC 3263 section 4.
// It implements [sip.Resolver].
type SIPResolver struct {
	r      *Resolver
	protos []string
	log    *slog.Logger
}

// NewSIPResolver creates a SIP server locator querying the resolver.
// A nil resolver means [DefaultResolver].
func NewSIPResolver(r *Resolver, opts *SIPResolverOptions) *SIPResolver {
	if r == nil {
		r = DefaultResolver()
	}
	sr := &SIPResolver{r: r, log: log.Default()}
	if opts != nil {
		for _, p := range opts.Protocols {
			sr.protos = append(sr.protos, util.UCase(p))
		}
		if opts.Log != nil {
			sr.log = opts.Log
		}
	}
	return sr
}

func (sr *SIPResolver) allowed(proto string) bool {
	return len(sr.protos) == 0 || slices.Contains(sr.protos, proto)
}

// Resolve selects the transport, port and addresses of the next hop:
//   - an IP literal or an explicit port skip NAPTR and SRV lookups;
//   - an explicit transport skips the NAPTR lookup;
//   - otherwise NAPTR records select the SRV names, without them all supported SRV names are tried;
//   - when no SRV record is found the host is resolved with the default port.
func (sr *SIPResolver) Resolve(ctx context.Context, target sip.ResolveTarget, cb func([]sip.ServerAddr, error)) {
	addrs, err := sr.resolve(ctx, target)
	if err != nil {
		cb(nil, errtrace.Wrap(fmt.Errorf("%w: %s: %w", sip.ErrNoTarget, target.Host, err)))
		return
	}
	sr.log.LogAttrs(ctx, slog.LevelDebug, "next hop resolved",
		slog.String("host", target.Host),
		slog.Any("addrs", addrs),
	)
	cb(addrs, nil)
}

func (sr *SIPResolver) resolve(ctx context.Context, target sip.ResolveTarget) ([]sip.ServerAddr, error) {
	host := strings.Trim(target.Host, "[]")
	proto := defaultProto(target)

	if ip, err := netip.ParseAddr(host); err == nil {
		return []sip.ServerAddr{{Proto: proto, Addr: netip.AddrPortFrom(ip.Unmap(), portOr(target.Port, proto))}}, nil
	}
	if target.Port != 0 {
		return errtrace.Wrap2(sr.lookupHost(ctx, host, proto, target.Port))
	}

	var cands []sipService
	if target.Proto != "" {
		if s, ok := serviceOf(target.Proto, target.Secure); ok {
			s.srv += "." + host
			cands = []sipService{s}
		}
	} else {
		cands = sr.naptrServices(ctx, host, target.Secure)
		if len(cands) == 0 {
			for _, s := range services {
				if (!target.Secure || s.secure) && sr.allowed(s.proto) {
					s.srv += "." + host
					cands = append(cands, s)
				}
			}
		}
	}

	var addrs []sip.ServerAddr
	for _, s := range cands {
		srvs, err := sr.r.LookupSRV(ctx, "", "", s.srv)
		if err != nil {
			sr.log.LogAttrs(ctx, slog.LevelDebug, "SRV lookup failed", slog.String("name", s.srv), slog.Any("error", err))
			continue
		}
		for _, srv := range srvs {
			as, err := sr.lookupHost(ctx, srv.Target, s.proto, srv.Port)
			if err != nil {
				sr.log.LogAttrs(ctx, slog.LevelDebug, "SRV target lookup failed", slog.String("target", srv.Target), slog.Any("error", err))
				continue
			}
			addrs = append(addrs, as...)
		}
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	return errtrace.Wrap2(sr.lookupHost(ctx, host, proto, 0))
}

// naptrServices returns SRV names of the supported NAPTR services in record order.
func (sr *SIPResolver) naptrServices(ctx context.Context, host string, secure bool) []sipService {
	recs, err := sr.r.LookupNAPTR(ctx, host)
	if err != nil {
		sr.log.LogAttrs(ctx, slog.LevelDebug, "NAPTR lookup failed", slog.String("host", host), slog.Any("error", err))
		return nil
	}

	var out []sipService
	for _, rec := range recs {
		if !util.EqFold(rec.Flags, "s") || rec.Replacement == "" || rec.Replacement == "." {
			continue
		}
		i := slices.IndexFunc(services, func(s sipService) bool { return util.EqFold(s.naptr, rec.Service) })
		if i < 0 {
			continue
		}
		s := services[i]
		if (secure && !s.secure) || !sr.allowed(s.proto) {
			continue
		}
		s.srv = rec.Replacement
		out = append(out, s)
	}
	return out
}

func (sr *SIPResolver) lookupHost(ctx context.Context, host, proto string, port uint16) ([]sip.ServerAddr, error) {
	ips, err := sr.r.LookupIP(ctx, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	port = portOr(port, proto)
	addrs := make([]sip.ServerAddr, len(ips))
	for i, ip := range ips {
		addrs[i] = sip.ServerAddr{Proto: proto, Addr: netip.AddrPortFrom(ip, port)}
	}
	return addrs, nil
}

func defaultProto(t sip.ResolveTarget) string {
	switch {
	case t.Proto != "":
		if t.Secure && util.EqFold(t.Proto, "TCP") {
			return "TLS"
		}
		return util.UCase(t.Proto)
	case t.Secure:
		return "TLS"
	default:
		return "UDP"
	}
}

func portOr(port uint16, proto string) uint16 {
	if port != 0 {
		return port
	}
	if proto == "TLS" {
		return 5061
	}
	return 5060
}
