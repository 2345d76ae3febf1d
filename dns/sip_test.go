package dns_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	mdns "github.com/miekg/dns"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/sip"
)

var zone = []string{
	`example.com. 60 IN NAPTR 10 50 "s" "SIP+D2T" "" _sip._tcp.example.com.`,
	`example.com. 60 IN NAPTR 20 50 "s" "SIP+D2U" "" _sip._udp.example.com.`,
	`example.com. 60 IN NAPTR 30 50 "u" "E2U+sip" "!^.*$!sip:info@example.com!" .`,
	`_sip._tcp.example.com. 60 IN SRV 0 10 5070 pbx.example.com.`,
	`_sip._udp.example.com. 60 IN SRV 0 10 5080 pbx.example.com.`,
	`pbx.example.com. 60 IN A 10.0.0.1`,

	`srvonly.test. 60 IN TXT "no naptr"`,
	`_sip._udp.srvonly.test. 60 IN SRV 10 0 5091 backup.srvonly.test.`,
	`_sip._udp.srvonly.test. 60 IN SRV 0 0 5090 main.srvonly.test.`,
	`main.srvonly.test. 60 IN A 10.0.0.2`,
	`backup.srvonly.test. 60 IN AAAA 2001:db8::2`,

	`plain.test. 60 IN A 10.0.0.3`,

	`sec.test. 60 IN NAPTR 10 50 "s" "SIP+D2U" "" _sip._udp.sec.test.`,
	`sec.test. 60 IN NAPTR 20 50 "s" "SIPS+D2T" "" _sips._tcp.sec.test.`,
	`_sip._udp.sec.test. 60 IN SRV 0 0 5060 pbx.sec.test.`,
	`_sips._tcp.sec.test. 60 IN SRV 0 0 5061 pbx.sec.test.`,
	`pbx.sec.test. 60 IN A 10.0.0.4`,
}

// serveZone starts an in-process DNS server answering from the zone records.
// Unknown names are answered with NXDOMAIN.
func serveZone(tb testing.TB, records []string) string {
	tb.Helper()

	type key struct {
		name  string
		qtype uint16
	}
	rrs := make(map[key][]mdns.RR)
	names := make(map[string]bool)
	for _, s := range records {
		rr, err := mdns.NewRR(s)
		if err != nil {
			tb.Fatalf("dns.NewRR(%q) error = %v, want nil", s, err)
		}
		h := rr.Header()
		name := strings.ToLower(h.Name)
		rrs[key{name, h.Rrtype}] = append(rrs[key{name, h.Rrtype}], rr)
		names[name] = true
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("net.ListenPacket() error = %v, want nil", err)
	}
	started := make(chan struct{})
	srv := &mdns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
			m := new(mdns.Msg)
			q := req.Question[0]
			name := strings.ToLower(q.Name)
			if !names[name] {
				m.SetRcode(req, mdns.RcodeNameError)
			} else {
				m.SetReply(req)
				m.Answer = rrs[key{name, q.Qtype}]
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	tb.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func resolve(r *dns.SIPResolver, target sip.ResolveTarget) ([]sip.ServerAddr, error) {
	var (
		addrs []sip.ServerAddr
		err   error
	)
	done := make(chan struct{})
	r.Resolve(context.Background(), target, func(as []sip.ServerAddr, e error) {
		addrs, err = as, e
		close(done)
	})
	<-done
	return addrs, err
}

func addr(proto, s string) sip.ServerAddr {
	return sip.ServerAddr{Proto: proto, Addr: netip.MustParseAddrPort(s)}
}

var cmpAddrPort = cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })

func TestSIPResolver_Resolve(t *testing.T) {
	t.Parallel()

	ns := serveZone(t, zone)
	res := &dns.Resolver{NameServer: ns, Timeout: time.Second}

	cases := []struct {
		name   string
		protos []string
		target sip.ResolveTarget
		want   []sip.ServerAddr
	}{
		{
			name:   "ipv4 literal",
			target: sip.ResolveTarget{Host: "192.0.2.1"},
			want:   []sip.ServerAddr{addr("UDP", "192.0.2.1:5060")},
		},
		{
			name:   "ipv6 literal secure",
			target: sip.ResolveTarget{Host: "[2001:db8::1]", Secure: true},
			want:   []sip.ServerAddr{addr("TLS", "[2001:db8::1]:5061")},
		},
		{
			name:   "explicit port",
			target: sip.ResolveTarget{Host: "pbx.example.com", Port: 5099},
			want:   []sip.ServerAddr{addr("UDP", "10.0.0.1:5099")},
		},
		{
			name:   "explicit transport",
			target: sip.ResolveTarget{Host: "example.com", Proto: "tcp"},
			want:   []sip.ServerAddr{addr("TCP", "10.0.0.1:5070")},
		},
		{
			name:   "naptr",
			target: sip.ResolveTarget{Host: "example.com"},
			want: []sip.ServerAddr{
				addr("TCP", "10.0.0.1:5070"),
				addr("UDP", "10.0.0.1:5080"),
			},
		},
		{
			name:   "naptr restricted transports",
			protos: []string{"udp"},
			target: sip.ResolveTarget{Host: "example.com"},
			want:   []sip.ServerAddr{addr("UDP", "10.0.0.1:5080")},
		},
		{
			name:   "naptr secure",
			target: sip.ResolveTarget{Host: "sec.test", Secure: true},
			want:   []sip.ServerAddr{addr("TLS", "10.0.0.4:5061")},
		},
		{
			name:   "srv without naptr",
			target: sip.ResolveTarget{Host: "srvonly.test"},
			want: []sip.ServerAddr{
				addr("UDP", "10.0.0.2:5090"),
				addr("UDP", "[2001:db8::2]:5091"),
			},
		},
		{
			name:   "address record fallback",
			target: sip.ResolveTarget{Host: "plain.test"},
			want:   []sip.ServerAddr{addr("UDP", "10.0.0.3:5060")},
		},
		{
			name:   "address record fallback secure",
			target: sip.ResolveTarget{Host: "plain.test", Secure: true},
			want:   []sip.ServerAddr{addr("TLS", "10.0.0.3:5061")},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			r := dns.NewSIPResolver(res, &dns.SIPResolverOptions{Protocols: c.protos})
			got, err := resolve(r, c.target)
			if err != nil {
				t.Fatalf("r.Resolve(%+v) error = %v, want nil", c.target, err)
			}
			if diff := cmp.Diff(c.want, got, cmpAddrPort); diff != "" {
				t.Errorf("r.Resolve(%+v) addrs mismatch (-want +got):\n%s", c.target, diff)
			}
		})
	}
}

func TestSIPResolver_NotFound(t *testing.T) {
	t.Parallel()

	ns := serveZone(t, zone)
	r := dns.NewSIPResolver(&dns.Resolver{NameServer: ns, Timeout: time.Second}, nil)

	addrs, err := resolve(r, sip.ResolveTarget{Host: "missing.test"})
	if !errors.Is(err, sip.ErrNoTarget) {
		t.Fatalf("r.Resolve() error = %v, want %v", err, sip.ErrNoTarget)
	}
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Errorf("r.Resolve() error = %v, want not found DNS error", err)
	}
	if len(addrs) != 0 {
		t.Errorf("r.Resolve() addrs = %v, want none", addrs)
	}
}

func TestResolver_LookupSRV(t *testing.T) {
	t.Parallel()

	ns := serveZone(t, zone)
	r := &dns.Resolver{NameServer: ns, Timeout: time.Second}

	srvs, err := r.LookupSRV(context.Background(), "sip", "udp", "srvonly.test")
	if err != nil {
		t.Fatalf("r.LookupSRV() error = %v, want nil", err)
	}
	want := []*dns.SRV{
		{Target: "main.srvonly.test.", Port: 5090, Priority: 0},
		{Target: "backup.srvonly.test.", Port: 5091, Priority: 10},
	}
	if diff := cmp.Diff(want, srvs); diff != "" {
		t.Errorf("r.LookupSRV() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolver_LookupNAPTR(t *testing.T) {
	t.Parallel()

	ns := serveZone(t, zone)
	r := &dns.Resolver{NameServer: ns, Timeout: time.Second}

	recs, err := r.LookupNAPTR(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("r.LookupNAPTR() error = %v, want nil", err)
	}
	got := make([]string, len(recs))
	for i, rec := range recs {
		got[i] = rec.Service
	}
	if diff := cmp.Diff([]string{"SIP+D2T", "SIP+D2U", "E2U+sip"}, got); diff != "" {
		t.Errorf("r.LookupNAPTR() services mismatch (-want +got):\n%s", diff)
	}
}
