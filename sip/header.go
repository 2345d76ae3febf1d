package sip

import (
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Header names of the headers carried in [Headers.Other].
const (
	HeaderAccept            = "Accept"
	HeaderAllow             = "Allow"
	HeaderEvent             = "Event"
	HeaderExpires           = "Expires"
	HeaderMinExpires        = "Min-Expires"
	HeaderMinSE             = "Min-SE"
	HeaderReason            = "Reason"
	HeaderRequire           = "Require"
	HeaderSessionExpires    = "Session-Expires"
	HeaderSubscriptionState = "Subscription-State"
	HeaderSupported         = "Supported"
	HeaderTimestamp         = "Timestamp"
	HeaderUserAgent         = "User-Agent"
)

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether the branch starts with the [MagicCookie].
func IsRFC3261Branch(branch string) bool {
	return len(branch) > len(MagicCookie) && strings.HasPrefix(branch, MagicCookie)
}

// Via is a single Via header field value.
type Via struct {
	// Transport is the transport protocol name, e.g. "UDP", "TCP", "TLS".
	Transport string
	Host      string
	Port      uint16
	Params    Params
}

// Branch returns the branch parameter.
func (v *Via) Branch() string {
	if v == nil {
		return ""
	}
	b, _ := v.Params.Get("branch")
	return b
}

// SentBy returns "host[:port]" in lower case.
func (v *Via) SentBy() string {
	if v == nil {
		return ""
	}
	if v.Port == 0 {
		return util.LCase(v.Host)
	}
	return util.LCase(v.Host) + ":" + strconv.Itoa(int(v.Port))
}

// ResponseAddr returns the address responses should be sent to according to
// the received and rport parameters (RFC 3261 18.2.2, RFC 3581).
func (v *Via) ResponseAddr() (netip.AddrPort, bool) {
	host := v.Host
	if r, ok := v.Params.Get("received"); ok && r != "" {
		host = r
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.AddrPort{}, false
	}
	port := v.Port
	if rp, ok := v.Params.Get("rport"); ok && rp != "" {
		if n, err := strconv.ParseUint(rp, 10, 16); err == nil {
			port = uint16(n)
		}
	}
	if port == 0 {
		port = defaultPort(v.Transport)
	}
	return netip.AddrPortFrom(addr, port), true
}

func (v Via) clone() Via {
	v.Params = v.Params.Clone()
	return v
}

func (v *Via) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0/")
	sb.WriteString(util.UCase(v.Transport))
	sb.WriteByte(' ')
	sb.WriteString(v.Host)
	if v.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(v.Port)))
	}
	v.Params.writeTo(sb)
	return sb.String()
}

// NameAddr is a name-addr header value used by From, To, Contact, Route and Record-Route.
type NameAddr struct {
	Display string
	URI     *URI
	Params  Params
}

// Tag returns the tag parameter.
func (na *NameAddr) Tag() string {
	if na == nil {
		return ""
	}
	t, _ := na.Params.Get("tag")
	return t
}

// SetTag sets or replaces the tag parameter.
func (na *NameAddr) SetTag(tag string) {
	if tag == "" {
		na.Params = na.Params.Del("tag")
		return
	}
	na.Params = na.Params.Set("tag", tag)
}

// Q returns the q parameter value. Missing or malformed values are reported as 1.0.
func (na *NameAddr) Q() float64 {
	if na == nil {
		return 1
	}
	v, ok := na.Params.Get("q")
	if !ok {
		return 1
	}
	q, err := strconv.ParseFloat(v, 64)
	if err != nil || q < 0 || q > 1 {
		return 1
	}
	return q
}

// Expires returns the expires parameter of a Contact value.
func (na *NameAddr) Expires() (int, bool) {
	if na == nil {
		return 0, false
	}
	v, ok := na.Params.Get("expires")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// Clone returns a deep copy.
func (na *NameAddr) Clone() *NameAddr {
	if na == nil {
		return nil
	}
	c := &NameAddr{Display: na.Display, URI: na.URI.Clone(), Params: na.Params.Clone()}
	return c
}

func (na *NameAddr) String() string {
	if na == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if na.Display != "" {
		sb.WriteString(strconv.Quote(na.Display))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	if na.URI != nil {
		na.URI.writeTo(sb)
	}
	sb.WriteByte('>')
	na.Params.writeTo(sb)
	return sb.String()
}

func cloneNameAddrs(nas []NameAddr) []NameAddr {
	if nas == nil {
		return nil
	}
	out := make([]NameAddr, len(nas))
	for i := range nas {
		out[i] = *nas[i].Clone()
	}
	return out
}

// CSeq is the CSeq header value.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

func (c CSeq) String() string {
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + string(util.UCase(c.Method))
}

// Header is a generic header field.
type Header struct {
	Name  string
	Value string
}

// Headers holds the header fields of a message.
// Headers the core reasons about are typed, the rest are kept in Other in their original order.
type Headers struct {
	Via         []Via
	From        *NameAddr
	To          *NameAddr
	CallID      string
	CSeq        *CSeq
	Contact     []NameAddr
	Route       []NameAddr
	RecordRoute []NameAddr
	// MaxForwards is rendered only when positive.
	MaxForwards int
	ContentType string
	Other       []Header
}

// TopVia returns the topmost Via header.
func (h *Headers) TopVia() *Via {
	if h == nil || len(h.Via) == 0 {
		return nil
	}
	return &h.Via[0]
}

// Get returns the first value of the named generic header.
func (h *Headers) Get(name string) (string, bool) {
	for _, hdr := range h.Other {
		if util.EqFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Values returns all values of the named generic header.
// Comma separated values are split.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h.Other {
		if !util.EqFold(hdr.Name, name) {
			continue
		}
		for v := range strings.SplitSeq(hdr.Value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// HasValue reports whether the comma separated named header contains the token.
func (h *Headers) HasValue(name, token string) bool {
	return slices.ContainsFunc(h.Values(name), func(v string) bool { return util.EqFold(v, token) })
}

// Set replaces all values of the named generic header.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Other = append(h.Other, Header{name, value})
}

// Add appends a value of the named generic header.
func (h *Headers) Add(name, value string) {
	h.Other = append(h.Other, Header{name, value})
}

// Del removes the named generic header.
func (h *Headers) Del(name string) {
	h.Other = slices.DeleteFunc(h.Other, func(hdr Header) bool { return util.EqFold(hdr.Name, name) })
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	c := Headers{
		From:        h.From.Clone(),
		To:          h.To.Clone(),
		CallID:      h.CallID,
		Contact:     cloneNameAddrs(h.Contact),
		Route:       cloneNameAddrs(h.Route),
		RecordRoute: cloneNameAddrs(h.RecordRoute),
		MaxForwards: h.MaxForwards,
		ContentType: h.ContentType,
		Other:       slices.Clone(h.Other),
	}
	if h.Via != nil {
		c.Via = make([]Via, len(h.Via))
		for i := range h.Via {
			c.Via[i] = h.Via[i].clone()
		}
	}
	if h.CSeq != nil {
		cseq := *h.CSeq
		c.CSeq = &cseq
	}
	return c
}

func (h *Headers) writeTo(sb *strings.Builder, bodyLen int) {
	for i := range h.Via {
		writeHeader(sb, "Via", h.Via[i].String())
	}
	for i := range h.Route {
		writeHeader(sb, "Route", h.Route[i].String())
	}
	for i := range h.RecordRoute {
		writeHeader(sb, "Record-Route", h.RecordRoute[i].String())
	}
	if h.MaxForwards > 0 {
		writeHeader(sb, "Max-Forwards", strconv.Itoa(h.MaxForwards))
	}
	if h.From != nil {
		writeHeader(sb, "From", h.From.String())
	}
	if h.To != nil {
		writeHeader(sb, "To", h.To.String())
	}
	if h.CallID != "" {
		writeHeader(sb, "Call-ID", h.CallID)
	}
	if h.CSeq != nil {
		writeHeader(sb, "CSeq", h.CSeq.String())
	}
	for i := range h.Contact {
		writeHeader(sb, "Contact", h.Contact[i].String())
	}
	for _, hdr := range h.Other {
		writeHeader(sb, hdr.Name, hdr.Value)
	}
	if h.ContentType != "" {
		writeHeader(sb, "Content-Type", h.ContentType)
	}
	writeHeader(sb, "Content-Length", strconv.Itoa(bodyLen))
}

func writeHeader(sb *strings.Builder, name, value string) {
	sb.WriteString(name)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\r\n")
}

func defaultPort(transport string) uint16 {
	if util.EqFold(transport, "TLS") {
		return 5061
	}
	return 5060
}
