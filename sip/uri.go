package sip

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Param is a generic name=value parameter of a URI or header.
// Flag parameters have an empty Value.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered list of parameters. Names are case-insensitive.
type Params []Param

// Get returns the value of the named parameter.
func (p Params) Get(name string) (string, bool) {
	for _, v := range p {
		if util.EqFold(v.Name, name) {
			return v.Value, true
		}
	}
	return "", false
}

// Has reports whether the named parameter is present.
func (p Params) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Set replaces the named parameter or appends it.
func (p Params) Set(name, value string) Params {
	for i, v := range p {
		if util.EqFold(v.Name, name) {
			p[i].Value = value
			return p
		}
	}
	return append(p, Param{name, value})
}

// Del removes the named parameter.
func (p Params) Del(name string) Params {
	return slices.DeleteFunc(p, func(v Param) bool { return util.EqFold(v.Name, name) })
}

func (p Params) Clone() Params { return slices.Clone(p) }

func (p Params) writeTo(sb *strings.Builder) {
	for _, v := range p {
		sb.WriteByte(';')
		sb.WriteString(v.Name)
		if v.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(v.Value)
		}
	}
}

// URI is a SIP or SIPS URI.
type URI struct {
	Scheme string
	User   string
	Host   string
	Port   uint16
	Params Params
}

// ParseURI parses a minimal "scheme:[user@]host[:port][;params]" URI.
// Header and password components are not supported.
func ParseURI(s string) (*URI, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || scheme == "" || rest == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid URI %q", s))
	}

	u := &URI{Scheme: util.LCase(scheme)}
	rest, params, _ := strings.Cut(rest, ";")
	if user, hostport, ok := strings.Cut(rest, "@"); ok {
		u.User = user
		rest = hostport
	}

	host, port := rest, ""
	if strings.HasPrefix(rest, "[") {
		if i := strings.Index(rest, "]"); i > 0 {
			host = rest[:i+1]
			port = strings.TrimPrefix(rest[i+1:], ":")
		}
	} else if h, p, ok := strings.Cut(rest, ":"); ok {
		host, port = h, p
	}
	if host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid URI %q: missing host", s))
	}
	u.Host = host
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError("invalid URI %q: %v", s, err))
		}
		u.Port = uint16(n)
	}

	for p := range strings.SplitSeq(params, ";") {
		if p == "" {
			continue
		}
		name, value, _ := strings.Cut(p, "=")
		u.Params = append(u.Params, Param{name, value})
	}
	return u, nil
}

// MustParseURI is like [ParseURI] but panics on error.
func MustParseURI(s string) *URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsSecure reports whether the URI has the sips scheme.
func (u *URI) IsSecure() bool { return u != nil && util.EqFold(u.Scheme, "sips") }

// Transport returns the transport parameter value in upper case.
func (u *URI) Transport() string {
	if u == nil {
		return ""
	}
	v, _ := u.Params.Get("transport")
	return util.UCase(v)
}

// Clone returns a deep copy of the URI.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	c := *u
	c.Params = u.Params.Clone()
	return &c
}

// Equal compares URIs following the simplified rules of RFC 3261 19.1.4:
// scheme and host are case-insensitive, user is case-sensitive.
func (u *URI) Equal(other *URI) bool {
	if u == nil || other == nil {
		return u == other
	}
	return util.EqFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		util.EqFold(u.Host, other.Host) &&
		u.Port == other.Port &&
		util.EqFold(u.Transport(), other.Transport())
}

func (u *URI) String() string {
	if u == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	u.writeTo(sb)
	return sb.String()
}

func (u *URI) writeTo(sb *strings.Builder) {
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(u.Port)))
	}
	u.Params.writeTo(sb)
}

// LogValue implements [slog.LogValuer].
func (u *URI) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.StringValue(u.String())
}
