package sip

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Message is a SIP request or response.
type Message interface {
	slog.LogValuer
	fmt.Stringer
	// MessageHeaders returns the message headers for reading and modification.
	MessageHeaders() *Headers
	// MessageBody returns the message body.
	MessageBody() []byte
	// RecvInfo returns the receive information of an inbound message or nil.
	RecvInfo() *RxInfo
	// Validate checks that the mandatory headers are present.
	Validate() error

	message()
}

// RxInfo describes how an inbound message was received.
type RxInfo struct {
	Transport Transport
	Source    netip.AddrPort
	Time      time.Time

	tsx atomic.Pointer[transactionRef]
}

type transactionRef struct{ tx Transaction }

// MatchedTransaction returns the transaction the inbound message was matched to by the
// transaction layer, or nil for stray messages and messages not yet dispatched.
func MatchedTransaction(msg Message) Transaction {
	if msg == nil {
		return nil
	}
	rx := msg.RecvInfo()
	if rx == nil {
		return nil
	}
	if ref := rx.tsx.Load(); ref != nil {
		return ref.tx
	}
	return nil
}

func setMatchedTransaction(msg Message, tx Transaction) {
	if rx := msg.RecvInfo(); rx != nil {
		rx.tsx.Store(&transactionRef{tx})
	}
}

// Request is a SIP request.
type Request struct {
	Method  RequestMethod
	URI     *URI
	Headers Headers
	Body    []byte
	// Rx is set on inbound requests.
	Rx *RxInfo
}

func (*Request) message() {}

func (r *Request) MessageHeaders() *Headers { return &r.Headers }
func (r *Request) MessageBody() []byte      { return r.Body }
func (r *Request) RecvInfo() *RxInfo        { return r.Rx }

// Validate checks that the mandatory headers of RFC 3261 8.1.1 are present.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	if r.Method == "" || r.URI == nil || r.URI.Host == "" {
		return errtrace.Wrap(NewInvalidMessageError("invalid request line"))
	}
	if err := r.Headers.validate(); err != nil {
		return errtrace.Wrap(err)
	}
	if !r.Headers.CSeq.Method.Equal(r.Method) {
		return errtrace.Wrap(NewInvalidMessageError("CSeq method %q does not match request method %q",
			r.Headers.CSeq.Method, r.Method))
	}
	return nil
}

func (h *Headers) validate() error {
	switch {
	case len(h.Via) == 0:
		return errtrace.Wrap(NewInvalidMessageError("missing Via"))
	case h.From == nil || h.From.URI == nil:
		return errtrace.Wrap(NewInvalidMessageError("missing From"))
	case h.To == nil || h.To.URI == nil:
		return errtrace.Wrap(NewInvalidMessageError("missing To"))
	case h.CallID == "":
		return errtrace.Wrap(NewInvalidMessageError("missing Call-ID"))
	case h.CSeq == nil:
		return errtrace.Wrap(NewInvalidMessageError("missing CSeq"))
	}
	return nil
}

// Clone returns a deep copy of the request without the receive information.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method:  r.Method,
		URI:     r.URI.Clone(),
		Headers: r.Headers.Clone(),
		Body:    cloneBytes(r.Body),
	}
}

// IsInvite reports whether the request method is INVITE.
func (r *Request) IsInvite() bool { return r != nil && r.Method.Equal(RequestMethodInvite) }

// IsAck reports whether the request method is ACK.
func (r *Request) IsAck() bool { return r != nil && r.Method.Equal(RequestMethodAck) }

// String renders the request in wire format.
func (r *Request) String() string {
	if r == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(string(util.UCase(r.Method)))
	sb.WriteByte(' ')
	if r.URI != nil {
		r.URI.writeTo(sb)
	}
	sb.WriteString(" SIP/2.0\r\n")
	r.Headers.writeTo(sb, len(r.Body))
	sb.WriteString("\r\n")
	sb.Write(r.Body)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("method", string(r.Method)),
		slog.Any("uri", r.URI),
		slog.String("call_id", r.Headers.CallID),
	}
	if v := r.Headers.TopVia(); v != nil {
		attrs = append(attrs, slog.String("branch", v.Branch()))
	}
	if r.Headers.CSeq != nil {
		attrs = append(attrs, slog.String("cseq", r.Headers.CSeq.String()))
	}
	if r.Rx != nil {
		attrs = append(attrs, slog.Any("source", r.Rx.Source))
	}
	return slog.GroupValue(attrs...)
}

// NewResponse creates a response to the request following RFC 3261 8.2.6.
// An empty reason is replaced with the default reason phrase of the status.
// A To tag is generated for non-100 responses when the request has none.
func (r *Request) NewResponse(status ResponseStatus, reason string) *Response {
	if reason == "" {
		reason = status.Reason()
	}
	res := &Response{
		Status: status,
		Reason: reason,
		Headers: Headers{
			Via:    r.Headers.Clone().Via,
			From:   r.Headers.From.Clone(),
			To:     r.Headers.To.Clone(),
			CallID: r.Headers.CallID,
		},
		reqRx: r.Rx,
	}
	if r.Headers.CSeq != nil {
		cseq := *r.Headers.CSeq
		res.Headers.CSeq = &cseq
	}
	if status > ResponseStatusTrying && status < 300 {
		res.Headers.RecordRoute = cloneNameAddrs(r.Headers.RecordRoute)
	}
	if status != ResponseStatusTrying && res.Headers.To != nil && res.Headers.To.Tag() == "" {
		res.Headers.To.SetTag(GenerateTag())
	}
	return res
}

// Response is a SIP response.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Headers Headers
	Body    []byte
	// Rx is set on inbound responses.
	Rx *RxInfo

	// reqRx is the receive info of the request the response was created for.
	reqRx *RxInfo
}

func (*Response) message() {}

func (r *Response) MessageHeaders() *Headers { return &r.Headers }
func (r *Response) MessageBody() []byte      { return r.Body }
func (r *Response) RecvInfo() *RxInfo        { return r.Rx }

// Validate checks that the mandatory headers are present.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}
	if !r.Status.IsValid() {
		return errtrace.Wrap(NewInvalidMessageError("invalid status %d", r.Status))
	}
	return errtrace.Wrap(r.Headers.validate())
}

// Clone returns a deep copy of the response without the receive information.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status:  r.Status,
		Reason:  r.Reason,
		Headers: r.Headers.Clone(),
		Body:    cloneBytes(r.Body),
		reqRx:   r.reqRx,
	}
}

// Method returns the CSeq method of the response.
func (r *Response) Method() RequestMethod {
	if r == nil || r.Headers.CSeq == nil {
		return ""
	}
	return r.Headers.CSeq.Method
}

// String renders the response in wire format.
func (r *Response) String() string {
	if r == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0 ")
	sb.WriteString(strconv.Itoa(int(r.Status)))
	sb.WriteByte(' ')
	sb.WriteString(r.Reason)
	sb.WriteString("\r\n")
	r.Headers.writeTo(sb, len(r.Body))
	sb.WriteString("\r\n")
	sb.Write(r.Body)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.Int("status", int(r.Status)),
		slog.String("reason", r.Reason),
		slog.String("call_id", r.Headers.CallID),
	}
	if v := r.Headers.TopVia(); v != nil {
		attrs = append(attrs, slog.String("branch", v.Branch()))
	}
	if r.Headers.CSeq != nil {
		attrs = append(attrs, slog.String("cseq", r.Headers.CSeq.String()))
	}
	return slog.GroupValue(attrs...)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// GenerateBranch returns a new RFC 3261 branch value.
func GenerateBranch() string { return MagicCookie + "." + util.RandStringLC(16) }

// GenerateTag returns a new random From/To tag.
func GenerateTag() string { return util.RandStringLC(12) }

// GenerateCallID returns a new globally unique Call-ID.
func GenerateCallID() string { return uuid.NewString() }

// RequestOptions configures [NewRequest].
type RequestOptions struct {
	// CallID is generated when empty.
	CallID string
	// CSeq defaults to 1.
	CSeq uint32
	// Contact is the local contact.
	Contact *NameAddr
	// Route is the pre-loaded route set.
	Route []NameAddr
	Body  []byte
	// ContentType of the body, "application/sdp" when empty and body is set.
	ContentType string
}

// NewRequest builds an out-of-dialog request with a fresh top Via branch.
// A From tag is generated when the from value has none.
// The Via sent-by is filled by the [Endpoint] once a transport is selected.
func NewRequest(method RequestMethod, target *URI, from, to *NameAddr, opts *RequestOptions) *Request {
	if opts == nil {
		opts = &RequestOptions{}
	}
	req := &Request{
		Method: util.UCase(method),
		URI:    target.Clone(),
		Headers: Headers{
			Via:         []Via{{Params: Params{{"branch", GenerateBranch()}}}},
			From:        from.Clone(),
			To:          to.Clone(),
			CallID:      opts.CallID,
			CSeq:        &CSeq{Seq: opts.CSeq, Method: util.UCase(method)},
			Route:       cloneNameAddrs(opts.Route),
			MaxForwards: 70,
		},
		Body: cloneBytes(opts.Body),
	}
	if req.Headers.CallID == "" {
		req.Headers.CallID = GenerateCallID()
	}
	if req.Headers.CSeq.Seq == 0 {
		req.Headers.CSeq.Seq = 1
	}
	if req.Headers.From != nil && req.Headers.From.Tag() == "" {
		req.Headers.From.SetTag(GenerateTag())
	}
	if opts.Contact != nil {
		req.Headers.Contact = []NameAddr{*opts.Contact.Clone()}
	}
	if len(req.Body) > 0 {
		req.Headers.ContentType = opts.ContentType
		if req.Headers.ContentType == "" {
			req.Headers.ContentType = "application/sdp"
		}
	}
	return req
}

// NewCancel builds a CANCEL for the request following RFC 3261 9.1.
// It reuses the top Via (and so the branch), Request-URI, Call-ID, From, To, Route and CSeq number.
func NewCancel(req *Request) *Request {
	c := &Request{
		Method: RequestMethodCancel,
		URI:    req.URI.Clone(),
		Headers: Headers{
			From:        req.Headers.From.Clone(),
			To:          req.Headers.To.Clone(),
			CallID:      req.Headers.CallID,
			Route:       cloneNameAddrs(req.Headers.Route),
			MaxForwards: 70,
		},
	}
	if v := req.Headers.TopVia(); v != nil {
		c.Headers.Via = []Via{v.clone()}
	}
	if req.Headers.CSeq != nil {
		c.Headers.CSeq = &CSeq{Seq: req.Headers.CSeq.Seq, Method: RequestMethodCancel}
	}
	return c
}
