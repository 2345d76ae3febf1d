package sip

import "github.com/ghettovoice/sipcore/internal/util"

// RequestMethod is a SIP request method.
type RequestMethod string

// Request methods.
const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// Equal compares methods case-insensitively.
func (m RequestMethod) Equal(other RequestMethod) bool { return util.EqFold(m, other) }

// IsTargetRefresh reports whether the method refreshes the dialog remote target (RFC 3261 12.2).
func (m RequestMethod) IsTargetRefresh() bool {
	switch util.UCase(m) {
	case RequestMethodInvite, RequestMethodUpdate, RequestMethodSubscribe, RequestMethodNotify, RequestMethodRefer:
		return true
	default:
		return false
	}
}

// ResponseStatus is a SIP response status code.
type ResponseStatus uint16

// Response statuses used by the core.
const (
	ResponseStatusTrying                    ResponseStatus = 100
	ResponseStatusRinging                   ResponseStatus = 180
	ResponseStatusSessionProgress           ResponseStatus = 183
	ResponseStatusOK                        ResponseStatus = 200
	ResponseStatusAccepted                  ResponseStatus = 202
	ResponseStatusMultipleChoices           ResponseStatus = 300
	ResponseStatusMovedPermanently          ResponseStatus = 301
	ResponseStatusMovedTemporarily          ResponseStatus = 302
	ResponseStatusBadRequest                ResponseStatus = 400
	ResponseStatusForbidden                 ResponseStatus = 403
	ResponseStatusNotFound                  ResponseStatus = 404
	ResponseStatusMethodNotAllowed          ResponseStatus = 405
	ResponseStatusRequestTimeout            ResponseStatus = 408
	ResponseStatusSessionIntervalTooSmall   ResponseStatus = 422
	ResponseStatusIntervalTooBrief          ResponseStatus = 423
	ResponseStatusTemporarilyUnavailable    ResponseStatus = 480
	ResponseStatusCallTransactionNotExist   ResponseStatus = 481
	ResponseStatusLoopDetected              ResponseStatus = 482
	ResponseStatusBusyHere                  ResponseStatus = 486
	ResponseStatusRequestTerminated         ResponseStatus = 487
	ResponseStatusNotAcceptableHere         ResponseStatus = 488
	ResponseStatusRequestPending            ResponseStatus = 491
	ResponseStatusServerInternalError       ResponseStatus = 500
	ResponseStatusNotImplemented            ResponseStatus = 501
	ResponseStatusServiceUnavailable        ResponseStatus = 503
	ResponseStatusBusyEverywhere            ResponseStatus = 600
	ResponseStatusDecline                   ResponseStatus = 603
)

var reasons = map[ResponseStatus]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	305: "Use Proxy",
	380: "Alternative Service",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	415: "Unsupported Media Type",
	420: "Bad Extension",
	422: "Session Interval Too Small",
	423: "Interval Too Brief",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	483: "Too Many Hops",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	504: "Server Time-out",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

// Reason returns the default reason phrase of the status.
func (s ResponseStatus) Reason() string {
	if r, ok := reasons[s]; ok {
		return r
	}
	switch {
	case s.IsProvisional():
		return "Provisional"
	case s.IsSuccessful():
		return "Success"
	case s.IsRedirection():
		return "Redirection"
	default:
		return "Failure"
	}
}

func (s ResponseStatus) IsValid() bool       { return s >= 100 && s <= 699 }
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s <= 199 }
func (s ResponseStatus) IsSuccessful() bool  { return s >= 200 && s <= 299 }
func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s <= 399 }
func (s ResponseStatus) IsFinal() bool       { return s >= 200 && s <= 699 }

// IsFailure reports whether the status is a 3xx-6xx final response.
func (s ResponseStatus) IsFailure() bool { return s >= 300 && s <= 699 }
