package sip

import (
	"errors"
	"fmt"

	"github.com/ghettovoice/sipcore/internal/errorutil"
)

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrInvalidMessage   Error = "invalid message"
	ErrInvalidState     Error = "invalid state"
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrDuplicateKey           Error = "duplicate transaction key"
	ErrNoMatch                Error = "no matching transaction"
	ErrTransactionNotMatched  Error = "transaction not matched"
	ErrTransactionTimedOut    Error = "transaction timed out"
	ErrTransactionTerminated  Error = "transaction terminated"
	ErrTransactionLayerClosed Error = "transaction layer closed"
)

// Transport and send errors.
const (
	ErrTransportError Error = "transport error"
	ErrNoTransport    Error = "no transport resolved"
	ErrNoTarget       Error = "no target resolved"
	ErrSendVetoed     Error = "send vetoed by module"
	ErrNoParser       Error = "no parser configured"
)

// Endpoint and module errors.
const (
	ErrEndpointClosed     Error = "endpoint closed"
	ErrModuleRegistered   Error = "module already registered"
	ErrModuleNotFound     Error = "module not found"
	ErrProtocolViolation  Error = "protocol violation"
	ErrResourceExhaustion Error = "resource exhaustion"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidMessageError creates a new error with [ErrInvalidMessage] or
// wraps provided error with [ErrInvalidMessage].
func NewInvalidMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, args...) //errtrace:skip
}

// StatusError is an error that maps onto a SIP response status.
type StatusError struct {
	Status ResponseStatus
	Reason string
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%d %s", e.Status, e.reason())
	}
	return fmt.Sprintf("%d %s: %v", e.Status, e.reason(), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) reason() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Status.Reason()
}

// StatusFromError maps an error onto a response status.
// Transport errors map to 503, timeouts to 408, protocol violations to 482
// and everything else to 500.
func StatusFromError(err error) (ResponseStatus, string) {
	if err == nil {
		return 0, ""
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, se.reason()
	}
	switch {
	case errors.Is(err, ErrTransactionTimedOut):
		return ResponseStatusRequestTimeout, ResponseStatusRequestTimeout.Reason()
	case errors.Is(err, ErrTransportError), errors.Is(err, ErrNoTransport), errors.Is(err, ErrNoTarget):
		return ResponseStatusServiceUnavailable, ResponseStatusServiceUnavailable.Reason()
	case errors.Is(err, ErrProtocolViolation):
		return ResponseStatusLoopDetected, ResponseStatusLoopDetected.Reason()
	default:
		return ResponseStatusServerInternalError, ResponseStatusServerInternalError.Reason()
	}
}
