// Package errorutil contains the error helpers of the sip packages.
package errorutil

//go:generate errtrace -w .

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Error is a constant sentinel error.
type Error string

func (s Error) Error() string { return string(s) }

// NewWrapperError ties details to the sentinel so that errors.Is matches it.
// The details are an error, a message or a format with its arguments.
// An error that already matches the sentinel is returned as is.
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		if len(args) > 1 {
			v = fmt.Sprintf(v, args[1:]...)
		}
		return fmt.Errorf("%w: %s", sentinel, v) //errtrace:skip
	default:
		return fmt.Errorf("%w: %v", sentinel, v) //errtrace:skip
	}
}

const ErrInvalidArgument Error = "invalid argument"

func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

// JoinPrefix joins the non-nil errors of a multi-step operation, e.g. stopping every module.
// Nil is returned when all steps succeeded, a single failure is reported as "prefix: err".
func JoinPrefix(prefix string, errs ...error) error {
	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	prefix = strings.TrimSuffix(prefix, ":")
	switch len(failed) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s: %w", prefix, failed[0]) //errtrace:skip
	default:
		return &stepsError{prefix, failed} //errtrace:skip
	}
}

// stepsError renders one failed step per line.
type stepsError struct {
	prefix string
	errs   []error
}

func (e *stepsError) Error() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	fmt.Fprintf(sb, "%s: %d errors", e.prefix, len(e.errs))
	for _, err := range e.errs {
		sb.WriteString("\n  - ")
		sb.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n    "))
	}
	return sb.String()
}

func (e *stepsError) Unwrap() []error { return e.errs }
