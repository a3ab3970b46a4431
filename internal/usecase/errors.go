package usecase

import (
	"errors"
	"fmt"
)

// Kind classifies verification failures for the transport layer.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamMalformed   Kind = "upstream_malformed"
)

// ErrAuditDisabled is returned by lookups when no database is configured.
var ErrAuditDisabled = errors.New("verification audit log is not configured")

// Error is a classified verification failure.
type Error struct {
	Kind    Kind
	Message string
	// UpstreamStatus is the HTTP status returned by the model API, zero when
	// no response was received.
	UpstreamStatus int
	// Raw holds the model reply for malformed payloads.
	Raw           string
	MissingFields []string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return ""
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}
