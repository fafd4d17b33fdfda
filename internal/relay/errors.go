package relay

import (
	"errors"
	"fmt"
)

// Kind classifies an exchange failure for the structured error payload
// surfaced to callers.
type Kind string

const (
	// KindAuthentication is a rejected credential, detected before any
	// backend call is made.
	KindAuthentication Kind = "authentication_failure"
	// KindBackendUnreachable covers connect and transport errors.
	KindBackendUnreachable Kind = "backend_unreachable"
	// KindBackendStatus is a non-200 status returned by the backend.
	KindBackendStatus Kind = "backend_non_success"
	// KindMalformedRecord marks a single unparsable stream line. Non-fatal:
	// the line is skipped and the exchange continues.
	KindMalformedRecord Kind = "malformed_record"
	// KindAborted is a caller-initiated cancellation.
	KindAborted Kind = "stream_aborted"
	// KindTimeout fires when the first backend response does not arrive
	// within the configured window.
	KindTimeout Kind = "timeout"
)

// Error carries the failure classification across the relay boundary.
// It is rendered as {"error":{"kind","message"}} by the HTTP layer and is
// never thrown past it.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the classification from err, defaulting to
// KindBackendUnreachable for unclassified errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindBackendUnreachable
}
