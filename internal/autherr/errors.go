// Package autherr defines the error taxonomy shared by the authentication
// subsystem: client-side validation, transport, server and expired-session
// failures all resolve to an *Error carrying a displayable message.
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication failure.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate here.
	KindUnknown Kind = iota
	// KindValidation is a client-side, pre-network, field-scoped failure.
	KindValidation
	// KindNetwork covers unreachable hosts and timeouts.
	KindNetwork
	// KindServer is a non-2xx response carrying a message payload.
	KindServer
	// KindAuthExpired is a 401 from any endpoint.
	KindAuthExpired
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Error is the normalized error surfaced to flow controllers and views.
type Error struct {
	Kind Kind
	// Field names the offending input for validation errors.
	Field string
	// Message is human readable and safe to display.
	Message string
	// Status is the HTTP status code, zero when no response was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a field-scoped validation error.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// KindOf reports the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Message returns the displayable message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
