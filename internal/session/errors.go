package session

import "errors"

var (
	// ErrBusy is returned by Begin while another transition is in flight.
	ErrBusy = errors.New("another authentication request is already in progress")
	// ErrStale is returned when the session was reset after the transaction
	// began; the late result must not be applied.
	ErrStale = errors.New("session changed while the request was in flight")
	// ErrInvalidTransition is returned for an event the current phase does
	// not accept.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrTxnClosed is returned when a finished transaction is reused.
	ErrTxnClosed = errors.New("transaction already closed")
)
