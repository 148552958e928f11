package session

import "errors"

// Common errors returned by the session package.
var (
	// ErrClosed indicates the session was closed. Terminal: no operation
	// succeeds afterwards.
	ErrClosed = errors.New("session: closed")

	// ErrConnectionLost resolves pending correlated requests when the
	// transport drops. The underlying transport error is wrapped alongside.
	ErrConnectionLost = errors.New("session: connection lost")

	// ErrNotConnected indicates an operation that needs a live connection
	// ran while disconnected, with no spool to absorb it.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSerialization indicates an event body could not be JSON-encoded.
	ErrSerialization = errors.New("session: event not serializable")
)
