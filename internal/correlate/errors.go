package correlate

import "errors"

// Common errors returned by the correlate package.
var (
	// ErrTimeout indicates a request's deadline passed before a response
	// arrived. The pending slot is freed; the caller may retry.
	ErrTimeout = errors.New("correlate: request timed out")

	// ErrRequestInProgress indicates a request of the same kind is already
	// in flight. The existing request is unaffected.
	ErrRequestInProgress = errors.New("correlate: request already in progress")

	// ErrUnknownRequest indicates an Await on an id that is not pending:
	// never issued, already resolved, or timed out.
	ErrUnknownRequest = errors.New("correlate: unknown request id")
)
