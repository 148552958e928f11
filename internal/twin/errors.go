package twin

import "errors"

// Common errors returned by the twin package.
var (
	// ErrRejected indicates the hub answered a twin request with a non-2xx
	// status. The status code travels alongside in the wrapped message and
	// the method's status return.
	ErrRejected = errors.New("twin: request rejected")
)
