package sas

import "errors"

// Domain-specific errors for credential derivation.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidKey is returned when the shared access key is not valid
	// base64. This is fatal: a signer cannot be constructed without a key.
	ErrInvalidKey = errors.New("sas: invalid shared access key")
)
