package spool

import "errors"

// Common errors returned by the spool package.
var (
	// ErrEnqueueFailed is returned when an event cannot be stored.
	ErrEnqueueFailed = errors.New("spool: enqueue failed")
)
