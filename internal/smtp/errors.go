package smtp

import (
	"fmt"
)

// FramingError is an input that can never form a valid unit, such as a
// command line or message over the configured limits.
type FramingError struct {
	Reason string
	Size   int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %s (%d bytes)", e.Reason, e.Size)
}

// TransportError is a read or write failure on one connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ListenerError means the listening endpoint could not be opened or has
// failed for good.
type ListenerError struct {
	Addr string
	Err  error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listen on '%s': %s", e.Addr, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }
