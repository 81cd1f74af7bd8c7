// Package status defines the error taxonomy shared by the device, the memory
// pool and the kernel entry points.
package status

import "errors"

// Sentinel errors. Callers match them with errors.Is; every layer wraps them
// with context via fmt.Errorf("...: %w", err).
var (
	// ErrInvalidState reports lifecycle misuse: activating an active pool,
	// shutting down with outstanding blocks, freeing a pointer twice.
	ErrInvalidState = errors.New("stride: invalid state")

	// ErrResourceExhausted is returned when the device or the pool budget
	// cannot satisfy a request.
	ErrResourceExhausted = errors.New("stride: resource exhausted")

	// ErrUnsupportedConfiguration is returned when a kernel is constructed
	// for an element type / channel count combination it does not provide.
	ErrUnsupportedConfiguration = errors.New("stride: unsupported configuration")

	// ErrInvalidArgument covers nil pointers and non-positive dimensions.
	ErrInvalidArgument = errors.New("stride: invalid argument")
)

// Code is the status code of the kernel and pool contracts.
type Code int

const (
	OK Code = iota
	InvalidArgument
	ResourceExhausted
	InvalidState
	UnsupportedConfiguration
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "Ok"
	case InvalidArgument:
		return "InvalidArgument"
	case ResourceExhausted:
		return "ResourceExhausted"
	case InvalidState:
		return "InvalidState"
	case UnsupportedConfiguration:
		return "UnsupportedConfiguration"
	default:
		return "Internal"
	}
}

// CodeOf classifies err. A nil error is OK; errors outside the taxonomy are
// Internal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrInvalidArgument):
		return InvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return ResourceExhausted
	case errors.Is(err, ErrInvalidState):
		return InvalidState
	case errors.Is(err, ErrUnsupportedConfiguration):
		return UnsupportedConfiguration
	default:
		return Internal
	}
}
