package spmath

import "fmt"

// Status is a library status code, carried by LibraryError.
type Status int

// Library status codes.
const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusInvalidValue
	StatusNotSupported
	StatusAllocFailed
	StatusInternalError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotInitialized:
		return "NOT_INITIALIZED"
	case StatusInvalidValue:
		return "INVALID_VALUE"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusAllocFailed:
		return "ALLOC_FAILED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// LibraryError is a failed library call: the operation name, its status
// code and, when the failure came from the device underneath, the device
// error it wraps.
type LibraryError struct {
	Op     string
	Status Status
	Err    error
}

func (e *LibraryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spmath: %s failed with status %s (%d): %v", e.Op, e.Status, e.Status, e.Err)
	}
	return fmt.Sprintf("spmath: %s failed with status %s (%d)", e.Op, e.Status, e.Status)
}

func (e *LibraryError) Unwrap() error {
	return e.Err
}

// errf builds a LibraryError for op.
func errf(op string, status Status, err error) *LibraryError {
	return &LibraryError{Op: op, Status: status, Err: err}
}
