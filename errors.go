package syncstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when an operation runs before Start has
	// established remote connectivity (or its context expires while waiting).
	ErrNotReady = errors.New("engine not ready")

	// ErrStaleCache signals that no usable cache snapshot exists for the
	// current role. It is a control-flow signal, not a failure.
	ErrStaleCache = errors.New("cache snapshot stale or missing")

	// ErrNotFound is returned by RemoteStore.Get for a missing document.
	ErrNotFound = errors.New("document not found")

	// ErrClosed is returned by remote operations after Close.
	ErrClosed = errors.New("store closed")
)

// ArgumentError reports invalid caller input (missing id, empty collection
// name, bad field). Callers get it back as a value; it is never panicked.
type ArgumentError struct {
	Op  string
	Msg string
}

func argErrf(op, format string, args ...any) error {
	return &ArgumentError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

func (e *ArgumentError) Error() string {
	return e.Op + ": " + e.Msg
}

// IsInvalidArgument reports whether err is an ArgumentError.
func IsInvalidArgument(err error) bool {
	var ae *ArgumentError
	return errors.As(err, &ae)
}

// RemoteError wraps a failed remote read or write with the operation and
// target that caused it.
type RemoteError struct {
	Op         string
	Collection string
	ID         string
	Err        error
}

func remoteErrf(op, collection, id string, err error) error {
	return &RemoteError{Op: op, Collection: collection, ID: id, Err: err}
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}
