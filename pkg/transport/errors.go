package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("timeout")
	// ErrIO is matched by every IOError. An IOError is fatal to the stream.
	ErrIO = errors.New("i/o error")
	// ErrConnectionFailed is returned when a stream cannot be opened.
	ErrConnectionFailed = errors.New("connection failed")
)

// TimeoutError reports a read that did not complete before its deadline.
// Read holds the number of bytes consumed before the deadline expired.
type TimeoutError struct {
	Op   string
	Read int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timeout after %d bytes", e.Op, e.Read)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IOError wraps a stream failure other than a clean timeout.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// IsFatal reports whether err means the stream must be closed and reopened.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO)
}
