package alpaca

import (
	"errors"
	"fmt"
)

// ASCOM error numbers.
const (
	codeNotImplemented   = 0x400
	codeInvalidValue     = 0x401
	codeValueNotSet      = 0x402
	codeNotConnected     = 0x407
	codeInvalidOperation = 0x40B
	codeDriverBase       = 0x500
)

// Error is an Alpaca error carrying its ASCOM error number.
type Error struct {
	Number  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches on the error number so that wrapped sentinels compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Number == e.Number
}

var (
	ErrNotImplemented         = &Error{codeNotImplemented, "not implemented"}
	ErrPropertyNotImplemented = &Error{codeNotImplemented, "property not implemented"}
	ErrInvalidValue           = &Error{codeInvalidValue, "invalid value"}
	ErrValueNotSet            = &Error{codeValueNotSet, "value not set"}
	ErrNotConnected           = &Error{codeNotConnected, "not connected"}
	ErrInvalidOperation       = &Error{codeInvalidOperation, "invalid operation"}
)

// InvalidValue returns an ErrInvalidValue with a specific message.
func InvalidValue(format string, args ...any) error {
	return &Error{codeInvalidValue, fmt.Sprintf(format, args...)}
}

// InvalidOperation returns an ErrInvalidOperation with a specific message.
func InvalidOperation(format string, args ...any) error {
	return &Error{codeInvalidOperation, fmt.Sprintf(format, args...)}
}

// errorNumber maps err to an ASCOM error number. Errors that carry no Alpaca
// meaning are reported as driver errors.
func errorNumber(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Number
	}
	return codeDriverBase
}
