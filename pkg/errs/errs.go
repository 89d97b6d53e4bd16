// Package errs defines the error taxonomy shared by every store: a small set
// of machine-readable codes that survive a trip over the replication RPC.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an error that carries no code.
	CodeUnknown Code = "UNKNOWN"

	// CodeAccessDenied means an admission check rejected the operation.
	CodeAccessDenied Code = "ACCESS_DENIED"

	// CodeNotFound means a referenced role or record does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict means a creation collided with an existing record.
	CodeConflict Code = "CONFLICT"

	// CodeInvalidState means the operation tried to mutate something
	// immutable or was malformed for the current state.
	CodeInvalidState Code = "INVALID_STATE"
)

// Sentinels for errors.Is comparisons. They match any *Error with the
// same code regardless of message.
var (
	AccessDenied = &Error{Code: CodeAccessDenied}
	NotFound     = &Error{Code: CodeNotFound}
	Conflict     = &Error{Code: CodeConflict}
	InvalidState = &Error{Code: CodeInvalidState}
)

// Error is a coded error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Error returns the message, falling back to the code in lower case.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not coded.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}
