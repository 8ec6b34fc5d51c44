package errors

import (
	stdErrors "errors"
	"fmt"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"
)

// retryableByCode marks the codes that the queue boundary is allowed to
// redeliver. Everything else is terminal and must be acked.
var retryableByCode = map[Code]bool{
	CodeValidation:    false,
	CodeNotFound:      false,
	CodeConflict:      false,
	CodeStateConflict: false,
	CodeRateLimit:     true,
	CodeInternal:      true,
	CodeDependency:    true,
}

type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsRetryable reports whether the queue layer should redeliver after err.
// Unclassified errors are treated as retryable so transient infrastructure
// faults are never silently dropped.
func IsRetryable(err error) bool {
	typed := As(err)
	if typed == nil {
		return true
	}
	return retryableByCode[typed.Code()]
}
