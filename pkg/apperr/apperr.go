// Package apperr defines user-facing application errors with stable codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of application error.
type Code string

const (
	CodeInternal                    Code = "INTERNAL"
	CodeInvalidArgument             Code = "INVALID_ARGUMENT"
	CodeUnauthorized                Code = "UNAUTHORIZED"
	CodePermissionDenied            Code = "PERMISSION_DENIED"
	CodeNotFound                    Code = "NOT_FOUND"
	CodeConflict                    Code = "CONFLICT"
	CodeTooManyRequests             Code = "TOO_MANY_REQUESTS"
	CodeUserBlocked                 Code = "USER_BLOCKED"
	CodeProjectRequired             Code = "PROJECT_REQUIRED"
	CodePaymentSpendingLimitReached Code = "PAYMENT_SPENDING_LIMIT_REACHED"
)

// Error carries a code, a message safe to show to callers and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so sentinel values built with
// New can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New creates an application error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an application error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// As extracts the outermost *Error from err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeProjectRequired:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodePaymentSpendingLimitReached:
		return http.StatusPaymentRequired
	case CodePermissionDenied, CodeUserBlocked:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
