// Package apperr defines the error taxonomy shared by all services.
// Every error that crosses a service boundary carries a stable machine
// code; transport layers map codes to status codes and never expose
// store internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeUnknownCurrency        Code = "UNKNOWN_CURRENCY"
	CodeUnsupportedSymbol      Code = "UNSUPPORTED_SYMBOL"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeInvalidPrice           Code = "INVALID_PRICE"
	CodeNotFound               Code = "NOT_FOUND"
	CodeForbidden              Code = "FORBIDDEN"
	CodeIdempotencyKeyConflict Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeQuoteAlreadyExecuted   Code = "QUOTE_ALREADY_EXECUTED"
	CodeQuoteExpired           Code = "QUOTE_EXPIRED"
	CodeQuoteNotActive         Code = "QUOTE_NOT_ACTIVE"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeUpstreamUnavailable    Code = "UPSTREAM_UNAVAILABLE"
	CodeInternal               Code = "INTERNAL"
)

// Error is the service-level error type.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error. The cause is kept for logging
// and unwrapping but is not part of the user-visible message.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Internal wraps an unexpected failure. The store-specific detail stays
// in the cause; only the generic message is user-visible.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: cause}
}

// WithDetails returns a copy of e carrying structured details.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// CodeOf extracts the Code from any error chain. Unrecognized errors
// report CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the HTTP status used by the transport shell.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeUnknownCurrency, CodeUnsupportedSymbol,
		CodeInvalidAmount, CodeInvalidPrice, CodeIdempotencyKeyConflict,
		CodeQuoteAlreadyExecuted, CodeQuoteExpired, CodeQuoteNotActive,
		CodeInsufficientBalance:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
