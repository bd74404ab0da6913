// Package httperr defines the error taxonomy the HTTP surface exposes.
// Handlers return plain errors; the route wrapper maps them onto an Error
// with a status code and a client-safe message.
package httperr

import (
	"errors"
	"net/http"
)

// Error carries everything the global error handler needs to build the
// response body. Details is optional structured context (validation
// specifics, upstream error codes); Cause is the wrapped origin, never
// serialized.
type Error struct {
	Status  int
	Message string
	Details any
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// BadRequest covers validation failures and missing-credential guidance.
func BadRequest(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: message}
}

// Unauthorized covers internal key mismatches.
func Unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: message}
}

// Upstream wraps an error response from the trading venue.
func Upstream(message string, details any) *Error {
	return &Error{Status: http.StatusBadGateway, Message: message, Details: details}
}

// Timeout covers per-request timers and quote waits that expired.
func Timeout(message string) *Error {
	return &Error{Status: http.StatusGatewayTimeout, Message: message}
}

// Internal hides the cause behind a generic message.
func Internal(cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: "internal error", Cause: cause}
}

// From normalizes any error to *Error. Unknown errors become a 500 that
// keeps the original text (bodies and tokens are never part of error
// strings in this codebase).
func From(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	return &Error{Status: http.StatusInternalServerError, Message: err.Error(), Cause: err}
}
