package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the carrier type for classified failures. Adapters and services
// return it at package boundaries; the HTTP layer maps it to a status and
// body without inspecting causes.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}

	// UpstreamStatus holds the PMS's own HTTP status for PMS_CLIENT_ERROR
	// passthrough. Zero means "use the code's default status".
	UpstreamStatus int

	cause error
}

// E creates a classified error.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef creates a classified error with a formatted message.
func Ef(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches context fields (field names, ids) for the response body.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithDetail attaches a single context field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// WithUpstreamStatus records the upstream HTTP status for passthrough.
func (e *Error) WithUpstreamStatus(status int) *Error {
	e.UpstreamStatus = status
	return e
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

// HTTPStatus resolves the response status, honoring a recorded upstream
// status for client-error passthrough.
func (e *Error) HTTPStatus() int {
	if e.Code == CodePMSClientError && e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 {
		return e.UpstreamStatus
	}
	return e.Code.HTTPStatus()
}

// As unwraps err to a classified *Error if one is in the chain.
func As(err error) (*Error, bool) {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the classified code of err, or INTERNAL for unclassified
// errors. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
