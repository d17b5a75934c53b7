package errors

import (
	stderrors "errors"
	"net/http"
)

// Domain is the error domain for auth broker errors.
const Domain = "github.com/louisbranch/authbroker"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for diagnostics
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with diagnostic metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithMetadata creates a domain error with both metadata and a cause.
func WrapWithMetadata(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
		Cause:    cause,
	}
}

// CodeOf returns the code of the first domain error in err's chain, or
// CodeInternal when none is present.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

// PublicResponse is the client-facing body for a failed request. It carries
// only the category and a generic message.
type PublicResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Public converts err into an HTTP status and the generic response body.
func Public(err error) (int, PublicResponse) {
	code := CodeOf(err)
	if code == "" {
		code = CodeInternal
	}
	status := code.HTTPStatus()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, PublicResponse{
		Error:   code.Category(),
		Message: code.PublicMessage(),
	}
}
