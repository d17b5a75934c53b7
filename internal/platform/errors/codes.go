// Package errors provides structured error handling for the auth broker.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeInternal represents an unexpected failure.
	CodeInternal Code = "INTERNAL"

	// Login flow errors
	CodeCorrelationInvalid Code = "CORRELATION_INVALID"
	CodeExchangeFailed     Code = "IDP_EXCHANGE_FAILED"
	CodeAssertionInvalid   Code = "IDP_ASSERTION_INVALID"

	// Storage errors
	CodeNotFound               Code = "NOT_FOUND"
	CodePersistenceUnavailable Code = "PERSISTENCE_UNAVAILABLE"

	// Credential errors
	CodeTokenExpired    Code = "TOKEN_EXPIRED"
	CodeTokenMalformed  Code = "TOKEN_MALFORMED"
	CodeTokenWrongKind  Code = "TOKEN_WRONG_KIND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

// HTTPStatus maps the code to the status returned to clients.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeCorrelationInvalid:
		return http.StatusBadRequest
	case CodeAssertionInvalid:
		return http.StatusUnauthorized
	case CodeExchangeFailed:
		return http.StatusBadGateway
	case CodePersistenceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTokenExpired, CodeTokenMalformed, CodeTokenWrongKind, CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Category returns the short, stable label exposed to clients.
func (c Code) Category() string {
	switch c {
	case CodeCorrelationInvalid, CodeExchangeFailed, CodeAssertionInvalid:
		return "authentication_failed"
	case CodePersistenceUnavailable:
		return "temporarily_unavailable"
	case CodeTokenExpired:
		return "token_expired"
	case CodeTokenMalformed, CodeTokenWrongKind:
		return "invalid_token"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

// PublicMessage returns the generic text shown to clients. It never includes
// internal detail.
func (c Code) PublicMessage() string {
	switch c {
	case CodeCorrelationInvalid, CodeExchangeFailed, CodeAssertionInvalid:
		return "Authentication failed. Please sign in again."
	case CodePersistenceUnavailable:
		return "The service is temporarily unavailable. Please try again later."
	case CodeTokenExpired:
		return "The credential has expired."
	case CodeTokenMalformed, CodeTokenWrongKind:
		return "The credential is invalid."
	case CodeUnauthenticated:
		return "Authentication is required."
	case CodeNotFound:
		return "The requested resource was not found."
	default:
		return "An unexpected error occurred."
	}
}

// IsTokenError reports whether the code belongs to the credential family.
func (c Code) IsTokenError() bool {
	switch c {
	case CodeTokenExpired, CodeTokenMalformed, CodeTokenWrongKind:
		return true
	default:
		return false
	}
}
