package collab

import (
	"context"
	"errors"
)

var (
	ErrCredentialMissing   = errors.New("credential missing")
	ErrCredentialInvalid   = errors.New("credential invalid")
	ErrUserNotFound        = errors.New("user not found")
	ErrDocumentUnavailable = errors.New("document unavailable")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrCancelled           = errors.New("connection cancelled")
)

// Code is the machine-readable reason sent to clients for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrCredentialMissing):
		return "CREDENTIAL_MISSING"
	case errors.Is(err, ErrCredentialInvalid):
		return "CREDENTIAL_INVALID"
	case errors.Is(err, ErrUserNotFound):
		return "USER_NOT_FOUND"
	case errors.Is(err, ErrDocumentUnavailable):
		return "DOCUMENT_UNAVAILABLE"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrInvalidOperation):
		return "INVALID_OPERATION"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrCredentialMissing) ||
		errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrUserNotFound)
}

// Close codes used when the server ends a connection.
const (
	CloseGoingAway   = 1001
	CloseProtocol    = 4400
	CloseAuthFailed  = 4401
	CloseForbidden   = 4403
	CloseUnavailable = 4503
)

// CloseCode picks the close code for a rejected or terminated connection.
func CloseCode(err error) int {
	switch {
	case isAuthError(err):
		return CloseAuthFailed
	case errors.Is(err, ErrForbidden):
		return CloseForbidden
	case errors.Is(err, ErrDocumentUnavailable):
		return CloseUnavailable
	case errors.Is(err, ErrInvalidOperation):
		return CloseProtocol
	default:
		return CloseGoingAway
	}
}
