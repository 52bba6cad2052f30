package app

import (
	"errors"
	"fmt"
	"net/http"

	"chronicle/collab/internal/collab"
	"chronicle/collab/internal/gitrepo"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return http.StatusNotFound, "NOT_FOUND", "Document has no history", nil
	}

	code = collab.Code(err)
	switch code {
	case "CREDENTIAL_MISSING", "CREDENTIAL_INVALID", "USER_NOT_FOUND":
		return http.StatusUnauthorized, code, "Unauthorized", nil
	case "FORBIDDEN":
		return http.StatusForbidden, code, "Forbidden", nil
	case "DOCUMENT_UNAVAILABLE":
		return http.StatusNotFound, code, err.Error(), nil
	case "INVALID_OPERATION":
		return http.StatusUnprocessableEntity, code, err.Error(), nil
	case "CANCELLED":
		return http.StatusServiceUnavailable, code, "Request cancelled", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
