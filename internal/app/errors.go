package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"depot/api/internal/principal"
	"depot/api/internal/query"
	"depot/api/internal/search"
	"depot/api/internal/store"
	"depot/api/internal/types"
)

// DomainError carries the transport status and stable error code for one
// failure. Subsystem sentinels are translated through mapSentinel; anything
// unrecognized stays a plain error and surfaces as a server error.
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

func errInvalidCredentials() *DomainError {
	return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid user or password", nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func errAttachmentsUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "No attachment store configured", nil)
}

// mapSentinel translates subsystem sentinels into domain errors.
func mapSentinel(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, query.ErrInvalidQuery):
		return domainError(http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
	case errors.Is(err, types.ErrRepositoryNotFound):
		return domainError(http.StatusNotFound, "REPOSITORY_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, types.ErrTypeNotFound):
		return domainError(http.StatusNotFound, "TYPE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, types.ErrTypeInUse):
		return domainError(http.StatusConflict, "TYPE_IN_USE", err.Error(), nil)
	case errors.Is(err, types.ErrInvalidType):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, principal.ErrNotFound):
		return domainError(http.StatusNotFound, "PRINCIPAL_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, search.ErrUnavailable):
		return domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search engine unavailable", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return domainError(http.StatusGatewayTimeout, "TIMEOUT", "Backend call timed out", nil)
	}
	return err
}
