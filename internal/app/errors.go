package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cohortportal/web/internal/auth"
	"cohortportal/web/internal/authpw"
	"cohortportal/web/internal/store"
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

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "You do not have access to this page", nil)

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// mapError translates service and store errors into an HTTP status and a
// message that is safe to show to the user.
func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message
	case errors.Is(err, store.ErrBatchNotFound):
		return http.StatusNotFound, "BATCH_NOT_FOUND", "Batch not found"
	case errors.Is(err, store.ErrDayNotFound):
		return http.StatusNotFound, "DAY_NOT_FOUND", "Day not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	case errors.Is(err, authpw.ErrDuplicateIdentifier):
		return http.StatusConflict, "DUPLICATE", "That username is already taken"
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE", "That slug is already in use"
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": ")
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Something went wrong"
	}
}
