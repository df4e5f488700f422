package common

import (
	"errors"
	"net/http"
)

// Stable error codes surfaced to clients.
const (
	CodeMissingFields    = "MISSING_FIELDS"
	CodePassengerBlocked = "PASSENGER_BLOCKED"
	CodeZoneFull         = "ZONE_FULL"
	CodeQueued           = "QUEUED"
	CodeQueueTimeout     = "QUEUE_TIMEOUT"
	CodeAlreadyTaken     = "ALREADY_TAKEN"
	CodeStale            = "STALE"
	CodeBadTransition    = "BAD_TRANSITION"
	CodeNoDriver         = "NO_DRIVER"
	CodeNotAssigned      = "NOT_ASSIGNED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL"
)

// Common sentinel errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("resource conflict")
)

// AppError represents an application error with HTTP status code and a
// stable machine-readable code.
type AppError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *AppError) Unwrap() error { return e.Err }

// NewAppError creates a new AppError
func NewAppError(status int, code, message string, err error) *AppError {
	return &AppError{Status: status, Code: code, Message: message, Err: err}
}

// NewValidationError builds a 400 with MISSING_FIELDS-style codes.
func NewValidationError(code, message string) *AppError {
	return NewAppError(http.StatusBadRequest, code, message, nil)
}

// NewPolicyError builds a 403 for blocked users and assignment violations.
func NewPolicyError(code, message string) *AppError {
	return NewAppError(http.StatusForbidden, code, message, nil)
}

// NewStateError builds a 409 for acceptance-race and transition failures.
func NewStateError(code, message string) *AppError {
	return NewAppError(http.StatusConflict, code, message, nil)
}

// NewNotFoundError builds a 404.
func NewNotFoundError(message string) *AppError {
	return NewAppError(http.StatusNotFound, CodeNotFound, message, nil)
}

// NewInternalServerError builds a 500.
func NewInternalServerError(message string) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, message, nil)
}

// NewInternalErrorWithError builds a 500 wrapping a cause.
func NewInternalErrorWithError(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, CodeInternal, message, err)
}

// CodeOf returns the stable code for err, or INTERNAL for unknown errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
