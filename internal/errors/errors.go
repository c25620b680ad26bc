package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypePermissionDenied ErrorType = "permission_denied"
	ErrorTypeCancelled        ErrorType = "cancelled"
	ErrorTypeNetwork          ErrorType = "network"
	ErrorTypeUpload           ErrorType = "upload"
	ErrorTypeRequest          ErrorType = "request"
	ErrorTypeParse            ErrorType = "parse"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeInternal         ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

func newError(t ErrorType, status int, message string, cause error) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: status,
		Cause:      cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, message, cause)
}

// NewPermissionDeniedError is returned when a capability grant is missing
func NewPermissionDeniedError(message string, cause error) *AppError {
	return newError(ErrorTypePermissionDenied, http.StatusForbidden, message, cause)
}

// NewCancelledError marks a benign user cancellation. It never moves the
// pipeline into an error state.
func NewCancelledError(message string) *AppError {
	return newError(ErrorTypeCancelled, http.StatusOK, message, nil)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return newError(ErrorTypeNetwork, http.StatusBadGateway, message, cause)
}

// NewUploadError wraps a transport or backend failure while storing a payload
func NewUploadError(message string, cause error) *AppError {
	return newError(ErrorTypeUpload, http.StatusBadGateway, message, cause)
}

// NewRequestError wraps an HTTP-level failure talking to the OCR backend
func NewRequestError(message string, cause error) *AppError {
	return newError(ErrorTypeRequest, http.StatusBadGateway, message, cause)
}

// NewParseError is returned when an OCR response does not have the expected shape
func NewParseError(message string, cause error) *AppError {
	return newError(ErrorTypeParse, http.StatusBadGateway, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, message, cause)
}

// NewConflictError is returned for a transition the current state does not allow
func NewConflictError(message string, cause error) *AppError {
	return newError(ErrorTypeConflict, http.StatusConflict, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, message, cause)
}

// IsType checks if the error, or any error it wraps, is an AppError of errorType
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// TypeOf returns the type of the outermost AppError in the chain, or internal
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
