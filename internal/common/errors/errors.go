// Package errors provides custom error types for the Codepod application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeProvisionFailed     = "PROVISION_FAILED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeValidationError     = "VALIDATION_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidState creates an error for an operation attempted against a resource
// whose current state does not permit it.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ProvisionFailed creates an error for a sandbox provisioning failure, wrapping
// the provider's underlying error.
func ProvisionFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProvisionFailed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ProviderUnavailable creates an error for an unreachable execution provider.
func ProviderUnavailable(provider string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProviderUnavailable,
		Message:    fmt.Sprintf("provider '%s' is currently unavailable", provider),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Timeout creates an error for an operation that exceeded its deadline.
func Timeout(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("operation '%s' timed out", operation),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsInvalidState checks if the error is an invalid state error.
func IsInvalidState(err error) bool {
	return hasCode(err, ErrCodeInvalidState)
}

// IsForbidden checks if the error is a forbidden error.
func IsForbidden(err error) bool {
	return hasCode(err, ErrCodeForbidden)
}

// IsProvisionFailed checks if the error is a provisioning failure.
func IsProvisionFailed(err error) bool {
	return hasCode(err, ErrCodeProvisionFailed)
}

// IsProviderUnavailable checks if the error is a provider availability error.
func IsProviderUnavailable(err error) bool {
	return hasCode(err, ErrCodeProviderUnavailable)
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
