// Package errors provides custom error types for the AgentDeck server.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeGone          = "GONE"
	ErrCodeTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// CorrelationID identifies internal errors in server logs without
	// echoing the underlying cause to clients.
	CorrelationID string `json:"correlation_id,omitempty"`
	Err           error  `json:"-"`
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

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Gone creates an error for operations on a terminated process.
func Gone(message string) *AppError {
	return &AppError{
		Code:       ErrCodeGone,
		Message:    message,
		HTTPStatus: http.StatusGone,
	}
}

// TooLarge creates an error for payloads exceeding a configured cap.
func TooLarge(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTooLarge,
		Message:    message,
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// InternalError creates a new internal server error with a wrapped
// underlying error. The cause is never echoed to clients; the correlation
// id ties the client-visible error to the server log line.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:          ErrCodeInternalError,
		Message:       message,
		HTTPStatus:    http.StatusInternalServerError,
		CorrelationID: uuid.New().String(),
		Err:           err,
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
			Code:          appErr.Code,
			Message:       fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus:    appErr.HTTPStatus,
			CorrelationID: appErr.CorrelationID,
			Err:           err,
		}
	}

	return InternalError(message, err)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsGone checks if the error is a gone error.
func IsGone(err error) bool {
	return hasCode(err, ErrCodeGone)
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	return hasCode(err, ErrCodeBadRequest)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
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
