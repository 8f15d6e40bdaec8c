package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Configuration errors
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrCodeDuplicateDefinition   ErrorCode = "DUPLICATE_DEFINITION"
	ErrCodeUnsupportedDataSource ErrorCode = "UNSUPPORTED_DATA_SOURCE"
	ErrCodeInvalidDefinition     ErrorCode = "INVALID_DEFINITION"

	// Parameter errors
	ErrCodeValidationError     ErrorCode = "VALIDATION_ERROR"
	ErrCodeTypeMismatch        ErrorCode = "TYPE_MISMATCH"
	ErrCodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"

	// Backend errors
	ErrCodeBackendUnavailable       ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout           ErrorCode = "BACKEND_TIMEOUT"
	ErrCodeBackendRejected          ErrorCode = "BACKEND_REJECTED"
	ErrCodeBackendMalformedResponse ErrorCode = "BACKEND_MALFORMED_RESPONSE"

	// Throttling
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// Infrastructure errors
	ErrCodeCacheError        ErrorCode = "CACHE_ERROR"
	ErrCodeHistoryWriteError ErrorCode = "HISTORY_WRITE_ERROR"
	ErrCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context.
// Every externally visible error carries a machine-readable code plus a
// human-readable message; underlying causes stay wrapped and are never part
// of the public contract.
type AppError struct {
	Code       ErrorCode
	Message    string
	Err        error
	Status     int // HTTP status code
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new application error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  httpStatus(code),
	}
}

// Wrap wraps an existing error with an error code and message
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Status:  httpStatus(code),
	}
}

// WithRetryAfter attaches a retry hint, surfaced for 429-style rejections
func (e *AppError) WithRetryAfter(d time.Duration) *AppError {
	e.RetryAfter = d
	return e
}

// httpStatus maps error codes to HTTP status codes
func httpStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateDefinition:
		return http.StatusConflict
	case ErrCodeValidationError, ErrCodeTypeMismatch, ErrCodeConstraintViolation,
		ErrCodeUnsupportedDataSource, ErrCodeInvalidDefinition:
		return http.StatusBadRequest
	case ErrCodeBackendTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeBackendRejected:
		return http.StatusForbidden
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeBackendMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the error code from err, or INTERNAL_ERROR if it carries none
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// StatusOf extracts the HTTP status from err, or 500 if it carries none
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// RetryAfterOf extracts the retry hint from err, zero when absent
func RetryAfterOf(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsValidationError checks if the error is a parameter validation error
func IsValidationError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidationError, ErrCodeTypeMismatch, ErrCodeConstraintViolation:
		return true
	}
	return false
}

// IsTransient reports whether the error came from a backend fault that may
// clear on retry
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeBackendUnavailable, ErrCodeBackendTimeout:
		return true
	}
	return false
}
