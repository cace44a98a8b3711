package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"partymesh/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeGone               ErrorCode = "GONE"
	ErrCodeUnprocessable      ErrorCode = "UNPROCESSABLE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

var domainMapping = []struct {
	err    error
	code   ErrorCode
	status int
}{
	{domain.ErrNotOwner, ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrScreenNotPermitted, ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrNotEnoughParticipants, ErrCodeConflict, http.StatusConflict},
	{domain.ErrAlreadyJoined, ErrCodeConflict, http.StatusConflict},
	{domain.ErrPeerNotFound, ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrRemoved, ErrCodeGone, http.StatusGone},
	{domain.ErrInvalidChat, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidRole, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidTarget, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidPeerID, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrInvalidTrack, ErrCodeInvalidInput, http.StatusBadRequest},
	{domain.ErrMediaNotAttached, ErrCodeConflict, http.StatusConflict},
	{domain.ErrMediaUnavailable, ErrCodeUnprocessable, http.StatusUnprocessableEntity},
	{domain.ErrNotJoined, ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
}

// FromDomain maps a session error onto the HTTP surface. Errors that are
// already AppErrors pass through; unknown errors become 500s.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainMapping {
		if stderrors.Is(err, m.err) {
			return WrapError(err, m.code, m.err.Error(), m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
