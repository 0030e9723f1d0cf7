// Package errors provides error codes for the offline sync layer.
// Codes are stable strings so they can be reported to the UI unchanged.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, machine-readable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrInvalid       ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_FAILED"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrTransmitFailed   ErrorCode = "TRANSMIT_FAILED"
	ErrTransmitRejected ErrorCode = "TRANSMIT_REJECTED"
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
	ErrRefreshFailed    ErrorCode = "REFRESH_FAILED"

	// Interceptor errors
	ErrOffline      ErrorCode = "OFFLINE"
	ErrPrecache     ErrorCode = "PRECACHE_FAILED"
	ErrCache        ErrorCode = "CACHE_FAILED"
	ErrNotActivated ErrorCode = "NOT_ACTIVATED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// GetCode returns the outermost error code, or ErrInternal for foreign errors.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether a failed transmission may succeed on a later pass.
// Only an explicit rejection from the remote API is treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !Is(err, ErrTransmitRejected)
}
