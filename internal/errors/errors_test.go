// Package errors tests for error code definitions and classification.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrStorage, Message: "save failed", Err: errors.New("disk full")},
			want:     "[STORAGE_FAILED] save failed: disk full",
		},
		{
			name:     "not found error",
			appError: &AppError{Code: ErrNotFound, Message: "submission not found"},
			want:     "[NOT_FOUND] submission not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping keeps the chain intact.
func TestWrap(t *testing.T) {
	underlying := errors.New("underlying")

	err := Wrap(ErrStorage, "query failed", underlying)
	if err.Code != ErrStorage {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrStorage)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
}

// TestIs verifies error code checking through wrapping layers.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "gone"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "gone"), ErrStorage, false},
		{"wrapped by fmt", fmt.Errorf("outer: %w", New(ErrOffline, "down")), ErrOffline, true},
		{"nested AppError", Wrap(ErrTransmitFailed, "outer", New(ErrTransmitRejected, "inner")), ErrTransmitRejected, true},
		{"plain error", errors.New("plain"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(fmt.Errorf("x: %w", New(ErrPrecache, "boom"))); got != ErrPrecache {
		t.Errorf("GetCode() = %q, want %q", got, ErrPrecache)
	}
	if got := GetCode(errors.New("plain")); got != ErrInternal {
		t.Errorf("GetCode() = %q, want %q", got, ErrInternal)
	}
}

// TestIsRetryable verifies that only explicit rejections are permanent.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network error", errors.New("dial tcp: connection refused"), true},
		{"transient", New(ErrTransmitFailed, "503"), true},
		{"rejected", New(ErrTransmitRejected, "422"), false},
		{"wrapped rejection", fmt.Errorf("submit: %w", New(ErrTransmitRejected, "400")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
