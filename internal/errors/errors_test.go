// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},
		{"local storage", ErrLocalStorage},
		{"migration", ErrMigration},
		{"post not found", ErrPostNotFound},
		{"post invalid", ErrPostInvalid},
		{"sync not configured", ErrSyncNotConfigured},
		{"sync failed", ErrSyncFailed},
		{"sync transient", ErrSyncTransient},
		{"sync rejected", ErrSyncRejected},
		{"sync conflict", ErrSyncConflict},
		{"sync auth expired", ErrSyncAuthExpired},
		{"sync timeout", ErrSyncTimeout},
		{"credential missing", ErrCredentialMissing},
		{"crypto failed", ErrCryptoFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

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
			appError: &AppError{Code: ErrLocalStorage, Message: "write post", Err: errors.New("disk full")},
			want:     "[LOCAL_STORAGE_FAILURE] write post: disk full",
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

// TestWrap_unwrap verifies the underlying error stays reachable.
func TestWrap_unwrap(t *testing.T) {
	base := errors.New("connection reset")
	err := Wrap(ErrSyncTransient, "push post", base)

	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped error")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Error() = %q, want it to mention the cause", err.Error())
	}
}

// TestIs verifies code matching through fmt wrapping and nested AppErrors.
func TestIs(t *testing.T) {
	inner := New(ErrSyncAuthExpired, "token expired")
	outer := Wrap(ErrSyncFailed, "drain", inner)
	wrapped := fmt.Errorf("lane p1: %w", outer)

	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", inner, ErrSyncAuthExpired, true},
		{"outer code", wrapped, ErrSyncFailed, true},
		{"nested code", wrapped, ErrSyncAuthExpired, true},
		{"absent code", wrapped, ErrSyncConflict, false},
		{"plain error", errors.New("x"), ErrInternal, false},
		{"nil", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Wrap(ErrSyncRejected, "422", nil))
	if got := CodeOf(err); got != ErrSyncRejected {
		t.Errorf("CodeOf() = %v, want %v", got, ErrSyncRejected)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrInternal)
	}
}
