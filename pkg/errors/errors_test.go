package errors

import (
	"context"
	"errors"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeTransport,
				Operation: "read_record",
				Message:   "worker stream failed",
				Cause:     errors.New("broken pipe"),
			},
			expected: "transport operation 'read_record' failed: worker stream failed (caused by: broken pipe)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeValidation,
				Operation: "verify_solution",
				Message:   "hash does not meet target",
			},
			expected: "validation operation 'verify_solution' failed: hash does not meet target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNew_RetryableByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNode, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeTransport, false},
		{ErrorTypeProtocol, false},
		{ErrorTypeValidation, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.IsRetryable() != tt.retryable {
				t.Errorf("New(%s).IsRetryable() = %v, want %v", tt.errorType, err.IsRetryable(), tt.retryable)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := Wrap(base, ErrorTypeNode, "get_template", "node unreachable")

	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to the base error")
	}
	if !wrapped.IsRetryable() {
		t.Error("connection refused should be retryable")
	}
	if !IsType(wrapped, ErrorTypeNode) {
		t.Error("IsType should report node error")
	}

	// Wrapping a ServiceError preserves retryability
	inner := New(ErrorTypeValidation, "verify", "bad hash")
	outer := Wrap(inner, ErrorTypeInternal, "aggregate", "submit failed")
	if outer.IsRetryable() {
		t.Error("wrapping a non-retryable ServiceError must stay non-retryable")
	}
}

func TestWrap_NilError(t *testing.T) {
	if got := Wrap(nil, ErrorTypeInternal, "op", "msg"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestIsRetryable_ContextErrors(t *testing.T) {
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled must not be retryable")
	}
	if IsRetryable(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded must not be retryable")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrorTypeProtocol, "decode", "unknown type").
		WithContext("worker_id", "worker-1").
		WithContext("line", `{"type":"bogus"}`)

	ctx := GetContext(err)
	if ctx == nil {
		t.Fatal("expected context map")
	}
	if ctx["worker_id"] != "worker-1" {
		t.Errorf("worker_id = %v, want worker-1", ctx["worker_id"])
	}
}
