package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestEngineError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		retryable bool
	}{
		{"transient", NewTransientError("network", nil), true, true},
		{"throttled", NewThrottledError("slow down", nil), false, true},
		{"conflict", NewConflictError("etag mismatch", nil), false, true},
		{"validation", NewValidationError("bad input", nil), false, false},
		{"permanent", NewPermanentError("gone", nil), false, false},
		{"unclassified", errors.New("boom"), false, true},
		{"canceled", context.Canceled, false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("Expected IsTransient=%v, got %v", tt.transient, got)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("Expected IsRetryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestEngineError_WrappedClassSurvives(t *testing.T) {
	inner := NewThrottledError("rate limited", nil).WithCode(ErrCodeRateLimited)
	wrapped := fmt.Errorf("calling provider: %w", inner)

	if !IsThrottled(wrapped) {
		t.Error("Expected wrapped error to stay throttled")
	}
	if CodeOf(wrapped) != ErrCodeRateLimited {
		t.Errorf("Expected code %s, got %s", ErrCodeRateLimited, CodeOf(wrapped))
	}
}

func TestEngineError_Is(t *testing.T) {
	err := NewTransientError("lock busy", nil).WithCode(ErrCodeLockTimeout)

	if !errors.Is(err, &EngineError{Class: ErrorClassTransient}) {
		t.Error("Expected a class-only target to match")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassTransient, Code: ErrCodeLockTimeout}) {
		t.Error("Expected class and code target to match")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassTransient, Code: ErrCodeTimeout}) {
		t.Error("Expected a different code not to match")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassPermanent}) {
		t.Error("Expected a different class not to match")
	}
}

func TestClassify_Unclassified(t *testing.T) {
	cause := errors.New("connection reset")
	e := Classify(cause)

	if e.Class != ErrorClassTransient {
		t.Errorf("Expected transient class, got %s", e.Class)
	}
	if e.Code != ErrCodeInternal {
		t.Errorf("Expected code %s, got %s", ErrCodeInternal, e.Code)
	}
	if !errors.Is(e, cause) {
		t.Error("Expected classified error to wrap the cause")
	}
	if Classify(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestErrorDescriptor_RoundTrip(t *testing.T) {
	err := NewPermanentError("deployment failed", errors.New("quota exceeded")).
		WithCode(ErrCodeProviderFailed).
		WithResource("deployment-1").
		WithOperation("deploy").
		WithDetail("attempt", 3)

	d := Describe(err)
	if d.Message != "deployment failed: quota exceeded" {
		t.Errorf("Expected cause in message, got %q", d.Message)
	}

	back := d.Err()
	if !IsPermanent(back) {
		t.Errorf("Expected permanent class after round trip, got %s", back.Class)
	}
	if back.Code != ErrCodeProviderFailed || back.Resource != "deployment-1" || back.Operation != "deploy" {
		t.Errorf("Expected code, resource, and operation to survive, got %+v", back)
	}
	if back.Details["attempt"] != 3 {
		t.Errorf("Expected detail to survive, got %v", back.Details)
	}

	if Describe(nil) != nil {
		t.Error("Expected nil descriptor for nil error")
	}
	var none *ErrorDescriptor
	if none.Err() != nil {
		t.Error("Expected nil error for nil descriptor")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("project", "p1")

	if !IsNotFound(err) {
		t.Error("Expected NOT_FOUND code")
	}
	if IsRetryable(err) {
		t.Error("Expected not found to be permanent")
	}
	if err.Error() != "[permanent] project not found (resource=p1)" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
