package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CodeValidation, "invalid quality")

	if err.Code != CodeValidation {
		t.Errorf("expected code=%s, got %s", CodeValidation, err.Code)
	}
	if err.Message != "invalid quality" {
		t.Errorf("expected message='invalid quality', got %s", err.Message)
	}
	if len(err.Stack) == 0 {
		t.Error("expected stack trace to be captured")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "simple error",
			err:      New(CodeOverloaded, "queue full"),
			contains: []string{"OVERLOADED", "queue full"},
		},
		{
			name: "error with op",
			err: &Error{
				Code:    CodeInternal,
				Message: "persist failed",
				Op:      "dispatcher.submit",
			},
			contains: []string{"dispatcher.submit", "INTERNAL_ERROR", "persist failed"},
		},
		{
			name: "error with underlying",
			err: &Error{
				Code:    CodeInternal,
				Message: "wrapper",
				Err:     fmt.Errorf("disk full"),
			},
			contains: []string{"wrapper", "disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			str := tt.err.Error()
			for _, c := range tt.contains {
				if !strings.Contains(str, c) {
					t.Errorf("expected error string to contain %q, got: %s", c, str)
				}
			}
		})
	}
}

func TestWrap(t *testing.T) {
	original := fmt.Errorf("rename failed")
	wrapped := Wrap(original, "fsstore.put", "write job record")

	if wrapped == nil {
		t.Fatal("expected wrapped error to be non-nil")
	}
	if wrapped.Code != CodeInternal {
		t.Errorf("expected code=%s, got %s", CodeInternal, wrapped.Code)
	}
	if wrapped.Op != "fsstore.put" {
		t.Errorf("expected op='fsstore.put', got %s", wrapped.Op)
	}
	if errors.Unwrap(wrapped) != original {
		t.Error("Unwrap should return original error")
	}

	if Wrap(nil, "op", "message") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	original := NotFound("job", "job_1")
	wrapped := Wrap(original, "handler", "lookup failed")

	if wrapped.Code != CodeNotFound {
		t.Errorf("expected code to be preserved as %s, got %s", CodeNotFound, wrapped.Code)
	}
	if wrapped.Fields["id"] != "job_1" {
		t.Errorf("expected fields to be preserved, got %v", wrapped.Fields)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, 400},
		{CodeNotFound, 404},
		{CodeFailedPrecond, 409},
		{CodeRateLimited, 429},
		{CodeInternal, 500},
		{CodeOverloaded, 503},
		{CodeUnavailable, 503},
		{CodeTimeout, 504},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			if err.HTTPStatus() != tt.status {
				t.Errorf("expected status=%d, got %d", tt.status, err.HTTPStatus())
			}
		})
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("NotFound", func(t *testing.T) {
		err := NotFound("job", "job_123")
		if err.Code != CodeNotFound {
			t.Errorf("expected code=%s, got %s", CodeNotFound, err.Code)
		}
		if err.Fields["resource"] != "job" {
			t.Errorf("expected resource='job', got %v", err.Fields["resource"])
		}
	})

	t.Run("Overloaded", func(t *testing.T) {
		err := Overloaded(8)
		if !IsOverloaded(err) {
			t.Errorf("expected overloaded, got %s", err.Code)
		}
		if err.Fields["capacity"] != 8 {
			t.Errorf("expected capacity=8, got %v", err.Fields["capacity"])
		}
	})

	t.Run("ValidationField", func(t *testing.T) {
		err := ValidationField("quality", "unknown quality")
		if !IsValidation(err) {
			t.Errorf("expected code=%s, got %s", CodeValidation, err.Code)
		}
		if err.Fields["field"] != "quality" {
			t.Errorf("expected field='quality', got %v", err.Fields["field"])
		}
	})

	t.Run("FailedPrecondition", func(t *testing.T) {
		err := FailedPrecondition("job is running")
		if err.Code != CodeFailedPrecond {
			t.Errorf("expected code=%s, got %s", CodeFailedPrecond, err.Code)
		}
	})

	t.Run("Unavailable", func(t *testing.T) {
		err := Unavailable("dispatcher")
		if err.Code != CodeUnavailable {
			t.Errorf("expected code=%s, got %s", CodeUnavailable, err.Code)
		}
	})
}

func TestGetCode(t *testing.T) {
	t.Run("from service error", func(t *testing.T) {
		if GetCode(New(CodeNotFound, "x")) != CodeNotFound {
			t.Error("expected NOT_FOUND")
		}
	})

	t.Run("from standard error", func(t *testing.T) {
		if GetCode(fmt.Errorf("standard error")) != CodeInternal {
			t.Error("expected INTERNAL_ERROR for foreign errors")
		}
	})

	t.Run("through fmt wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("ctx: %w", Validation("bad"))
		if GetCode(wrapped) != CodeValidation {
			t.Errorf("expected code=%s, got %s", CodeValidation, GetCode(wrapped))
		}
	})
}

func TestGetMessage(t *testing.T) {
	if got := GetMessage(Wrap(fmt.Errorf("io"), "op", "outer")); got != "outer" {
		t.Errorf("expected outer message, got %q", got)
	}
	if got := GetMessage(fmt.Errorf("plain")); got != "plain" {
		t.Errorf("expected plain message, got %q", got)
	}
}

func TestStackTrace(t *testing.T) {
	stack := New(CodeInternal, "test error").StackTrace()
	if !strings.Contains(stack, ".go:") {
		t.Errorf("expected stack trace to contain file references, got: %s", stack)
	}
}

func TestErrorIs(t *testing.T) {
	err1 := New(CodeNotFound, "error 1")
	err2 := New(CodeNotFound, "error 2")
	err3 := New(CodeValidation, "error 3")

	if !errors.Is(err1, err2) {
		t.Error("expected errors with same code to match with Is")
	}
	if errors.Is(err1, err3) {
		t.Error("expected errors with different codes to not match")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Overloaded(4), true},
		{Unavailable("dispatcher"), true},
		{New(CodeRateLimited, "slow down"), true},
		{Timeout("render"), true},
		{Validation("bad"), false},
		{NotFound("job", "j"), false},
		{fmt.Errorf("wrapped: %w", Overloaded(1)), true},
		{fmt.Errorf("plain"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestStackSkipsRuntimeFrames(t *testing.T) {
	err := New(CodeInternal, "x")
	if len(err.Stack) == 0 || len(err.Stack) > maxFrames {
		t.Fatalf("unexpected stack depth %d", len(err.Stack))
	}
	for _, f := range err.Stack {
		if strings.HasPrefix(f.Function, "runtime.") {
			t.Errorf("runtime frame captured: %s", f.Function)
		}
	}
	if !strings.Contains(err.Stack[0].Function, "TestStackSkipsRuntimeFrames") {
		t.Errorf("first frame should be the caller, got %s", err.Stack[0].Function)
	}
}
