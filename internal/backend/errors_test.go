package backend

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyHTTPStatus_RetryableStatuses(t *testing.T) {
	cases := []struct {
		status        int
		wantRetryable bool
		wantAfter     time.Duration
	}{
		{429, true, 5 * time.Second},
		{408, true, 3 * time.Second},
		{500, true, 3 * time.Second},
		{502, true, 3 * time.Second},
		{503, true, 3 * time.Second},
		{504, true, 3 * time.Second},
		{422, false, 0},
		{400, false, 0},
	}
	for _, tc := range cases {
		err := ClassifyHTTPStatus(tc.status, "")
		be, ok := err.(Error)
		if !ok {
			t.Fatalf("status %d: result does not implement backend.Error", tc.status)
		}
		if be.Retryable() != tc.wantRetryable {
			t.Errorf("status %d: Retryable() = %v, want %v", tc.status, be.Retryable(), tc.wantRetryable)
		}
		if be.RetryAfter() != tc.wantAfter {
			t.Errorf("status %d: RetryAfter() = %v, want %v", tc.status, be.RetryAfter(), tc.wantAfter)
		}
		if be.StatusCode() != tc.status {
			t.Errorf("status %d: StatusCode() = %d", tc.status, be.StatusCode())
		}
	}
}

func TestClassifyHTTPStatus_DetectsOutOfMemory(t *testing.T) {
	err := ClassifyHTTPStatus(500, "CUDA out of memory")
	if !IsOutOfMemory(err) {
		t.Fatal("expected out-of-memory to be detected from the response body")
	}
}

func TestIsOutOfMemory_NonBackendError(t *testing.T) {
	if IsOutOfMemory(errors.New("plain error")) {
		t.Fatal("a non-backend error should never report out-of-memory")
	}
}

func TestNewProtocolError_IsRetryable(t *testing.T) {
	err := NewProtocolError("missing choices[0].message.content")
	be, ok := err.(Error)
	if !ok {
		t.Fatal("NewProtocolError should implement backend.Error")
	}
	if !be.Retryable() {
		t.Fatal("ProtocolError should be retryable")
	}
}

func TestNewTransportError_IsRetryable(t *testing.T) {
	err := NewTransportError("connection reset by peer")
	be, ok := err.(Error)
	if !ok {
		t.Fatal("NewTransportError should implement backend.Error")
	}
	if !be.Retryable() {
		t.Fatal("TransientError should be retryable")
	}
}
