package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPlan_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	p := Plan{Interval: time.Millisecond, MaxAttempts: 3}
	err := p.Run(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPlan_RetriesUpToMaxAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("boom")
	p := Plan{Interval: time.Millisecond, MaxAttempts: 3}
	err := p.Run(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPlan_ClassifierStopsRetryEarly(t *testing.T) {
	calls := 0
	wantErr := errors.New("non-retryable")
	p := Plan{
		Interval:    time.Millisecond,
		MaxAttempts: 5,
		Classify: func(err error) (bool, time.Duration) {
			return false, 0
		},
	}
	err := p.Run(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (classifier should stop retrying)", calls)
	}
}

func TestPlan_ContextCancelStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Plan{Interval: time.Hour, MaxAttempts: 5}
	go func() {
		cancel()
	}()
	err := p.Run(ctx, func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected an error from cancelled context")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 before the long interval elapses", calls)
	}
}

func TestPlan_ClassifierOverridesDelayButStaysRetryable(t *testing.T) {
	calls := 0
	p := Plan{
		Interval:    time.Millisecond,
		MaxAttempts: 2,
		Classify: func(err error) (bool, time.Duration) {
			return true, time.Millisecond
		},
	}
	err := p.Run(context.Background(), func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
