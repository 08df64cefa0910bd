package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	transient := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return Retryable(transient)
	})
	if !errors.Is(err, transient) {
		t.Fatalf("err = %v, want %v", err, transient)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 10, InitialWait: time.Hour, MaxWait: time.Hour, Multiplier: 1}, func() error {
		calls++
		cancel()
		return Retryable(errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(4), func() (string, error) {
		calls++
		if calls < 2 {
			return "", Retryable(errors.New("transient"))
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult: %v", err)
	}
	if got != "done" {
		t.Errorf("result = %q, want done", got)
	}
}

func TestRetryableMarker(t *testing.T) {
	base := errors.New("boom")
	wrapped := Retryable(base)

	if !IsRetryable(wrapped) {
		t.Error("IsRetryable(Retryable(err)) = false")
	}
	if IsRetryable(base) {
		t.Error("IsRetryable(bare err) = true")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Retryable broke the error chain")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) != nil")
	}
}

func TestWaitCapsAtMax(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 4 * time.Second, Multiplier: 2.0}
	if got := cfg.wait(10); got != 4*time.Second {
		t.Errorf("wait(10) = %v, want capped 4s", got)
	}
	if got := cfg.wait(1); got != time.Second {
		t.Errorf("wait(1) = %v, want 1s", got)
	}
}
