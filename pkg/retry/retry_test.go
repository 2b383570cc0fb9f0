package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		Multiplier:  2,
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testConfig(), func(int) error {
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

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), testConfig(), func(int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoUnwrapsExhaustedError(t *testing.T) {
	cause := errors.New("still down")
	retries := 0
	cfg := testConfig()
	cfg.OnRetry = func(int, error) { retries++ }

	err := Do(context.Background(), cfg, func(int) error {
		return Retryable(cause)
	})
	if err != cause {
		t.Fatalf("err = %#v, want bare cause", err)
	}
	if IsRetryable(err) {
		t.Error("exhausted error should not stay wrapped")
	}
	if retries != 2 {
		t.Errorf("OnRetry called %d times, want 2", retries)
	}
}

func TestDoWithResultPassesAttempt(t *testing.T) {
	got, err := DoWithResult(context.Background(), testConfig(), func(attempt int) (int, error) {
		if attempt == 1 {
			return 0, Retryable(errors.New("first"))
		}
		return attempt, nil
	})
	if err != nil || got != 2 {
		t.Fatalf("got (%d, %v), want (2, nil)", got, err)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.MaxAttempts = 0
	cfg.InitialWait = time.Hour
	cfg.MaxWait = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(int) error { return Retryable(errors.New("down")) })
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond, Multiplier: 2}
	if got := cfg.Backoff(1); got != 100*time.Millisecond {
		t.Errorf("Backoff(1) = %v", got)
	}
	if got := cfg.Backoff(5); got != 300*time.Millisecond {
		t.Errorf("Backoff(5) = %v, want cap", got)
	}
}
