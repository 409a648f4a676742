package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "swarmplayer/pkg/errors"
)

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()

	calls := 0
	err := Retry(ctx, cfg, nil, func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Retry(ctx, cfg, nil, func() error {
		calls++
		if calls < 3 {
			return apperrors.NewTransientNetworkError(nil, "origin unreachable")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	wantErr := apperrors.NewTransientNetworkError(nil, "origin unreachable")
	err := Retry(ctx, cfg, nil, func() error {
		calls++
		return wantErr
	})

	if err != wantErr {
		t.Errorf("expected final attempt's error to surface unwrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 1 initial + 2 retries = 3 calls, got %d", calls)
	}
}

func TestRetry_Disabled(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Enabled: false, MaxAttempts: 5}

	calls := 0
	wantErr := errors.New("boom")
	err := Retry(ctx, cfg, nil, func() error {
		calls++
		return wantErr
	})

	if err != wantErr {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
	if calls != 1 {
		t.Errorf("disabled retry should call fn exactly once, got %d calls", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		Enabled:      true,
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, nil, func() error {
		return apperrors.NewTransientNetworkError(nil, "origin unreachable")
	})

	appErr := apperrors.GetAppError(err)
	if appErr == nil || appErr.Code != apperrors.ErrCodeCancelled {
		t.Errorf("expected a cancelled AppError, got %v", err)
	}
}

func TestRetry_NonRetryableErrorStopsImmediately(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()

	calls := 0
	wantErr := apperrors.NewNotFoundError("segment")
	err := Retry(ctx, cfg, nil, func() error {
		calls++
		return wantErr
	})

	if err != wantErr {
		t.Errorf("expected not-found error to surface unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error should stop after first attempt, got %d calls", calls)
	}
}

func TestRetry_UnclassifiedErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := Retry(ctx, cfg, nil, func() error {
		calls++
		if calls < 2 {
			return errors.New("plain error, not an AppError")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected unclassified errors to be retried, got %d calls", calls)
	}
}

func TestRetryWithResult_Success(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()

	result, err := RetryWithResult(ctx, cfg, nil, func() (string, error) {
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %v", result)
	}
}

func TestRetryWithResult_Failure(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Enabled:      true,
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}

	wantErr := apperrors.NewTransientNetworkError(nil, "origin unreachable")
	result, err := RetryWithResult(ctx, cfg, nil, func() ([]byte, error) {
		return nil, wantErr
	})

	if err != wantErr {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
	if result != nil {
		t.Errorf("expected zero value result, got %v", result)
	}
}

func TestRetryWithResult_Disabled(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Enabled: false}

	calls := 0
	result, err := RetryWithResult(ctx, cfg, nil, func() (int, error) {
		calls++
		return 42, nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestCalculateDelay_ExponentialBackoff(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}

	d0 := calculateDelay(cfg, 0)
	d1 := calculateDelay(cfg, 1)
	d2 := calculateDelay(cfg, 2)

	if d0 != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %v", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("attempt 1: expected 200ms, got %v", d1)
	}
	if d2 != 400*time.Millisecond {
		t.Errorf("attempt 2: expected 400ms, got %v", d2)
	}
}

func TestCalculateDelay_MaxDelayCap(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}

	d := calculateDelay(cfg, 10)
	if d != 2*time.Second {
		t.Errorf("expected delay capped at MaxDelay (2s), got %v", d)
	}
}

func TestCalculateDelay_WithJitter(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	d := calculateDelay(cfg, 0)
	if d <= 0 {
		t.Errorf("expected a positive jittered delay, got %v", d)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("expected Enabled = true")
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts = 3, got %d", cfg.MaxAttempts)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("expected Multiplier = 2.0, got %v", cfg.Multiplier)
	}
}
