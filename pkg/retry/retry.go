// Package retry implements exponential-backoff retry for the Fetch
// Arbiter's origin-HTTP leg (spec §5: retryDelayBase · 2^attempt). Grounded
// on the teacher's pkg/retry/retry.go, adapted to classify retryability
// from this engine's pkg/errors taxonomy instead of a caller-supplied
// error-value allowlist (origin.Client never populated one), and to log
// attempts through the same zap.SugaredLogger idiom the rest of the tree
// uses instead of swallowing them.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	apperrors "swarmplayer/pkg/errors"
)

// Config holds retry configuration.
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Maximum number of retry attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Exponential backoff multiplier (typically 2.0)
	Jitter       bool          // Add random jitter to prevent thundering herd
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes fn with exponential-backoff retry, logging each attempt
// to log if non-nil. A nil error from fn short-circuits retrying;
// isRetryable(err) false stops retrying immediately.
func Retry(ctx context.Context, cfg Config, log *zap.SugaredLogger, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, log, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes fn, which returns a result, with exponential
// backoff retry.
func RetryWithResult[T any](ctx context.Context, cfg Config, log *zap.SugaredLogger, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, apperrors.NewCancelledError("retry cancelled")
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			if log != nil {
				log.Debugw("retry aborted, non-retryable error", "attempt", attempt, "error", err)
			}
			return zero, err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg, attempt)
		if log != nil {
			log.Debugw("retrying after error", "attempt", attempt, "delay", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return zero, apperrors.NewCancelledError("retry cancelled during backoff wait")
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// calculateDelay computes initialDelay * multiplier^attempt, capped at
// MaxDelay, with optional ±25% jitter.
func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	duration := time.Duration(delay)
	if cfg.Jitter {
		jitter := duration / 4
		duration = duration - jitter + time.Duration(rand.Float64()*float64(jitter*2))
	}
	return duration
}

// isRetryable classifies err using this engine's AppError taxonomy rather
// than a caller-supplied allowlist: transient network failures and
// unclassified errors are retried, everything else (not-found, protocol
// violation, cancellation, ...) is not.
func isRetryable(err error) bool {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return true
	}
	return appErr.Code == apperrors.ErrCodeTransientNetwork
}
