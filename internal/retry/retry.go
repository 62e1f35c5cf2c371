package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config bounds a retried remote call. Every attempt runs under its own
// AttemptTimeout derived from the caller's context.
type Config struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// Retryable decides whether a failed attempt may be repeated. Nil retries
	// everything except cancellation of the caller's context.
	Retryable func(error) bool
	Logger    *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       16 * time.Second,
		AttemptTimeout: 45 * time.Second,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The delay doubles after every failure.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 16 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backoff := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runAttempt(ctx, cfg.AttemptTimeout, op)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry.", "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(cfg, err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn(
			"Operation failed, will retry.",
			"attempt", attempt,
			"maxAttempts", cfg.MaxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > cfg.MaxDelay {
				backoff = cfg.MaxDelay
			}
		case <-ctx.Done():
			logger.Error("Context cancelled during backoff. Aborting retries.", "error", ctx.Err())
			return ctx.Err()
		}
	}
	return lastErr
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func retryable(cfg Config, err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cfg.Retryable == nil {
		return true
	}
	return cfg.Retryable(err)
}
