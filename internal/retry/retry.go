// Package retry runs token-endpoint calls under exponential backoff. Only
// errors the caller classifies as transient are retried; a permanent error or
// the overall deadline stops the loop and the last error is returned.
package retry

import (
	"context"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Default backoff parameters for auth-code exchange and token refresh.
const (
	DefaultInitial       = 100 * time.Millisecond
	DefaultMaxInterval   = 2 * time.Second
	DefaultMaxElapsed    = 15 * time.Second
	DefaultJitterPercent = 50
)

// Policy configures the backoff. The interval doubles after every attempt.
type Policy struct {
	Initial       time.Duration
	MaxInterval   time.Duration
	MaxElapsed    time.Duration
	JitterPercent uint64
}

// DefaultPolicy returns the policy used for token-endpoint calls.
func DefaultPolicy() Policy {
	return Policy{
		Initial:       DefaultInitial,
		MaxInterval:   DefaultMaxInterval,
		MaxElapsed:    DefaultMaxElapsed,
		JitterPercent: DefaultJitterPercent,
	}
}

// backoff builds a fresh backoff. go-retry backoffs are stateful, so every
// Do call needs its own.
func (p Policy) backoff() goretry.Backoff {
	b := goretry.NewExponential(p.Initial)
	if p.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.JitterPercent, b)
	}

	if p.MaxInterval > 0 {
		b = goretry.WithCappedDuration(p.MaxInterval, b)
	}

	if p.MaxElapsed > 0 {
		b = goretry.WithMaxDuration(p.MaxElapsed, b)
	}

	return b
}

// Do calls fn until it succeeds, returns an error for which transient reports
// false, the policy's deadline passes or ctx is canceled. The value from the
// first successful attempt is returned.
func Do[T any](
	ctx context.Context, p Policy, transient func(error) bool, logger *slog.Logger, action string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		result  T
		attempt int
	)

	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++

		v, err := fn(ctx)
		if err == nil {
			result = v
			return nil
		}

		if transient(err) {
			logger.Warn("retrying after transient error",
				slog.String("action", action),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return goretry.RetryableError(err)
		}

		return err
	})
	if err != nil {
		if attempt > 1 {
			logger.Error("giving up after retries",
				slog.String("action", action),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
		}

		var zero T

		return zero, err
	}

	return result, nil
}
