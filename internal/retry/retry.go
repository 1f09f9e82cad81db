// Package retry is the single retry/backoff envelope applied at every
// external-call boundary: transient faults are retried with exponential
// backoff and jitter, non-transient faults propagate immediately.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the retry behaviour.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, 0..1.
	Jitter float64
}

// DefaultPolicy mirrors the production defaults: four attempts, 1.5s base
// delay capped at one minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   1500 * time.Millisecond,
		MaxDelay:    time.Minute,
		Jitter:      0.5,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.5
	}
	return p
}

// Caller executes operations under one shared policy.
type Caller struct {
	policy Policy
	logger *slog.Logger
}

// New builds a Caller.
func New(p Policy) *Caller {
	return &Caller{
		policy: p.normalized(),
		logger: slog.Default().With(slog.String("component", "retry")),
	}
}

// Permanent marks err as non-transient so Do fails immediately without
// further attempts. Malformed requests and non-rate-limit 4xx responses
// belong in this class.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// exhausted. Every attempt and the final outcome are logged with the
// attempt count and elapsed time.
func Do[T any](ctx context.Context, c *Caller, name string, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.MaxInterval = c.policy.MaxDelay
	b.RandomizationFactor = c.policy.Jitter

	start := time.Now()
	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.logger.Warn("transient failure, backing off",
				slog.String("call", name),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.policy.MaxAttempts),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}),
	)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error("call failed",
			slog.String("call", name),
			slog.Int("attempts", attempt),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return result, err
	}
	c.logger.Info("call succeeded",
		slog.String("call", name),
		slog.Int("attempts", attempt),
		slog.Duration("elapsed", elapsed))
	return result, nil
}
