package resilience

import (
	"context"
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
	"github.com/cenkalti/backoff/v4"
	"k8s.io/utils/clock"
)

// RetryPolicy retries a failing operation with exponential backoff and
// jitter between attempts.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter randomizes each wait by up to this fraction in either direction.
	Jitter float64
}

func (p RetryPolicy) Validate() error {
	errFactory := errors.New()

	switch {
	case p.MaxAttempts <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "retry attempts must be positive")
	case p.InitialBackoff < 0 || p.MaxBackoff < p.InitialBackoff:
		return errFactory.WithMessage(ErrInvalidConfig, "retry backoff bounds are invalid")
	case p.Multiplier < 1:
		return errFactory.WithMessage(ErrInvalidConfig, "retry multiplier must be at least 1")
	case p.Jitter < 0 || p.Jitter > 1:
		return errFactory.WithMessage(ErrInvalidConfig, "retry jitter must be within [0, 1]")
	}
	return nil
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, the attempts are used up or ctx ends.
// notify, when set, is called before each wait. Exhaustion is reported as
// ErrRetriesExhausted wrapping the last failure; cancellation returns the
// context error.
func (p RetryPolicy) Do(ctx context.Context, clk clock.Clock, fn func(context.Context) error, notify func(err error, wait time.Duration)) error {
	if clk == nil {
		clk = clock.RealClock{}
	}

	attempts := 0
	err := backoff.RetryNotifyWithTimer(func() error {
		attempts++
		return fn(ctx)
	}, p.backOff(ctx), notify, &clockTimer{clock: clk})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return errors.New().Wrap(ErrRetriesExhausted, err).WithData(struct {
			Attempts int
			Error    string
		}{
			Attempts: attempts,
			Error:    err.Error(),
		})
	}
}

// clockTimer adapts a clock.Clock to the backoff.Timer interface.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C()
}
