package resilience

import (
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
)

const (
	DefaultFailureThreshold   = 5
	DefaultCooldown           = 30 * time.Second
	DefaultCooldownMultiplier = 2.0
	DefaultMaxCooldown        = 5 * time.Minute

	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultJitter         = 0.1

	DefaultBufferBatches  = 1000
	DefaultBufferBytes    = 64 << 20
	DefaultAttemptTimeout = 10 * time.Second
)

type BreakerConfig struct {
	FailureThreshold   int
	Cooldown           time.Duration
	CooldownMultiplier float64
	MaxCooldown        time.Duration
}

type BufferConfig struct {
	// MaxBatches and MaxBytes bound the offline buffer. Zero disables a bound,
	// but at least one must be set.
	MaxBatches int
	MaxBytes   int
}

type Config struct {
	Breaker BreakerConfig
	Retry   RetryPolicy
	Buffer  BufferConfig
	// AttemptTimeout bounds a single send attempt. Zero leaves it to the transport.
	AttemptTimeout time.Duration
	// ReplayRate limits backlog replay after recovery in batches per second.
	// Zero means unlimited.
	ReplayRate float64
}

func DefaultConfig() Config {
	return Config{
		Breaker: BreakerConfig{
			FailureThreshold:   DefaultFailureThreshold,
			Cooldown:           DefaultCooldown,
			CooldownMultiplier: DefaultCooldownMultiplier,
			MaxCooldown:        DefaultMaxCooldown,
		},
		Retry: RetryPolicy{
			MaxAttempts:    DefaultMaxAttempts,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
			Multiplier:     DefaultBackoffFactor,
			Jitter:         DefaultJitter,
		},
		Buffer: BufferConfig{
			MaxBatches: DefaultBufferBatches,
			MaxBytes:   DefaultBufferBytes,
		},
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (c BreakerConfig) Validate() error {
	errFactory := errors.New()

	switch {
	case c.FailureThreshold <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "failure threshold must be positive")
	case c.Cooldown <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "cooldown must be positive")
	case c.CooldownMultiplier < 1:
		return errFactory.WithMessage(ErrInvalidConfig, "cooldown multiplier must be at least 1")
	case c.MaxCooldown < c.Cooldown:
		return errFactory.WithMessage(ErrInvalidConfig, "max cooldown must not be below cooldown")
	}
	return nil
}

func (c BufferConfig) Validate() error {
	errFactory := errors.New()

	if c.MaxBatches < 0 || c.MaxBytes < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "buffer bounds must not be negative")
	}
	if c.MaxBatches == 0 && c.MaxBytes == 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "buffer needs a batch or byte bound")
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Buffer.Validate(); err != nil {
		return err
	}

	errFactory := errors.New()
	if c.AttemptTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "attempt timeout must not be negative")
	}
	if c.ReplayRate < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "replay rate must not be negative")
	}
	return nil
}
