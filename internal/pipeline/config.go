package pipeline

import (
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
)

const (
	DefaultInterval        = time.Second
	DefaultFlushCheck      = time.Second
	DefaultChannelCapacity = 256
	DefaultShutdownTimeout = 5 * time.Second
)

type Config struct {
	// Interval is the packet cadence. Zero disables the internal ticker and
	// packets arrive through Submit only.
	Interval time.Duration
	// FlushCheck is how often the batcher deadline is checked and the
	// offline buffers are pumped.
	FlushCheck      time.Duration
	ChannelCapacity int
	// ShutdownTimeout bounds the final flush on cancellation.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:        DefaultInterval,
		FlushCheck:      DefaultFlushCheck,
		ChannelCapacity: DefaultChannelCapacity,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Interval < 0:
		return errFactory.WithMessage(ErrInvalidConfig, "packet interval must not be negative")
	case c.FlushCheck <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "flush check interval must be positive")
	case c.ChannelCapacity <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "channel capacity must be positive")
	case c.ShutdownTimeout <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "shutdown timeout must be positive")
	}
	return nil
}
