package metrics

import (
	"strings"

	"codeberg.org/mutker/telemetryd/internal/errors"
)

const (
	defaultListenAddr = "127.0.0.1:9464"
	defaultPath       = "/metrics"
)

type Config struct {
	Enabled    bool
	ListenAddr string
	Path       string
}

func DefaultConfig() Config {
	return Config{
		Enabled:    false, // Disabled by default
		ListenAddr: defaultListenAddr,
		Path:       defaultPath,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the endpoint if metrics is enabled
	if !c.Enabled {
		return nil
	}
	if c.ListenAddr == "" {
		return errFactory.WithMessage(ErrInvalidConfig, "metrics listen address is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errFactory.WithMessage(ErrInvalidConfig, "metrics path must start with /")
	}
	return nil
}
