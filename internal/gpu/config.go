package gpu

import "codeberg.org/mutker/telemetryd/internal/errors"

type Config struct {
	Enabled bool
	// A device at or above TempWarnCelsius is degraded and at or above
	// TempCritCelsius failed.
	TempWarnCelsius int
	TempCritCelsius int
}

func DefaultConfig() Config {
	return Config{
		Enabled:         false, // Needs an NVIDIA driver
		TempWarnCelsius: 80,
		TempCritCelsius: 90,
	}
}

func (c Config) Validate() error {
	if c.TempWarnCelsius <= 0 || c.TempWarnCelsius >= c.TempCritCelsius {
		return errors.New().WithMessage(ErrInvalidConfig, "gpu temperature thresholds are invalid")
	}
	return nil
}
