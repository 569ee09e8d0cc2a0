package host

import "codeberg.org/mutker/telemetryd/internal/errors"

type Config struct {
	Enabled bool
	// MaxSensors caps the temperature readings taken per sample.
	MaxSensors int
	// Memory usage at or above MemoryWarnPercent marks memory degraded.
	MemoryWarnPercent float64
	// Sensors at or above TempWarnCelsius are degraded and at or above
	// TempCritCelsius failed. A sensor-reported critical point takes
	// precedence over TempCritCelsius.
	TempWarnCelsius float64
	TempCritCelsius float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxSensors:        8,
		MemoryWarnPercent: 90,
		TempWarnCelsius:   80,
		TempCritCelsius:   95,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.MaxSensors < 0:
		return errFactory.WithMessage(ErrInvalidConfig, "max sensors must not be negative")
	case c.MemoryWarnPercent <= 0 || c.MemoryWarnPercent > 100:
		return errFactory.WithMessage(ErrInvalidConfig, "memory warning threshold must be within (0, 100]")
	case c.TempWarnCelsius >= c.TempCritCelsius:
		return errFactory.WithMessage(ErrInvalidConfig, "temperature warning threshold must be below critical")
	}
	return nil
}
