package telemetry

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	DefaultReadingCapacity    = 1000
	DefaultDiagnosticCapacity = 100
)

type Config struct {
	ReadingCapacity    int
	DiagnosticCapacity int
}

func DefaultConfig() Config {
	return Config{
		ReadingCapacity:    DefaultReadingCapacity,
		DiagnosticCapacity: DefaultDiagnosticCapacity,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.ReadingCapacity <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{
			Field: "reading_capacity",
			Value: c.ReadingCapacity,
		})
	}
	if c.DiagnosticCapacity <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value int
		}{
			Field: "diagnostic_capacity",
			Value: c.DiagnosticCapacity,
		})
	}
	return nil
}
