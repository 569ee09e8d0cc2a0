package resilience

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	ErrInvalidConfig    = errors.ErrorCode("resilience_invalid_config")
	ErrRetriesExhausted = errors.ErrorCode("resilience_retries_exhausted")
)
