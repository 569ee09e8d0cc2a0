package host

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("host_invalid_config")
	ErrProbeFailed   = errors.ErrorCode("host_probe_failed")
)
