package pipeline

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrorCode("pipeline_invalid_config")
	ErrAlreadyRunning = errors.ErrAlreadyRunning
	ErrNoTargets      = errors.ErrorCode("pipeline_no_targets")
)
