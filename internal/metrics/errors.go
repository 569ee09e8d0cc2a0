package metrics

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrServeFailed   = errors.ErrorCode("metrics_serve_failed")
	ErrServeShutdown = errors.ErrShutdownFailed
)
