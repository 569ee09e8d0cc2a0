package inspect

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	ErrNoInput     = errors.ErrorCode("inspect_no_input")
	ErrWriteReport = errors.ErrorCode("inspect_write_failed")
)
