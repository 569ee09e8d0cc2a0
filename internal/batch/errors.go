package batch

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	ErrInvalidConfig    = errors.ErrorCode("batch_invalid_config")
	ErrEncodeFailed     = errors.ErrorCode("batch_encode_failed")
	ErrCompressFailed   = errors.ErrorCode("batch_compress_failed")
	ErrDecompressFailed = errors.ErrorCode("batch_decompress_failed")
	ErrInvalidEnvelope  = errors.ErrorCode("batch_invalid_envelope")
	ErrSequenceMismatch = errors.ErrorCode("batch_sequence_mismatch")
)
