package telemetry

import "codeberg.org/mutker/telemetryd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("telemetry_invalid_config")

	// Codec Errors
	ErrEncodeFailed    = errors.ErrorCode("telemetry_encode_failed")
	ErrDecodeFailed    = errors.ErrorCode("telemetry_decode_failed")
	ErrPayloadTooLarge = errors.ErrorCode("telemetry_payload_too_large")
	ErrInvalidPayload  = errors.ErrorCode("telemetry_invalid_payload")
)
