package telemetry

import (
	"bytes"
	"encoding/json"

	"codeberg.org/mutker/telemetryd/internal/errors"
)

// MaxDecodeSize bounds the input accepted by Decode.
const MaxDecodeSize = 16 << 20

// Model is the set of types with a wire encoding.
type Model interface {
	TelemetryPacket | SystemHealth | SensorReading | DiagnosticEntry | DiagnosticsReport
}

// Encode returns the JSON encoding of v.
func Encode[T Model](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New().Wrap(ErrEncodeFailed, err)
	}
	return data, nil
}

// Decode parses data into a T. Malformed, truncated, oversized or
// inconsistent input is reported as an error, never a panic.
func Decode[T Model](data []byte) (T, error) {
	var v T
	errFactory := errors.New()

	if len(data) > MaxDecodeSize {
		return v, errFactory.WithData(ErrPayloadTooLarge, struct {
			Size  int
			Limit int
		}{
			Size:  len(data),
			Limit: MaxDecodeSize,
		})
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, errFactory.WithMessage(ErrInvalidPayload, "empty payload")
	}

	if err := json.Unmarshal(trimmed, &v); err != nil {
		return v, errFactory.Wrap(ErrDecodeFailed, err)
	}

	if err := validate(&v); err != nil {
		var zero T
		return zero, errFactory.Wrap(ErrInvalidPayload, err)
	}

	return v, nil
}

// DecodePacket is Decode for the root packet type.
func DecodePacket(data []byte) (TelemetryPacket, error) {
	return Decode[TelemetryPacket](data)
}

func validate(v any) error {
	switch m := v.(type) {
	case *TelemetryPacket:
		return m.validate()
	case *SystemHealth:
		return m.validate()
	case *SensorReading:
		if m.Data == nil {
			return errors.New().WithMessage(ErrInvalidPayload, "missing sensor data")
		}
	case *DiagnosticEntry:
		return m.validate()
	case *DiagnosticsReport:
		return m.validate()
	}
	return nil
}
