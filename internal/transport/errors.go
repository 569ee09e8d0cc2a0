package transport

import (
	"context"
	"net"

	"codeberg.org/mutker/telemetryd/internal/errors"
)

const (
	ErrInvalidConfig = errors.ErrorCode("transport_invalid_config")
	ErrUnknownKind   = errors.ErrorCode("transport_unknown_kind")

	// Send failure classes. All of them are transient.
	ErrConnectionFailed = errors.ErrorCode("transport_connection_failed")
	ErrTimeout          = errors.ErrorCode("transport_timeout")
	ErrProtocol         = errors.ErrorCode("transport_protocol_error")

	// Storage Errors
	ErrStorageInit            = errors.ErrInitFailed
	ErrStorageClose           = errors.ErrShutdownFailed
	ErrSchemaInitFailed       = errors.ErrorCode("transport_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("transport_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("transport_schema_migration_failed")
)

// Classify returns the failure class of a send error, or the empty code
// when err did not come from a transport.
func Classify(err error) errors.ErrorCode {
	for _, code := range []errors.ErrorCode{ErrTimeout, ErrConnectionFailed, ErrProtocol} {
		if errors.HasCode(err, code) {
			return code
		}
	}
	return ""
}

// IsTransient reports whether a send may succeed if repeated.
func IsTransient(err error) bool {
	return Classify(err) != ""
}

// causeCode maps a low level failure onto a send failure class.
func causeCode(err error) errors.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrConnectionFailed
}

// sendError wraps err under code, tagged with the phase that failed.
func sendError(code errors.ErrorCode, phase string, err error) error {
	return errors.New().Wrap(code, err).WithData(struct {
		Phase string
		Error string
	}{
		Phase: phase,
		Error: err.Error(),
	})
}
