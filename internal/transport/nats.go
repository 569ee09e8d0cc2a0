package transport

import (
	"context"
	"strconv"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"github.com/nats-io/nats.go"
)

// Header keys carried by every published batch.
const (
	HeaderBatchID       = "Telemetry-Batch-Id"
	HeaderFirstSequence = "Telemetry-First-Sequence"
	HeaderLastSequence  = "Telemetry-Last-Sequence"
	HeaderPacketCount   = "Telemetry-Packet-Count"
	HeaderEncoding      = "Telemetry-Encoding"
	HeaderRawSize       = "Telemetry-Uncompressed-Size"
)

// natsSink publishes the batch payload with its metadata in headers and
// waits for the server to acknowledge the flush.
type natsSink struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

func newNATSSink(cfg Config, log logger.Logger) (*natsSink, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("telemetryd-"+cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.New().WithData(ErrStorageInit, struct {
			Phase string
			URL   string
			Error string
		}{
			Phase: "connect",
			URL:   cfg.URL,
			Error: err.Error(),
		})
	}

	return &natsSink{conn: conn, subject: cfg.Subject, timeout: cfg.Timeout}, nil
}

func (s *natsSink) send(ctx context.Context, b *batch.Batch) error {
	msg := nats.NewMsg(s.subject)
	msg.Data = b.Payload
	msg.Header.Set(HeaderBatchID, b.ID)
	msg.Header.Set(HeaderFirstSequence, strconv.FormatUint(b.FirstSequence, 10))
	msg.Header.Set(HeaderLastSequence, strconv.FormatUint(b.LastSequence, 10))
	msg.Header.Set(HeaderPacketCount, strconv.Itoa(b.PacketCount))
	msg.Header.Set(HeaderEncoding, b.Encoding.String())
	msg.Header.Set(HeaderRawSize, strconv.Itoa(b.UncompressedSize))

	if err := s.conn.PublishMsg(msg); err != nil {
		return sendError(natsCode(err), "publish", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.conn.FlushWithContext(ctx); err != nil {
		return sendError(natsCode(err), "flush", err)
	}
	return nil
}

func (s *natsSink) close() {
	s.conn.Close()
}

func natsCode(err error) errors.ErrorCode {
	switch {
	case errors.Is(err, nats.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrHeadersNotSupported):
		return ErrProtocol
	default:
		return causeCode(err)
	}
}
