package transport

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"github.com/gorilla/websocket"
)

// websocketSink writes each envelope as a text frame. The connection is
// dialed on first use and redialed after any write failure.
type websocketSink struct {
	mu      sync.Mutex
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	conn    *websocket.Conn
}

func newWebSocketSink(cfg Config) *websocketSink {
	return &websocketSink{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
		},
	}
}

func (s *websocketSink) send(ctx context.Context, b *batch.Batch) error {
	frame, err := b.MarshalEnvelope()
	if err != nil {
		return sendError(ErrProtocol, "encode_envelope", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			return sendError(websocketCode(err), "dial", err)
		}
		s.conn = conn
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.resetLocked()
		return sendError(ErrConnectionFailed, "set_deadline", err)
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.resetLocked()
		return sendError(websocketCode(err), "write", err)
	}
	return nil
}

func (s *websocketSink) resetLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *websocketSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

func websocketCode(err error) errors.ErrorCode {
	var closeErr *websocket.CloseError
	if errors.Is(err, websocket.ErrBadHandshake) || errors.As(err, &closeErr) {
		return ErrProtocol
	}
	return causeCode(err)
}
