package transport_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-sqlite3"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testBatch(first, last uint64) *batch.Batch {
	payload := []byte(fmt.Sprintf(`[{"sequence":%d}]`, first))
	return &batch.Batch{
		ID:               fmt.Sprintf("batch-%d-%d", first, last),
		FirstSequence:    first,
		LastSequence:     last,
		PacketCount:      int(last-first) + 1,
		Encoding:         batch.EncodingNone,
		UncompressedSize: len(payload),
		CreatedAt:        epoch,
		Payload:          payload,
	}
}

func newTransport(t *testing.T, cfg transport.Config) *transport.Transport {
	t.Helper()

	tr, err := transport.New(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]transport.Config{
		"missing name":   {Kind: transport.KindFile, Path: "x", Timeout: time.Second},
		"unknown kind":   {Name: "a", Kind: "mqtt", Timeout: time.Second},
		"zero timeout":   {Name: "a", Kind: transport.KindFile, Path: "x"},
		"file no path":   {Name: "a", Kind: transport.KindFile, Timeout: time.Second},
		"nats no url":    {Name: "a", Kind: transport.KindNATS, Subject: "s", Timeout: time.Second},
		"redis no addr":  {Name: "a", Kind: transport.KindRedis, Stream: "s", Timeout: time.Second},
		"websocket bare": {Name: "a", Kind: transport.KindWebSocket, Timeout: time.Second},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := transport.New(cfg, nil)
			require.Error(t, err)
			assert.True(t,
				errors.HasCode(err, transport.ErrInvalidConfig) || errors.HasCode(err, transport.ErrUnknownKind),
				"got %v", err)
		})
	}

	cfg := transport.DefaultConfig("bus", transport.KindNATS)
	cfg.URL = "nats://127.0.0.1:4222"
	assert.NoError(t, cfg.Validate())
}

func TestFileTransportAppendsEnvelopes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "primary.log")
	cfg := transport.DefaultConfig("primary", transport.KindFile)
	cfg.Path = path
	tr := newTransport(t, cfg)

	assert.Equal(t, "primary", tr.Name())
	assert.Equal(t, transport.KindFile, tr.Kind())

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, testBatch(0, 9)))
	require.NoError(t, tr.Send(ctx, testBatch(10, 19)))
	require.NoError(t, tr.Close())

	// Appends survive reopening.
	tr = newTransport(t, cfg)
	require.NoError(t, tr.Send(ctx, testBatch(25, 30)))
	require.NoError(t, tr.Close())

	batches, err := transport.ReadLogFile(path)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, testBatch(0, 9), batches[0])
	assert.Equal(t, uint64(10), batches[1].FirstSequence)

	gaps := batch.Gaps(batches)
	require.Len(t, gaps, 1)
	assert.Equal(t, "20-24", gaps[0].String())
}

func TestReadLogRejectsGarbage(t *testing.T) {
	batches, err := transport.ReadLog(strings.NewReader("\n{\"id\":\"x\"}\n"))
	require.Error(t, err)
	assert.Empty(t, batches)
}

func TestSendHonoursCanceledContext(t *testing.T) {
	cfg := transport.DefaultConfig("primary", transport.KindFile)
	cfg.Path = filepath.Join(t.TempDir(), "out.log")
	tr := newTransport(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Send(ctx, testBatch(0, 0)), context.Canceled)

	_, err := os.Stat(cfg.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteSpoolIsIdempotent(t *testing.T) {
	cfg := transport.DefaultConfig("spool", transport.KindSQLite)
	cfg.Path = filepath.Join(t.TempDir(), "spool.db")
	tr := newTransport(t, cfg)
	ctx := context.Background()

	first := testBatch(0, 4)
	require.NoError(t, tr.Send(ctx, testBatch(5, 9)))
	require.NoError(t, tr.Send(ctx, first))
	require.NoError(t, tr.Send(ctx, first))

	spooled, err := tr.Spooled(ctx)
	require.NoError(t, err)
	require.Len(t, spooled, 2)
	assert.Equal(t, first.ID, spooled[0].ID)
	assert.Equal(t, first.Payload, spooled[0].Payload)
	assert.True(t, first.CreatedAt.Equal(spooled[0].CreatedAt))
	assert.Equal(t, uint64(5), spooled[1].FirstSequence)
}

func TestSQLiteSpoolSurvivesReopen(t *testing.T) {
	cfg := transport.DefaultConfig("spool", transport.KindSQLite)
	cfg.Path = filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()

	tr, err := transport.New(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, tr.Send(ctx, testBatch(0, 0)))
	require.NoError(t, tr.Close())

	tr = newTransport(t, cfg)
	spooled, err := tr.Spooled(ctx)
	require.NoError(t, err)
	assert.Len(t, spooled, 1)

	entries, err := os.ReadDir(filepath.Dir(cfg.Path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "backups", e.Name(), "current schema needs no backup")
	}
}

func TestSpooledRequiresSQLite(t *testing.T) {
	cfg := transport.DefaultConfig("primary", transport.KindFile)
	cfg.Path = filepath.Join(t.TempDir(), "out.log")
	tr := newTransport(t, cfg)

	_, err := tr.Spooled(context.Background())
	assert.Error(t, err)
}

// wsServer accepts websocket connections and forwards every text frame.
// The first rejectFirst handshakes are refused.
func wsServer(t *testing.T, rejectFirst int32) (string, <-chan []byte, *atomic.Int32) {
	t.Helper()

	frames := make(chan []byte, 16)
	var handshakes atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handshakes.Add(1) <= rejectFirst {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), frames, &handshakes
}

func receive(t *testing.T, frames <-chan []byte) *batch.Batch {
	t.Helper()

	select {
	case data := <-frames:
		b, err := batch.DecodeEnvelope(data)
		require.NoError(t, err)
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestWebSocketDelivers(t *testing.T) {
	url, frames, handshakes := wsServer(t, 0)
	cfg := transport.DefaultConfig("live", transport.KindWebSocket)
	cfg.URL = url
	tr := newTransport(t, cfg)
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, testBatch(0, 9)))
	require.NoError(t, tr.Send(ctx, testBatch(10, 19)))

	assert.Equal(t, uint64(0), receive(t, frames).FirstSequence)
	assert.Equal(t, uint64(10), receive(t, frames).FirstSequence)
	assert.Equal(t, int32(1), handshakes.Load(), "connection is reused")
}

func TestWebSocketRedialsAfterFailedHandshake(t *testing.T) {
	url, frames, handshakes := wsServer(t, 1)
	cfg := transport.DefaultConfig("live", transport.KindWebSocket)
	cfg.URL = url
	tr := newTransport(t, cfg)
	ctx := context.Background()

	err := tr.Send(ctx, testBatch(0, 0))
	require.Error(t, err)
	assert.Equal(t, transport.ErrProtocol, transport.Classify(err))
	assert.True(t, transport.IsTransient(err))

	require.NoError(t, tr.Send(ctx, testBatch(0, 0)))
	assert.Equal(t, uint64(0), receive(t, frames).FirstSequence)
	assert.Equal(t, int32(2), handshakes.Load())
}

func TestWebSocketUnreachable(t *testing.T) {
	cfg := transport.DefaultConfig("live", transport.KindWebSocket)
	cfg.URL = "ws://127.0.0.1:1/"
	tr := newTransport(t, cfg)

	err := tr.Send(context.Background(), testBatch(0, 0))
	require.Error(t, err)
	assert.Equal(t, transport.ErrConnectionFailed, transport.Classify(err))
}

func TestRedisUnreachable(t *testing.T) {
	cfg := transport.DefaultConfig("stream", transport.KindRedis)
	cfg.Addr = "127.0.0.1:1"
	cfg.Timeout = time.Second
	tr := newTransport(t, cfg)

	err := tr.Send(context.Background(), testBatch(0, 0))
	require.Error(t, err)
	assert.Equal(t, transport.ErrConnectionFailed, transport.Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, errors.ErrorCode(""), transport.Classify(fmt.Errorf("plain")))
	assert.False(t, transport.IsTransient(nil))

	assert.Equal(t, transport.ErrTimeout, transport.NATSCode(nats.ErrTimeout))
	assert.Equal(t, transport.ErrProtocol, transport.NATSCode(nats.ErrMaxPayload))
	assert.Equal(t, transport.ErrConnectionFailed, transport.NATSCode(nats.ErrConnectionClosed))
	assert.Equal(t, transport.ErrTimeout, transport.NATSCode(context.DeadlineExceeded))

	assert.Equal(t, transport.ErrProtocol, transport.WebSocketCode(websocket.ErrBadHandshake))
	assert.Equal(t, transport.ErrProtocol, transport.WebSocketCode(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.Equal(t, transport.ErrConnectionFailed, transport.RedisCode(fmt.Errorf("dial tcp: connection refused")))
	assert.Equal(t, transport.ErrTimeout, transport.SQLiteCode(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.Equal(t, transport.ErrProtocol, transport.SQLiteCode(sqlite3.Error{Code: sqlite3.ErrConstraint}))

	wrapped := errors.New().Wrap(transport.ErrTimeout, context.DeadlineExceeded)
	outer := errors.New().Wrap(errors.ErrorCode("resilience_retries_exhausted"), wrapped)
	assert.Equal(t, transport.ErrTimeout, transport.Classify(outer))
}
