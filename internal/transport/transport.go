package transport

import (
	"context"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
)

// Transport delivers batches to one configured backend. The backend is
// fixed at construction; Send dispatches on its Kind.
type Transport struct {
	name   string
	kind   Kind
	logger logger.Logger

	file      *fileSink
	sqlite    *sqliteSink
	nats      *natsSink
	redis     *redisSink
	websocket *websocketSink
}

// New builds the backend selected by cfg.Kind.
func New(cfg Config, log logger.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	t := &Transport{
		name:   cfg.Name,
		kind:   cfg.Kind,
		logger: log.With("transport", cfg.Name),
	}

	var err error
	switch cfg.Kind {
	case KindFile:
		t.file, err = newFileSink(cfg)
	case KindSQLite:
		t.sqlite, err = newSQLiteSink(cfg, t.logger)
	case KindNATS:
		t.nats, err = newNATSSink(cfg, t.logger)
	case KindRedis:
		t.redis = newRedisSink(cfg)
	case KindWebSocket:
		t.websocket = newWebSocketSink(cfg)
	}
	if err != nil {
		return nil, err
	}

	t.logger.Debug().Str("kind", string(cfg.Kind)).Msg("Transport initialized")

	return t, nil
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Kind() Kind {
	return t.kind
}

// Send writes b to the backend. Failures carry one of ErrConnectionFailed,
// ErrTimeout or ErrProtocol.
func (t *Transport) Send(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch t.kind {
	case KindFile:
		return t.file.send(b)
	case KindSQLite:
		return t.sqlite.send(ctx, b)
	case KindNATS:
		return t.nats.send(ctx, b)
	case KindRedis:
		return t.redis.send(ctx, b)
	case KindWebSocket:
		return t.websocket.send(ctx, b)
	default:
		return errors.New().WithMessage(ErrUnknownKind, string(t.kind))
	}
}

// Close releases the backend.
func (t *Transport) Close() error {
	var err error
	switch t.kind {
	case KindFile:
		err = t.file.close()
	case KindSQLite:
		err = t.sqlite.close()
	case KindNATS:
		t.nats.close()
	case KindRedis:
		err = t.redis.close()
	case KindWebSocket:
		err = t.websocket.close()
	}
	if err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	t.logger.Debug().Msg("Transport closed")
	return nil
}
