package transport

import (
	"context"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"github.com/redis/go-redis/v9"
)

// redisSink appends batches to a capped stream with XADD.
type redisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func newRedisSink(cfg Config) *redisSink {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		// Retries belong to the delivery layer.
		MaxRetries: -1,
	})

	return &redisSink{client: client, stream: cfg.Stream, maxLen: cfg.StreamLen}
}

func (s *redisSink) send(ctx context.Context, b *batch.Batch) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{
			"id":                b.ID,
			"first_sequence":    b.FirstSequence,
			"last_sequence":     b.LastSequence,
			"packet_count":      b.PacketCount,
			"encoding":          b.Encoding.String(),
			"uncompressed_size": b.UncompressedSize,
			"payload":           b.Payload,
		},
	}).Err()
	if err != nil {
		return sendError(redisCode(err), "xadd", err)
	}
	return nil
}

func (s *redisSink) close() error {
	return s.client.Close()
}

func redisCode(err error) errors.ErrorCode {
	var serverErr redis.Error
	if errors.As(err, &serverErr) && !errors.Is(err, redis.Nil) {
		return ErrProtocol
	}
	return causeCode(err)
}
