package batch

import (
	"bytes"
	"sort"
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"k8s.io/utils/clock"
)

const (
	DefaultSize                 = 10
	DefaultFlushInterval        = 5 * time.Second
	DefaultMaxBytes             = 1 << 20
	DefaultCompressionThreshold = 1024
)

type Config struct {
	// Size is the packet count that triggers a flush.
	Size int
	// FlushInterval is the longest a packet waits before a flush is due.
	FlushInterval time.Duration
	// MaxBytes flushes early once the estimated pending size reaches it. Zero disables.
	MaxBytes int
	// Compression is applied when the payload exceeds CompressionThreshold bytes.
	Compression          Encoding
	CompressionThreshold int
}

func DefaultConfig() Config {
	return Config{
		Size:                 DefaultSize,
		FlushInterval:        DefaultFlushInterval,
		MaxBytes:             DefaultMaxBytes,
		Compression:          EncodingGzip,
		CompressionThreshold: DefaultCompressionThreshold,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Size <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "batch size must be positive")
	case c.FlushInterval <= 0:
		return errFactory.WithMessage(ErrInvalidConfig, "flush interval must be positive")
	case c.MaxBytes < 0:
		return errFactory.WithMessage(ErrInvalidConfig, "max bytes must not be negative")
	case c.CompressionThreshold < 0:
		return errFactory.WithMessage(ErrInvalidConfig, "compression threshold must not be negative")
	}

	if _, err := ParseEncoding(string(c.Compression)); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	return nil
}

// Batcher accumulates packets and cuts them into batches. It is owned by a
// single goroutine and is not safe for concurrent use.
type Batcher struct {
	cfg     Config
	clock   clock.PassiveClock
	logger  logger.Logger
	pending []telemetry.TelemetryPacket
	// estimated encoded size of pending
	pendingBytes int
	lastFlush    time.Time
	skipped      uint64
}

func NewBatcher(cfg Config, clk clock.PassiveClock, log logger.Logger) (*Batcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.Compression, _ = ParseEncoding(string(cfg.Compression))

	return &Batcher{
		cfg:       cfg,
		clock:     clk,
		logger:    log,
		pending:   make([]telemetry.TelemetryPacket, 0, cfg.Size),
		lastFlush: clk.Now(),
	}, nil
}

// Add queues a packet and returns a batch when the size or byte limit is
// reached. Otherwise the returned batch is nil.
func (b *Batcher) Add(p telemetry.TelemetryPacket) (*Batch, error) {
	b.pending = append(b.pending, p)
	b.pendingBytes += p.EstimatedSize()

	if len(b.pending) >= b.cfg.Size || (b.cfg.MaxBytes > 0 && b.pendingBytes >= b.cfg.MaxBytes) {
		return b.Flush()
	}
	return nil, nil
}

// Due reports whether packets are pending and the flush interval has
// elapsed since the last flush.
func (b *Batcher) Due() bool {
	return len(b.pending) > 0 && b.clock.Since(b.lastFlush) >= b.cfg.FlushInterval
}

// Pending returns the number of queued packets.
func (b *Batcher) Pending() int {
	return len(b.pending)
}

// Skipped returns how many packets were discarded because they could not be encoded.
func (b *Batcher) Skipped() uint64 {
	return b.skipped
}

// Flush encodes everything pending into a batch. It returns nil when
// nothing is pending.
func (b *Batcher) Flush() (*Batch, error) {
	b.lastFlush = b.clock.Now()
	if len(b.pending) == 0 {
		return nil, nil
	}

	packets := b.pending
	estimate := b.pendingBytes
	b.pending = make([]telemetry.TelemetryPacket, 0, b.cfg.Size)
	b.pendingBytes = 0

	sort.SliceStable(packets, func(i, j int) bool {
		return packets[i].Sequence < packets[j].Sequence
	})

	var buf bytes.Buffer
	buf.Grow(estimate + 2)
	buf.WriteByte('[')

	var encoded []telemetry.TelemetryPacket
	for _, p := range packets {
		data, err := telemetry.Encode(p)
		if err != nil {
			b.skipped++
			b.logger.Warn().Err(err).Uint64("sequence", p.Sequence).Msg("Dropping packet that cannot be encoded")
			continue
		}
		if len(encoded) > 0 {
			buf.WriteByte(',')
		}
		buf.Write(data)
		encoded = append(encoded, p)
	}
	buf.WriteByte(']')

	if len(encoded) == 0 {
		return nil, nil
	}

	payload := buf.Bytes()
	out := &Batch{
		ID:               newBatchID(),
		FirstSequence:    encoded[0].Sequence,
		LastSequence:     encoded[len(encoded)-1].Sequence,
		PacketCount:      len(encoded),
		Encoding:         EncodingNone,
		UncompressedSize: len(payload),
		CreatedAt:        b.clock.Now().UTC(),
		Payload:          payload,
	}

	if b.cfg.Compression != EncodingNone && len(payload) > b.cfg.CompressionThreshold {
		compressed, err := compress(payload, b.cfg.Compression)
		switch {
		case errors.Is(err, errIncompressible):
			b.logger.Debug().Int("bytes", len(payload)).Msg("Payload incompressible, sending as is")
		case err != nil:
			return nil, errors.New().Wrap(ErrCompressFailed, err)
		default:
			out.Payload = compressed
			out.Compressed = true
			out.Encoding = b.cfg.Compression
		}
	}

	b.logger.Debug().
		Str("batch", out.ID).
		Uint64("first_sequence", out.FirstSequence).
		Uint64("last_sequence", out.LastSequence).
		Int("bytes", out.Size()).
		Bool("compressed", out.Compressed).
		Msg("Batch flushed")

	return out, nil
}
