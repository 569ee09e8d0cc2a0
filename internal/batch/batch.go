package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"github.com/google/uuid"
)

// Batch is one delivery unit: the JSON array of a run of packets in
// sequence order, optionally compressed as a whole.
type Batch struct {
	ID               string    `json:"id"`
	FirstSequence    uint64    `json:"first_sequence"`
	LastSequence     uint64    `json:"last_sequence"`
	PacketCount      int       `json:"packet_count"`
	Compressed       bool      `json:"compressed"`
	Encoding         Encoding  `json:"encoding"`
	UncompressedSize int       `json:"uncompressed_size"`
	CreatedAt        time.Time `json:"created_at"`
	Payload          []byte    `json:"payload"`
}

// Size is the number of payload bytes carried by the batch.
func (b *Batch) Size() int {
	return len(b.Payload)
}

// Before reports whether every sequence number of b is below those of other.
func (b *Batch) Before(other *Batch) bool {
	return b.LastSequence < other.FirstSequence
}

// MarshalEnvelope encodes the batch with its metadata as a JSON object.
// The payload is base64 encoded.
func (b *Batch) MarshalEnvelope() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, errors.New().Wrap(ErrEncodeFailed, err)
	}
	return data, nil
}

// DecodeEnvelope parses and checks an envelope produced by MarshalEnvelope.
func DecodeEnvelope(data []byte) (*Batch, error) {
	errFactory := errors.New()

	var b Batch
	if err := json.Unmarshal(bytes.TrimSpace(data), &b); err != nil {
		return nil, errFactory.Wrap(ErrInvalidEnvelope, err)
	}
	if err := b.validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidEnvelope, err)
	}
	return &b, nil
}

func (b *Batch) validate() error {
	if b.ID == "" {
		return fmt.Errorf("missing id")
	}
	if b.PacketCount <= 0 {
		return fmt.Errorf("packet_count %d must be positive", b.PacketCount)
	}
	if b.FirstSequence > b.LastSequence {
		return fmt.Errorf("first_sequence %d after last_sequence %d", b.FirstSequence, b.LastSequence)
	}
	enc, err := ParseEncoding(string(b.Encoding))
	if err != nil {
		return err
	}
	if b.Compressed != (enc != EncodingNone) {
		return fmt.Errorf("compressed flag %t disagrees with encoding %q", b.Compressed, enc)
	}
	b.Encoding = enc
	return nil
}

// Packets inflates the payload and decodes the packets it carries.
func (b *Batch) Packets() ([]telemetry.TelemetryPacket, error) {
	errFactory := errors.New()

	raw, err := decompress(b.Payload, b.Encoding, b.UncompressedSize)
	if err != nil {
		return nil, errFactory.Wrap(ErrDecompressFailed, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errFactory.Wrap(ErrInvalidEnvelope, err)
	}

	packets := make([]telemetry.TelemetryPacket, 0, len(items))
	for _, item := range items {
		p, err := telemetry.DecodePacket(item)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}

	if len(packets) == 0 || len(packets) != b.PacketCount ||
		packets[0].Sequence != b.FirstSequence ||
		packets[len(packets)-1].Sequence != b.LastSequence {
		return nil, errFactory.WithData(ErrSequenceMismatch, struct {
			Batch   string
			Packets int
		}{
			Batch:   b.ID,
			Packets: len(packets),
		})
	}

	return packets, nil
}

// SequenceRange is an inclusive range of packet sequence numbers.
type SequenceRange struct {
	First uint64
	Last  uint64
}

func (r SequenceRange) String() string {
	if r.First == r.Last {
		return fmt.Sprintf("%d", r.First)
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// Gaps returns the sequence ranges missing between the given batches.
func Gaps(batches []*Batch) []SequenceRange {
	sorted := make([]*Batch, len(batches))
	copy(sorted, batches)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FirstSequence < sorted[j].FirstSequence
	})

	var gaps []SequenceRange
	for i := 1; i < len(sorted); i++ {
		prev, next := sorted[i-1], sorted[i]
		if next.FirstSequence > prev.LastSequence+1 {
			gaps = append(gaps, SequenceRange{First: prev.LastSequence + 1, Last: next.FirstSequence - 1})
		}
	}
	return gaps
}

func newBatchID() string {
	return uuid.NewString()
}
