package batch_test

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func packet(seq uint64, readings int) telemetry.TelemetryPacket {
	p := telemetry.TelemetryPacket{
		Sequence:       seq,
		Timestamp:      epoch.Add(time.Duration(seq) * time.Second),
		Health:         telemetry.NewSystemHealth(epoch),
		SensorReadings: make([]telemetry.SensorReading, 0, readings),
		Diagnostics:    telemetry.DiagnosticsReport{Entries: []telemetry.DiagnosticEntry{}},
	}
	for i := 0; i < readings; i++ {
		p.SensorReadings = append(p.SensorReadings, telemetry.SensorReading{
			ComponentID:   fmt.Sprintf("probe-%d", i),
			ComponentName: "Coolant probe",
			Timestamp:     epoch,
			Data:          telemetry.Temperature{Value: 20 + float32(i), Unit: "°C"},
			Sequence:      uint64(i),
			Confidence:    0.9,
		})
	}
	return p
}

func newBatcher(t *testing.T, cfg batch.Config) (*batch.Batcher, *testingclock.FakeClock) {
	t.Helper()

	clk := testingclock.NewFakeClock(epoch)
	b, err := batch.NewBatcher(cfg, clk, logger.Nop())
	require.NoError(t, err)
	return b, clk
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, batch.DefaultConfig().Validate())

	tests := map[string]func(*batch.Config){
		"zero size":          func(c *batch.Config) { c.Size = 0 },
		"zero interval":      func(c *batch.Config) { c.FlushInterval = 0 },
		"negative max bytes": func(c *batch.Config) { c.MaxBytes = -1 },
		"negative threshold": func(c *batch.Config) { c.CompressionThreshold = -5 },
		"unknown encoding":   func(c *batch.Config) { c.Compression = "brotli" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := batch.DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, batch.ErrInvalidConfig))
		})
	}
}

func TestFlushOnSize(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Size = 3
	cfg.Compression = batch.EncodingNone
	b, _ := newBatcher(t, cfg)

	for seq := uint64(0); seq < 2; seq++ {
		out, err := b.Add(packet(seq, 1))
		require.NoError(t, err)
		assert.Nil(t, out)
	}

	out, err := b.Add(packet(2, 1))
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, uint64(0), out.FirstSequence)
	assert.Equal(t, uint64(2), out.LastSequence)
	assert.Equal(t, 3, out.PacketCount)
	assert.False(t, out.Compressed)
	assert.Equal(t, batch.EncodingNone, out.Encoding)
	assert.NotEmpty(t, out.ID)
	assert.Zero(t, b.Pending())

	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(out.Payload, &items))
	assert.Len(t, items, 3)
}

func TestFlushOnInterval(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Size = 100
	cfg.FlushInterval = 2 * time.Second
	b, clk := newBatcher(t, cfg)

	assert.False(t, b.Due(), "nothing pending")

	_, err := b.Add(packet(0, 1))
	require.NoError(t, err)
	clk.Step(time.Second)
	assert.False(t, b.Due())

	clk.Step(time.Second)
	assert.True(t, b.Due())

	out, err := b.Flush()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 1, out.PacketCount)
	assert.Equal(t, epoch.Add(2*time.Second), out.CreatedAt)
	assert.False(t, b.Due())

	out, err = b.Flush()
	require.NoError(t, err)
	assert.Nil(t, out, "empty flush yields no batch")
}

func TestFlushOnEstimatedBytes(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Size = 1000
	cfg.MaxBytes = packet(0, 20).EstimatedSize() * 2

	b, _ := newBatcher(t, cfg)

	out, err := b.Add(packet(0, 20))
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = b.Add(packet(1, 20))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 2, out.PacketCount)
}

func TestPacketsEncodedInSequenceOrder(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Size = 3
	b, _ := newBatcher(t, cfg)

	var out *batch.Batch
	for _, seq := range []uint64{5, 3, 4} {
		var err error
		out, err = b.Add(packet(seq, 1))
		require.NoError(t, err)
	}
	require.NotNil(t, out)
	assert.Zero(t, b.Pending())
	assert.Equal(t, uint64(3), out.FirstSequence)
	assert.Equal(t, uint64(5), out.LastSequence)

	packets, err := out.Packets()
	require.NoError(t, err)
	require.Len(t, packets, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{packets[0].Sequence, packets[1].Sequence, packets[2].Sequence})
}

func TestCompressionThreshold(t *testing.T) {
	for _, enc := range []batch.Encoding{batch.EncodingGzip, batch.EncodingZstd, batch.EncodingLZ4} {
		t.Run(string(enc), func(t *testing.T) {
			cfg := batch.DefaultConfig()
			cfg.Size = 4
			cfg.Compression = enc
			cfg.CompressionThreshold = 512
			b, _ := newBatcher(t, cfg)

			var out *batch.Batch
			for seq := uint64(10); seq < 14; seq++ {
				var err error
				out, err = b.Add(packet(seq, 25))
				require.NoError(t, err)
			}
			require.NotNil(t, out)

			assert.True(t, out.Compressed)
			assert.Equal(t, enc, out.Encoding)
			assert.Less(t, out.Size(), out.UncompressedSize)

			packets, err := out.Packets()
			require.NoError(t, err)
			require.Len(t, packets, 4)
			for i, p := range packets {
				assert.Equal(t, uint64(10+i), p.Sequence)
				assert.Len(t, p.SensorReadings, 25)
			}
		})
	}
}

func TestSmallPayloadStaysUncompressed(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Size = 1
	cfg.CompressionThreshold = 1 << 20
	b, _ := newBatcher(t, cfg)

	out, err := b.Add(packet(0, 1))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.False(t, out.Compressed)
	assert.Equal(t, out.UncompressedSize, out.Size())
}

func TestUnencodablePacketIsSkipped(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Size = 2
	b, _ := newBatcher(t, cfg)

	bad := packet(0, 1)
	bad.SensorReadings[0].Data = telemetry.Analog{Value: float32(math.NaN()), Unit: "V"}

	_, err := b.Add(bad)
	require.NoError(t, err)
	out, err := b.Add(packet(1, 1))
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, 1, out.PacketCount)
	assert.Equal(t, uint64(1), out.FirstSequence)
	assert.Equal(t, uint64(1), b.Skipped())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	cfg := batch.DefaultConfig()
	cfg.Size = 2
	cfg.CompressionThreshold = 0
	b, _ := newBatcher(t, cfg)

	_, err := b.Add(packet(7, 10))
	require.NoError(t, err)
	out, err := b.Add(packet(8, 10))
	require.NoError(t, err)
	require.NotNil(t, out)

	data, err := out.MarshalEnvelope()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"first_sequence":7`)
	assert.Contains(t, string(data), `"compressed":true`)

	decoded, err := batch.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, out, decoded)

	packets, err := decoded.Packets()
	require.NoError(t, err)
	assert.Len(t, packets, 2)
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"{",
		`{"first_sequence":1}`,
		`{"id":"a","packet_count":1,"first_sequence":5,"last_sequence":2,"encoding":"none"}`,
		`{"id":"a","packet_count":1,"encoding":"brotli","compressed":true}`,
		`{"id":"a","packet_count":1,"encoding":"gzip","compressed":false}`,
		`{"id":"a","packet_count":1,"encoding":"none","payload":"!!notbase64"}`,
	}

	for _, input := range tests {
		_, err := batch.DecodeEnvelope([]byte(input))
		require.Error(t, err, input)
		assert.True(t, errors.HasCode(err, batch.ErrInvalidEnvelope), input)
	}
}

func TestPacketsRejectsCorruptPayload(t *testing.T) {
	tests := map[string]*batch.Batch{
		"bad gzip": {
			ID: "x", PacketCount: 1, Compressed: true, Encoding: batch.EncodingGzip,
			UncompressedSize: 10, Payload: []byte("not gzip"),
		},
		"bomb": {
			ID: "x", PacketCount: 1, Compressed: true, Encoding: batch.EncodingZstd,
			UncompressedSize: batch.MaxDecompressedSize + 1, Payload: []byte{0},
		},
		"size mismatch": {
			ID: "x", PacketCount: 1, Encoding: batch.EncodingNone,
			UncompressedSize: 99, Payload: []byte("[]"),
		},
		"empty array": {
			ID: "x", PacketCount: 1, Encoding: batch.EncodingNone,
			UncompressedSize: 2, Payload: []byte("[]"),
		},
		"not packets": {
			ID: "x", PacketCount: 1, Encoding: batch.EncodingNone,
			UncompressedSize: 5, Payload: []byte("[1,2]"),
		},
	}

	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := b.Packets()
			assert.Error(t, err)
		})
	}
}

func TestGaps(t *testing.T) {
	batches := []*batch.Batch{
		{FirstSequence: 20, LastSequence: 29},
		{FirstSequence: 0, LastSequence: 9},
		{FirstSequence: 10, LastSequence: 14},
		{FirstSequence: 31, LastSequence: 31},
	}

	gaps := batch.Gaps(batches)
	require.Len(t, gaps, 2)
	assert.Equal(t, "15-19", gaps[0].String())
	assert.Equal(t, "30", gaps[1].String())
	assert.True(t, batches[1].Before(batches[2]))
	assert.False(t, batches[2].Before(batches[1]))
	assert.Empty(t, batch.Gaps(batches[1:3]))
}

func TestParseEncoding(t *testing.T) {
	enc, err := batch.ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, batch.EncodingNone, enc)

	enc, err = batch.ParseEncoding("lz4")
	require.NoError(t, err)
	assert.Equal(t, "lz4", enc.String())

	_, err = batch.ParseEncoding(strings.ToUpper("gzip"))
	assert.Error(t, err)
}
