package inspect

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/transport"
)

// Report summarizes the batches that reached a sink.
type Report struct {
	Batches          int
	Packets          int
	FirstSequence    uint64
	LastSequence     uint64
	PayloadBytes     int
	UncompressedSize int
	Encodings        map[batch.Encoding]int
	Gaps             []batch.SequenceRange
	// Overlaps lists batches whose range starts at or before the end of
	// the batch sorted ahead of it.
	Overlaps []string
	// Corrupt maps batch ids to the error met while decoding their packets.
	// Only filled when payloads are decoded.
	Corrupt map[string]string
}

// Summarize builds a Report. With decode set every payload is inflated
// and its packets checked against the envelope.
func Summarize(batches []*batch.Batch, decode bool) Report {
	r := Report{
		Encodings: make(map[batch.Encoding]int),
		Corrupt:   make(map[string]string),
	}
	if len(batches) == 0 {
		return r
	}

	sorted := make([]*batch.Batch, len(batches))
	copy(sorted, batches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FirstSequence < sorted[j].FirstSequence
	})

	r.Batches = len(sorted)
	r.FirstSequence = sorted[0].FirstSequence
	for i, b := range sorted {
		r.Packets += b.PacketCount
		r.PayloadBytes += b.Size()
		r.UncompressedSize += b.UncompressedSize
		r.Encodings[b.Encoding]++
		if b.LastSequence > r.LastSequence {
			r.LastSequence = b.LastSequence
		}
		if i > 0 && b.FirstSequence <= sorted[i-1].LastSequence {
			r.Overlaps = append(r.Overlaps, b.ID)
		}
		if decode {
			if _, err := b.Packets(); err != nil {
				r.Corrupt[b.ID] = err.Error()
			}
		}
	}
	r.Gaps = batch.Gaps(sorted)

	return r
}

// Complete reports whether the batches cover one contiguous range with no
// overlaps or corrupt payloads.
func (r Report) Complete() bool {
	return len(r.Gaps) == 0 && len(r.Overlaps) == 0 && len(r.Corrupt) == 0
}

// WriteTo renders the report as aligned text.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "batches\t%d\n", r.Batches)
	fmt.Fprintf(tw, "packets\t%d\n", r.Packets)
	if r.Batches > 0 {
		fmt.Fprintf(tw, "sequences\t%s\n", batch.SequenceRange{First: r.FirstSequence, Last: r.LastSequence})
	}
	fmt.Fprintf(tw, "payload bytes\t%d (uncompressed %d)\n", r.PayloadBytes, r.UncompressedSize)

	encodings := make([]string, 0, len(r.Encodings))
	for enc := range r.Encodings {
		encodings = append(encodings, string(enc))
	}
	sort.Strings(encodings)
	for _, enc := range encodings {
		fmt.Fprintf(tw, "encoding %s\t%d\n", enc, r.Encodings[batch.Encoding(enc)])
	}

	for _, gap := range r.Gaps {
		fmt.Fprintf(tw, "gap\t%s\n", gap)
	}
	for _, id := range r.Overlaps {
		fmt.Fprintf(tw, "overlap\t%s\n", id)
	}

	ids := make([]string, 0, len(r.Corrupt))
	for id := range r.Corrupt {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(tw, "corrupt %s\t%s\n", id, r.Corrupt[id])
	}

	if err := tw.Flush(); err != nil {
		return cw.n, errors.New().Wrap(ErrWriteReport, err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Load reads the batches of a file log or an sqlite spool. Exactly one of
// logPath and spoolPath is expected.
func Load(ctx context.Context, logPath, spoolPath string) ([]*batch.Batch, error) {
	switch {
	case logPath != "" && spoolPath == "":
		return transport.ReadLogFile(logPath)
	case spoolPath != "" && logPath == "":
		if _, err := os.Stat(spoolPath); err != nil {
			return nil, errors.New().Wrap(ErrNoInput, err)
		}

		cfg := transport.DefaultConfig("inspect", transport.KindSQLite)
		cfg.Path = spoolPath
		cfg.BackupOnMigrate = false

		t, err := transport.New(cfg, logger.Nop())
		if err != nil {
			return nil, err
		}
		defer t.Close()

		return t.Spooled(ctx)
	default:
		return nil, errors.New().WithMessage(ErrNoInput, "exactly one of a log file or a spool database is required")
	}
}
