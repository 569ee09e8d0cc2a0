package resilience

import (
	"sync"

	"codeberg.org/mutker/telemetryd/internal/batch"
)

// OfflineBuffer is a FIFO of undelivered batches bounded by batch count
// and total payload bytes. When a Push would exceed a bound, the oldest
// batches are evicted and counted as dropped.
type OfflineBuffer struct {
	mu         sync.Mutex
	entries    []*batch.Batch
	totalSize  int
	maxBatches int
	maxBytes   int
	dropped    uint64
}

func NewOfflineBuffer(cfg BufferConfig) (*OfflineBuffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OfflineBuffer{
		maxBatches: cfg.MaxBatches,
		maxBytes:   cfg.MaxBytes,
	}, nil
}

// Push appends b and returns how many batches were dropped to make room.
// A batch larger than the whole byte budget is itself dropped.
func (o *OfflineBuffer) Push(b *batch.Batch) int {
	size := b.Size()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.maxBytes > 0 && size > o.maxBytes {
		o.dropped++
		return 1
	}

	evicted := 0
	for len(o.entries) > 0 &&
		((o.maxBatches > 0 && len(o.entries)+1 > o.maxBatches) ||
			(o.maxBytes > 0 && o.totalSize+size > o.maxBytes)) {
		o.popLocked()
		o.dropped++
		evicted++
	}

	o.entries = append(o.entries, b)
	o.totalSize += size

	return evicted
}

// Peek returns the oldest batch without removing it, or nil when empty.
func (o *OfflineBuffer) Peek() *batch.Batch {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return nil
	}
	return o.entries[0]
}

// Pop removes the oldest batch. No-op when empty.
func (o *OfflineBuffer) Pop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.popLocked()
}

func (o *OfflineBuffer) popLocked() {
	if len(o.entries) == 0 {
		return
	}
	head := o.entries[0]
	o.entries[0] = nil
	o.entries = o.entries[1:]
	o.totalSize -= head.Size()
}

func (o *OfflineBuffer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *OfflineBuffer) SizeBytes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalSize
}

// Dropped returns the number of batches lost to overflow since creation.
func (o *OfflineBuffer) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
