package resilience

import "codeberg.org/mutker/telemetryd/internal/batch"

// Observer receives delivery events for instrumentation.
type Observer interface {
	BatchDelivered(target string, b *batch.Batch)
	BatchDropped(target string, count int)
	SendFailed(target string, class string)
	SendRetried(target string)
	StateChanged(target string, from, to State)
	BufferDepth(target string, batches, bytes int)
}

type noopObserver struct{}

func (noopObserver) BatchDelivered(string, *batch.Batch) {}
func (noopObserver) BatchDropped(string, int)            {}
func (noopObserver) SendFailed(string, string)           {}
func (noopObserver) SendRetried(string)                  {}
func (noopObserver) StateChanged(string, State, State)   {}
func (noopObserver) BufferDepth(string, int, int)        {}
