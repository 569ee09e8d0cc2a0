package metrics

import (
	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/resilience"
)

// Recorder receives pipeline events. It extends the delivery observer with
// the packet and batch stages.
type Recorder interface {
	resilience.Observer
	PacketGenerated()
	PacketDropped()
	PacketSkipped()
	BatchCreated(b *batch.Batch)
}

// Noop returns a Recorder that discards everything.
func Noop() Recorder {
	return noopRecorder{}
}

type noopRecorder struct{}

func (noopRecorder) PacketGenerated()                                        {}
func (noopRecorder) PacketDropped()                                          {}
func (noopRecorder) PacketSkipped()                                          {}
func (noopRecorder) BatchCreated(*batch.Batch)                               {}
func (noopRecorder) BatchDelivered(string, *batch.Batch)                     {}
func (noopRecorder) BatchDropped(string, int)                                {}
func (noopRecorder) SendFailed(string, string)                               {}
func (noopRecorder) SendRetried(string)                                      {}
func (noopRecorder) StateChanged(string, resilience.State, resilience.State) {}
func (noopRecorder) BufferDepth(string, int, int)                            {}
