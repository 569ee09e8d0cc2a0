package telemetry

import "sync/atomic"

// Producer is the write side of the Collector used by components. A nil
// *Collector satisfies it and discards everything.
type Producer interface {
	RecordSensorReading(reading SensorReading)
	RecordDiagnostic(entry DiagnosticEntry)
	UpdateHealth(health SystemHealth)
}

// Sequencer hands out monotonically increasing reading sequence numbers.
type Sequencer struct {
	next atomic.Uint64
}

// Next returns the next sequence number, starting at 0.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1) - 1
}
