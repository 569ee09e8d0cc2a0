package pipeline

import (
	"strconv"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/metrics"
	"codeberg.org/mutker/telemetryd/internal/resilience"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"k8s.io/utils/clock"
)

// Diagnostic codes recorded about the pipeline itself.
const (
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeCircuitClosed   = "CIRCUIT_CLOSED"
	CodeBufferOverflow  = "BUFFER_OVERFLOW"
	CodeSubmitOverflow  = "SUBMIT_OVERFLOW"
	CodeSourceFailed    = "SOURCE_FAILED"
	CodeEncodeFailed    = "ENCODE_FAILED"
	diagnosticComponent = "pipeline"
)

// selfObserver turns delivery events into diagnostics about the pipeline
// and forwards them to the metrics recorder.
type selfObserver struct {
	recorder  metrics.Recorder
	collector telemetry.Producer
	clock     clock.PassiveClock
}

func (o *selfObserver) diagnose(level telemetry.DiagnosticLevel, code, msg, target string) telemetry.DiagnosticEntry {
	entry := telemetry.DiagnosticEntry{
		Level:     level,
		Timestamp: o.clock.Now().UTC(),
		Component: diagnosticComponent,
		Message:   msg,
	}.WithCode(code)
	if target != "" {
		entry = entry.WithContext("target", target)
	}
	return entry
}

func (o *selfObserver) BatchDelivered(target string, b *batch.Batch) {
	o.recorder.BatchDelivered(target, b)
}

func (o *selfObserver) BatchDropped(target string, count int) {
	o.recorder.BatchDropped(target, count)
	o.collector.RecordDiagnostic(
		o.diagnose(telemetry.LevelWarning, CodeBufferOverflow, "offline buffer full, oldest batches dropped", target).
			WithContext("dropped", strconv.Itoa(count)))
}

func (o *selfObserver) SendFailed(target, class string) {
	o.recorder.SendFailed(target, class)
}

func (o *selfObserver) SendRetried(target string) {
	o.recorder.SendRetried(target)
}

func (o *selfObserver) StateChanged(target string, from, to resilience.State) {
	o.recorder.StateChanged(target, from, to)

	switch to {
	case resilience.StateOpen:
		o.collector.RecordDiagnostic(
			o.diagnose(telemetry.LevelError, CodeCircuitOpen, "transport unavailable, buffering offline", target).
				WithContext("from", from.String()))
	case resilience.StateClosed:
		o.collector.RecordDiagnostic(
			o.diagnose(telemetry.LevelInfo, CodeCircuitClosed, "transport recovered", target))
	}
}

func (o *selfObserver) BufferDepth(target string, batches, bytes int) {
	o.recorder.BufferDepth(target, batches, bytes)
}
