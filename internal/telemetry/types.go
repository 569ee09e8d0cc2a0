package telemetry

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// HealthStatus is the overall status derived from component counts.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthCritical HealthStatus = "CRITICAL"
	HealthUnknown  HealthStatus = "UNKNOWN"
)

func (s HealthStatus) IsValid() bool {
	switch s {
	case HealthHealthy, HealthDegraded, HealthCritical, HealthUnknown:
		return true
	default:
		return false
	}
}

func (s *HealthStatus) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if !HealthStatus(tag).IsValid() {
		return fmt.Errorf("unknown health status %q", tag)
	}
	*s = HealthStatus(tag)
	return nil
}

const defaultTemperatureCelsius = 25.0

// SystemHealth is a point-in-time view of the monitored system. Status is
// only changed by Recalculate.
type SystemHealth struct {
	Status             HealthStatus `json:"status"`
	Timestamp          time.Time    `json:"timestamp"`
	HealthyComponents  uint32       `json:"healthy_components"`
	DegradedComponents uint32       `json:"degraded_components"`
	FailedComponents   uint32       `json:"failed_components"`
	UptimeSeconds      uint64       `json:"uptime_seconds"`
	CPUUsagePercent    float32      `json:"cpu_usage_percent"`
	MemoryUsageBytes   uint64       `json:"memory_usage_bytes"`
	TemperatureCelsius float32      `json:"temperature_celsius"`
	ErrorMessage       *string      `json:"error_message,omitempty"`
}

func NewSystemHealth(now time.Time) SystemHealth {
	return SystemHealth{
		Status:             HealthUnknown,
		Timestamp:          now.UTC(),
		TemperatureCelsius: defaultTemperatureCelsius,
	}
}

// Recalculate derives Status from the component counts. Failed components
// take precedence over degraded ones, degraded over healthy.
func (h *SystemHealth) Recalculate() {
	switch {
	case h.FailedComponents > 0:
		h.Status = HealthCritical
	case h.DegradedComponents > 0:
		h.Status = HealthDegraded
	case h.HealthyComponents > 0:
		h.Status = HealthHealthy
	default:
		h.Status = HealthUnknown
	}
}

func (h SystemHealth) validate() error {
	if !h.Status.IsValid() {
		return fmt.Errorf("health: invalid status %q", h.Status)
	}
	return nil
}

func (h SystemHealth) clone() SystemHealth {
	if h.ErrorMessage != nil {
		msg := *h.ErrorMessage
		h.ErrorMessage = &msg
	}
	return h
}

// EstimatedSize approximates the encoded size in bytes.
func (h SystemHealth) EstimatedSize() int {
	size := 260
	if h.ErrorMessage != nil {
		size += len(*h.ErrorMessage) + 20
	}
	return size
}

// SensorReading is one measurement produced by a component.
type SensorReading struct {
	ComponentID   string     `json:"component_id"`
	ComponentName string     `json:"component_name"`
	Timestamp     time.Time  `json:"timestamp"`
	Data          SensorData `json:"data"`
	Sequence      uint64     `json:"sequence"`
	// Confidence is expected in [0.0, 1.0]; it is not checked.
	Confidence float32 `json:"confidence"`
}

func (r *SensorReading) UnmarshalJSON(data []byte) error {
	type wire SensorReading
	var aux struct {
		wire
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	sd, err := DecodeSensorData(aux.Data)
	if err != nil {
		return err
	}
	*r = SensorReading(aux.wire)
	r.Data = sd
	return nil
}

// EstimatedSize approximates the encoded size in bytes.
func (r SensorReading) EstimatedSize() int {
	return 150 + len(r.ComponentID) + len(r.ComponentName) + estimateSensorData(r.Data)
}

// DiagnosticLevel is the severity of a diagnostic entry.
type DiagnosticLevel string

const (
	LevelInfo     DiagnosticLevel = "INFO"
	LevelWarning  DiagnosticLevel = "WARNING"
	LevelError    DiagnosticLevel = "ERROR"
	LevelCritical DiagnosticLevel = "CRITICAL"
)

func (l DiagnosticLevel) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	default:
		return false
	}
}

func (l *DiagnosticLevel) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if !DiagnosticLevel(tag).IsValid() {
		return fmt.Errorf("unknown diagnostic level %q", tag)
	}
	*l = DiagnosticLevel(tag)
	return nil
}

// DiagnosticEntry is a single diagnostic event. Values are built as struct
// literals and refined with the With helpers, which never mutate the receiver.
type DiagnosticEntry struct {
	Level     DiagnosticLevel   `json:"level"`
	Timestamp time.Time         `json:"timestamp"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Code      string            `json:"code,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

func (e DiagnosticEntry) WithCode(code string) DiagnosticEntry {
	e.Context = maps.Clone(e.Context)
	e.Code = code
	return e
}

func (e DiagnosticEntry) WithContext(key, value string) DiagnosticEntry {
	ctx := make(map[string]string, len(e.Context)+1)
	maps.Copy(ctx, e.Context)
	ctx[key] = value
	e.Context = ctx
	return e
}

func (e DiagnosticEntry) clone() DiagnosticEntry {
	e.Context = maps.Clone(e.Context)
	return e
}

func (e DiagnosticEntry) validate() error {
	if !e.Level.IsValid() {
		return fmt.Errorf("diagnostic: invalid level %q", e.Level)
	}
	return nil
}

// EstimatedSize approximates the encoded size in bytes.
func (e DiagnosticEntry) EstimatedSize() int {
	size := 110 + len(e.Component) + len(e.Message)
	if e.Code != "" {
		size += len(e.Code) + 10
	}
	for k, v := range e.Context {
		size += len(k) + len(v) + 6
	}
	return size
}

// DiagnosticsReport holds the retained diagnostic entries, oldest first,
// with per-level counts that always match them.
type DiagnosticsReport struct {
	TotalEntries  int               `json:"total_entries"`
	InfoCount     int               `json:"info_count"`
	WarningCount  int               `json:"warning_count"`
	ErrorCount    int               `json:"error_count"`
	CriticalCount int               `json:"critical_count"`
	Entries       []DiagnosticEntry `json:"entries"`
}

// Count returns the number of retained entries at the given level.
func (r DiagnosticsReport) Count(level DiagnosticLevel) int {
	switch level {
	case LevelInfo:
		return r.InfoCount
	case LevelWarning:
		return r.WarningCount
	case LevelError:
		return r.ErrorCount
	case LevelCritical:
		return r.CriticalCount
	default:
		return 0
	}
}

func (r *DiagnosticsReport) adjust(level DiagnosticLevel, delta int) {
	switch level {
	case LevelInfo:
		r.InfoCount += delta
	case LevelWarning:
		r.WarningCount += delta
	case LevelError:
		r.ErrorCount += delta
	case LevelCritical:
		r.CriticalCount += delta
	}
	r.TotalEntries += delta
}

func (r DiagnosticsReport) validate() error {
	var counted DiagnosticsReport
	for _, e := range r.Entries {
		if err := e.validate(); err != nil {
			return err
		}
		counted.adjust(e.Level, 1)
	}
	if counted.TotalEntries != r.TotalEntries ||
		counted.InfoCount != r.InfoCount ||
		counted.WarningCount != r.WarningCount ||
		counted.ErrorCount != r.ErrorCount ||
		counted.CriticalCount != r.CriticalCount {
		return fmt.Errorf("diagnostics: counts do not match %d retained entries", len(r.Entries))
	}
	return nil
}

// EstimatedSize approximates the encoded size in bytes.
func (r DiagnosticsReport) EstimatedSize() int {
	size := 120
	for _, e := range r.Entries {
		size += e.EstimatedSize() + 1
	}
	return size
}

// TelemetryPacket is an immutable snapshot of collector state and the unit
// of transport.
type TelemetryPacket struct {
	Sequence       uint64            `json:"sequence"`
	Timestamp      time.Time         `json:"timestamp"`
	Health         SystemHealth      `json:"health"`
	SensorReadings []SensorReading   `json:"sensor_readings"`
	Diagnostics    DiagnosticsReport `json:"diagnostics"`
}

func (p TelemetryPacket) validate() error {
	if err := p.Health.validate(); err != nil {
		return err
	}
	for i, r := range p.SensorReadings {
		if r.Data == nil {
			return fmt.Errorf("sensor_readings[%d]: missing data", i)
		}
	}
	return p.Diagnostics.validate()
}

// EstimatedSize approximates the encoded size in bytes without encoding.
func (p TelemetryPacket) EstimatedSize() int {
	size := 80 + p.Health.EstimatedSize() + p.Diagnostics.EstimatedSize()
	for _, r := range p.SensorReadings {
		size += r.EstimatedSize() + 1
	}
	return size
}
