package telemetry

import (
	"sync"

	"k8s.io/utils/clock"
)

// Collector aggregates readings, diagnostics and health from concurrent
// producers and turns them into sequenced packets. All methods are safe for
// concurrent use, and a nil *Collector ignores writes and returns zero values.
type Collector struct {
	clock clock.PassiveClock

	mu          sync.RWMutex
	readings    *ring[SensorReading]
	diagnostics *ring[DiagnosticEntry]
	counts      DiagnosticsReport
	health      SystemHealth
	sequence    uint64
}

// NewCollector creates a Collector with the given capacities. A nil clock
// selects the system clock.
func NewCollector(cfg Config, clk clock.PassiveClock) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Collector{
		clock:       clk,
		readings:    newRing[SensorReading](cfg.ReadingCapacity),
		diagnostics: newRing[DiagnosticEntry](cfg.DiagnosticCapacity),
		health:      NewSystemHealth(clk.Now()),
	}, nil
}

// RecordSensorReading appends a reading, evicting the oldest when full.
func (c *Collector) RecordSensorReading(reading SensorReading) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.readings.push(reading)
}

// RecordDiagnostic appends an entry, evicting the oldest when full. Level
// counts follow the retained entries.
func (c *Collector) RecordDiagnostic(entry DiagnosticEntry) {
	if c == nil {
		return
	}
	entry = entry.clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	if evicted, ok := c.diagnostics.push(entry); ok {
		c.counts.adjust(evicted.Level, -1)
	}
	c.counts.adjust(entry.Level, 1)
}

// UpdateHealth replaces the current health value as given.
func (c *Collector) UpdateHealth(health SystemHealth) {
	if c == nil {
		return
	}
	health = health.clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.health = health
}

// GeneratePacket assigns the next sequence number, starting at 0, and
// returns a snapshot of the current state with readings most recent first.
func (c *Collector) GeneratePacket() TelemetryPacket {
	if c == nil {
		return TelemetryPacket{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.sequence
	c.sequence++

	return TelemetryPacket{
		Sequence:       seq,
		Timestamp:      c.clock.Now().UTC(),
		Health:         c.health.clone(),
		SensorReadings: c.newestReadings(c.readings.len()),
		Diagnostics:    c.report(),
	}
}

// SensorReadings returns up to limit readings, most recent first.
func (c *Collector) SensorReadings(limit int) []SensorReading {
	if c == nil {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.newestReadings(limit)
}

// Health returns a copy of the current health value.
func (c *Collector) Health() SystemHealth {
	if c == nil {
		return SystemHealth{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.health.clone()
}

// Diagnostics returns a copy of the retained diagnostics.
func (c *Collector) Diagnostics() DiagnosticsReport {
	if c == nil {
		return DiagnosticsReport{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.report()
}

// Clear drops all readings and diagnostics and resets health. The packet
// sequence keeps counting.
func (c *Collector) Clear() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.readings.reset()
	c.diagnostics.reset()
	c.counts = DiagnosticsReport{}
	c.health = NewSystemHealth(c.clock.Now())
}

func (c *Collector) newestReadings(limit int) []SensorReading {
	n := min(max(limit, 0), c.readings.len())
	out := make([]SensorReading, n)
	last := c.readings.len() - 1
	for i := range out {
		out[i] = c.readings.at(last - i)
	}
	return out
}

func (c *Collector) report() DiagnosticsReport {
	r := c.counts
	r.Entries = make([]DiagnosticEntry, c.diagnostics.len())
	for i := range r.Entries {
		r.Entries[i] = c.diagnostics.at(i).clone()
	}
	return r
}
