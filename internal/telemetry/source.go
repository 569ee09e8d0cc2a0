package telemetry

import (
	"context"
	"time"
)

// Source is polled once per packet interval for fresh readings.
type Source interface {
	Name() string
	Sample(ctx context.Context) (Sample, error)
	Close() error
}

// Sample is the result of one poll.
type Sample struct {
	Readings   []SensorReading
	Components ComponentCounts
	// Host is set only by sources that measure the machine itself.
	Host *HostStats
}

// ComponentCounts tallies monitored components by condition.
type ComponentCounts struct {
	Healthy  uint32
	Degraded uint32
	Failed   uint32
}

func (c ComponentCounts) Add(other ComponentCounts) ComponentCounts {
	return ComponentCounts{
		Healthy:  c.Healthy + other.Healthy,
		Degraded: c.Degraded + other.Degraded,
		Failed:   c.Failed + other.Failed,
	}
}

// HostStats are machine-wide figures copied into SystemHealth.
type HostStats struct {
	UptimeSeconds      uint64
	CPUUsagePercent    float32
	MemoryUsageBytes   uint64
	TemperatureCelsius float32
}

// BuildHealth folds samples and extra component counts into a SystemHealth
// and derives its status. Without host figures the defaults of
// NewSystemHealth are kept.
func BuildHealth(now time.Time, samples []Sample, extra ComponentCounts) SystemHealth {
	health := NewSystemHealth(now)

	counts := extra
	for _, s := range samples {
		counts = counts.Add(s.Components)
		if s.Host != nil {
			health.UptimeSeconds = s.Host.UptimeSeconds
			health.CPUUsagePercent = s.Host.CPUUsagePercent
			health.MemoryUsageBytes = s.Host.MemoryUsageBytes
			health.TemperatureCelsius = s.Host.TemperatureCelsius
		}
	}

	health.HealthyComponents = counts.Healthy
	health.DegradedComponents = counts.Degraded
	health.FailedComponents = counts.Failed
	health.Recalculate()

	return health
}
