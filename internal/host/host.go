package host

import (
	"context"
	"sort"
	"time"

	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"github.com/shirou/gopsutil/v3/cpu"
	gohost "github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/utils/clock"
)

// ambientCelsius stands in for the host temperature when no sensor reports.
const ambientCelsius = 25

// Stats is one raw reading of the host.
type Stats struct {
	CPUPercent   float64
	CPUOK        bool
	Memory       *mem.VirtualMemoryStat
	Uptime       uint64
	Temperatures []gohost.TemperatureStat
}

// Sampler reads CPU, memory, uptime and temperature sensors.
type Sampler struct {
	cfg    Config
	seq    *telemetry.Sequencer
	clock  clock.PassiveClock
	logger logger.Logger
}

func New(cfg Config, seq *telemetry.Sequencer, clk clock.PassiveClock, log logger.Logger) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seq == nil {
		seq = &telemetry.Sequencer{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Sampler{cfg: cfg, seq: seq, clock: clk, logger: log}, nil
}

func (s *Sampler) Name() string {
	return "host"
}

func (s *Sampler) Close() error {
	return nil
}

// Sample returns whatever could be read. A probe that fails is reported in
// the returned error and counted as a failed component.
func (s *Sampler) Sample(ctx context.Context) (telemetry.Sample, error) {
	var (
		stats Stats
		errs  []error
	)
	errFactory := errors.New()

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
		stats.CPUOK = true
	} else if err != nil {
		errs = append(errs, errFactory.Wrap(ErrProbeFailed, err).WithMessage("cpu probe failed"))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.Memory = vm
	} else {
		errs = append(errs, errFactory.Wrap(ErrProbeFailed, err).WithMessage("memory probe failed"))
	}

	if uptime, err := gohost.UptimeWithContext(ctx); err == nil {
		stats.Uptime = uptime
	} else {
		errs = append(errs, errFactory.Wrap(ErrProbeFailed, err).WithMessage("uptime probe failed"))
	}

	// Partial sensor results come back with warnings; keep what was read.
	temps, err := gohost.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		s.logger.Debug().Err(err).Msg("No temperature sensors readable")
	}
	stats.Temperatures = temps

	return s.Convert(stats), errors.Join(errs...)
}

// Convert turns raw host figures into readings, component counts and host
// health figures.
func (s *Sampler) Convert(stats Stats) telemetry.Sample {
	now := s.clock.Now().UTC()
	var sample telemetry.Sample
	host := &telemetry.HostStats{
		UptimeSeconds:      stats.Uptime,
		TemperatureCelsius: ambientCelsius,
	}
	sample.Host = host

	if stats.CPUOK {
		host.CPUUsagePercent = float32(stats.CPUPercent)
		sample.Readings = append(sample.Readings, s.reading(now, "host-cpu", "CPU usage",
			telemetry.Analog{Value: float32(stats.CPUPercent), Unit: "%"}, 1))
		sample.Components.Healthy++
	} else {
		sample.Components.Failed++
	}

	if stats.Memory != nil {
		host.MemoryUsageBytes = stats.Memory.Used
		sample.Readings = append(sample.Readings, s.reading(now, "host-memory", "Memory usage",
			telemetry.Analog{Value: float32(stats.Memory.UsedPercent), Unit: "%"}, 1))
		if stats.Memory.UsedPercent >= s.cfg.MemoryWarnPercent {
			sample.Components.Degraded++
		} else {
			sample.Components.Healthy++
		}
	} else {
		sample.Components.Failed++
	}

	temps := make([]gohost.TemperatureStat, 0, len(stats.Temperatures))
	for _, t := range stats.Temperatures {
		if t.Temperature > 0 {
			temps = append(temps, t)
		}
	}
	sort.Slice(temps, func(i, j int) bool { return temps[i].SensorKey < temps[j].SensorKey })
	if s.cfg.MaxSensors > 0 && len(temps) > s.cfg.MaxSensors {
		temps = temps[:s.cfg.MaxSensors]
	}

	hottest := 0.0
	for _, t := range temps {
		sample.Readings = append(sample.Readings, s.reading(now, "host-temp-"+t.SensorKey, t.SensorKey,
			telemetry.Temperature{Value: float32(t.Temperature), Unit: "°C"}, 0.9))

		crit := s.cfg.TempCritCelsius
		if t.Critical > 0 {
			crit = t.Critical
		}
		switch {
		case t.Temperature >= crit:
			sample.Components.Failed++
		case t.Temperature >= s.cfg.TempWarnCelsius:
			sample.Components.Degraded++
		default:
			sample.Components.Healthy++
		}
		hottest = max(hottest, t.Temperature)
	}
	if len(temps) > 0 {
		host.TemperatureCelsius = float32(hottest)
	}

	return sample
}

func (s *Sampler) reading(now time.Time, id, name string, data telemetry.SensorData, confidence float32) telemetry.SensorReading {
	return telemetry.SensorReading{
		ComponentID:   id,
		ComponentName: name,
		Timestamp:     now,
		Data:          data,
		Sequence:      s.seq.Next(),
		Confidence:    confidence,
	}
}
