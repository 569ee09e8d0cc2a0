package gpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/utils/clock"
)

const milliWattsToWatts = 1000

type device struct {
	index  int
	prefix string
	name   string
	handle Device
	fans   int
}

// Sampler reads temperature, fan speed and power draw of every NVIDIA
// device through NVML.
type Sampler struct {
	mu      sync.Mutex
	lib     library
	devices []device
	cfg     Config
	seq     *telemetry.Sequencer
	clock   clock.PassiveClock
	logger  logger.Logger
}

// New initialises NVML and enumerates the devices.
func New(cfg Config, seq *telemetry.Sequencer, clk clock.PassiveClock, log logger.Logger) (*Sampler, error) {
	return newSampler(&nvmlWrapper{}, cfg, seq, clk, log)
}

func newSampler(lib library, cfg Config, seq *telemetry.Sequencer, clk clock.PassiveClock, log logger.Logger) (*Sampler, error) {
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

	if err := lib.Initialize(); err != nil {
		return nil, err
	}

	count, err := lib.GetDeviceCount()
	if err != nil {
		lib.Shutdown()
		return nil, err
	}

	s := &Sampler{lib: lib, cfg: cfg, seq: seq, clock: clk, logger: log}
	for i := 0; i < count; i++ {
		handle, err := lib.GetDevice(i)
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("Skipping unreadable GPU")
			continue
		}

		d := device{
			index:  i,
			prefix: fmt.Sprintf("gpu%d", i),
			name:   fmt.Sprintf("GPU %d", i),
			handle: handle,
		}
		if name, ret := handle.GetName(); IsNVMLSuccess(ret) {
			d.name = name
		}
		if fans, ret := handle.GetNumFans(); IsNVMLSuccess(ret) {
			d.fans = fans
		}

		log.Info().
			Int("index", i).
			Str("name", d.name).
			Int("fans", d.fans).
			Msg("Detected GPU")

		s.devices = append(s.devices, d)
	}

	return s, nil
}

func (s *Sampler) Name() string {
	return "gpu"
}

// Devices returns the number of devices being sampled.
func (s *Sampler) Devices() int {
	return len(s.devices)
}

func (s *Sampler) Sample(ctx context.Context) (telemetry.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	var sample telemetry.Sample
	for _, d := range s.devices {
		if err := ctx.Err(); err != nil {
			return sample, err
		}
		readings, condition := s.Convert(now, d.prefix, d.name, read(d))
		sample.Readings = append(sample.Readings, readings...)
		sample.Components = sample.Components.Add(condition)
	}
	return sample, nil
}

func read(d device) Metrics {
	var m Metrics

	if temp, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU); IsNVMLSuccess(ret) {
		m.TemperatureCelsius = &temp
	}
	for fan := 0; fan < d.fans; fan++ {
		if speed, ret := d.handle.GetFanSpeed_v2(fan); IsNVMLSuccess(ret) {
			m.FanPercent = append(m.FanPercent, speed)
		}
	}
	if usage, ret := d.handle.GetPowerUsage(); IsNVMLSuccess(ret) {
		m.PowerMilliwatts = &usage
	}
	if limit, ret := d.handle.GetPowerManagementLimit(); IsNVMLSuccess(ret) {
		m.LimitMilliwatts = &limit
	}
	return m
}

// Convert turns one device reading into sensor readings and the device's
// condition. A device whose temperature cannot be read counts as failed.
func (s *Sampler) Convert(now time.Time, prefix, name string, m Metrics) ([]telemetry.SensorReading, telemetry.ComponentCounts) {
	var (
		readings  []telemetry.SensorReading
		condition telemetry.ComponentCounts
	)

	if m.TemperatureCelsius == nil {
		condition.Failed = 1
	} else {
		temp := int(*m.TemperatureCelsius)
		readings = append(readings, s.reading(now, prefix+"-temp", name+" temperature",
			telemetry.Temperature{Value: float32(temp), Unit: "°C"}))

		switch {
		case temp >= s.cfg.TempCritCelsius:
			condition.Failed = 1
		case temp >= s.cfg.TempWarnCelsius:
			condition.Degraded = 1
		default:
			condition.Healthy = 1
		}
	}

	for i, speed := range m.FanPercent {
		readings = append(readings, s.reading(now, fmt.Sprintf("%s-fan%d", prefix, i), fmt.Sprintf("%s fan %d", name, i),
			telemetry.Analog{Value: float32(speed), Unit: "%"}))
	}

	if m.PowerMilliwatts != nil {
		readings = append(readings, s.reading(now, prefix+"-power", name+" power draw",
			telemetry.Analog{Value: float32(*m.PowerMilliwatts) / milliWattsToWatts, Unit: "W"}))
	}
	if m.LimitMilliwatts != nil {
		readings = append(readings, s.reading(now, prefix+"-power-limit", name+" power limit",
			telemetry.Analog{Value: float32(*m.LimitMilliwatts) / milliWattsToWatts, Unit: "W"}))
	}

	return readings, condition
}

func (s *Sampler) reading(now time.Time, id, name string, data telemetry.SensorData) telemetry.SensorReading {
	return telemetry.SensorReading{
		ComponentID:   id,
		ComponentName: name,
		Timestamp:     now,
		Data:          data,
		Sequence:      s.seq.Next(),
		Confidence:    1,
	}
}

// Close shuts NVML down.
func (s *Sampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = nil
	return s.lib.Shutdown()
}
