package gpu_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/telemetryd/internal/gpu"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeDevice struct {
	name    string
	temp    uint32
	tempRet nvml.Return
	fans    []uint32
	power   uint32
	limit   uint32
}

func (d *fakeDevice) GetName() (string, nvml.Return) { return d.name, nvml.SUCCESS }

func (d *fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	return d.temp, d.tempRet
}

func (d *fakeDevice) GetNumFans() (int, nvml.Return) { return len(d.fans), nvml.SUCCESS }

func (d *fakeDevice) GetFanSpeed_v2(fan int) (uint32, nvml.Return) { return d.fans[fan], nvml.SUCCESS }

func (d *fakeDevice) GetPowerUsage() (uint32, nvml.Return) { return d.power, nvml.SUCCESS }

func (d *fakeDevice) GetPowerManagementLimit() (uint32, nvml.Return) {
	return d.limit, nvml.ERROR_NOT_SUPPORTED
}

func u32(v uint32) *uint32 { return &v }

func TestSampleReadsDevices(t *testing.T) {
	devices := []gpu.Device{
		&fakeDevice{name: "RTX 4090", temp: 62, fans: []uint32{40, 42}, power: 215500},
		nil,
		&fakeDevice{name: "RTX 3060", temp: 85, power: 90000},
	}
	s, shutdown, err := gpu.NewWithDevices(gpu.DefaultConfig(), devices, &telemetry.Sequencer{}, testingclock.NewFakeClock(epoch))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Devices())
	assert.Equal(t, "gpu", s.Name())

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(sample.Readings))
	for _, r := range sample.Readings {
		ids = append(ids, r.ComponentID)
	}
	assert.Equal(t, []string{"gpu0-temp", "gpu0-fan0", "gpu0-fan1", "gpu0-power", "gpu2-temp", "gpu2-power"}, ids)
	assert.Equal(t, telemetry.Analog{Value: 215.5, Unit: "W"}, sample.Readings[3].Data)
	assert.Equal(t, "RTX 4090 fan 1", sample.Readings[2].ComponentName)
	assert.Equal(t, telemetry.ComponentCounts{Healthy: 1, Degraded: 1}, sample.Components)
	assert.Nil(t, sample.Host)

	require.NoError(t, s.Close())
	assert.True(t, shutdown())
}

func TestConvertConditions(t *testing.T) {
	s, _, err := gpu.NewWithDevices(gpu.DefaultConfig(), nil, &telemetry.Sequencer{}, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		m    gpu.Metrics
		want telemetry.ComponentCounts
		n    int
	}{
		{"cool", gpu.Metrics{TemperatureCelsius: u32(50)}, telemetry.ComponentCounts{Healthy: 1}, 1},
		{"warm", gpu.Metrics{TemperatureCelsius: u32(80)}, telemetry.ComponentCounts{Degraded: 1}, 1},
		{"critical", gpu.Metrics{TemperatureCelsius: u32(90)}, telemetry.ComponentCounts{Failed: 1}, 1},
		{"unreadable", gpu.Metrics{PowerMilliwatts: u32(1000), LimitMilliwatts: u32(250000)}, telemetry.ComponentCounts{Failed: 1}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings, condition := s.Convert(epoch, "gpu0", "GPU 0", tt.m)
			assert.Equal(t, tt.want, condition)
			assert.Len(t, readings, tt.n)
		})
	}
}

func TestSampleFailedTemperatureRead(t *testing.T) {
	devices := []gpu.Device{&fakeDevice{name: "broken", tempRet: nvml.ERROR_GPU_IS_LOST}}
	s, _, err := gpu.NewWithDevices(gpu.DefaultConfig(), devices, nil, nil)
	require.NoError(t, err)

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sample.Components.Failed)
	require.Len(t, sample.Readings, 1)
	assert.Equal(t, "gpu0-power", sample.Readings[0].ComponentID)
}

func TestConfigValidate(t *testing.T) {
	cfg := gpu.DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.TempWarnCelsius = 95
	assert.Error(t, cfg.Validate())
}
