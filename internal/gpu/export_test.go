package gpu

import (
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"codeberg.org/mutker/telemetryd/internal/telemetry"
	"k8s.io/utils/clock"
)

type fakeLibrary struct {
	devices  []Device
	shutdown bool
}

func (*fakeLibrary) Initialize() error { return nil }

func (l *fakeLibrary) Shutdown() error {
	l.shutdown = true
	return nil
}

func (l *fakeLibrary) GetDeviceCount() (int, error) { return len(l.devices), nil }

func (l *fakeLibrary) GetDevice(index int) (Device, error) {
	if l.devices[index] == nil {
		return nil, errors.New().New(ErrDeviceNotFound)
	}
	return l.devices[index], nil
}

// NewWithDevices builds a Sampler over the given devices without NVML. A
// nil entry behaves as a device NVML cannot open.
func NewWithDevices(cfg Config, devices []Device, seq *telemetry.Sequencer, clk clock.PassiveClock) (*Sampler, func() bool, error) {
	lib := &fakeLibrary{devices: devices}
	s, err := newSampler(lib, cfg, seq, clk, logger.Nop())
	return s, func() bool { return lib.shutdown }, err
}
