package gpu

import "github.com/NVIDIA/go-nvml/pkg/nvml"

// Device is the subset of nvml.Device read by the sampler.
type Device interface {
	GetName() (string, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
	GetNumFans() (int, nvml.Return)
	GetFanSpeed_v2(fan int) (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetPowerManagementLimit() (uint32, nvml.Return)
}

// library abstracts NVML initialisation for testing
type library interface {
	Initialize() error
	Shutdown() error
	GetDeviceCount() (int, error)
	GetDevice(index int) (Device, error)
}

// Metrics is one raw reading of a device. Fields NVML could not read are nil.
type Metrics struct {
	TemperatureCelsius *uint32
	FanPercent         []uint32
	PowerMilliwatts    *uint32
	LimitMilliwatts    *uint32
}
