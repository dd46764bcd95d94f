package train

import (
	"fmt"

	"github.com/countvi/pkg/autodiff"
)

// AcceleratorAuto asks the runner to pick the best available device.
const AcceleratorAuto = "auto"

// DeviceConfig describes the requested compute placement.
type DeviceConfig struct {
	// Accelerator is "auto", "cpu", "metal", or "cuda".
	Accelerator string `json:"accelerator"`
	// Available lists the devices present on this machine; empty means
	// CPU only.
	Available []autodiff.Device `json:"available,omitempty"`
}

// Resolve picks the device to train on. Under "auto" the consumer
// accelerator wins over the general-purpose GPU when both are present,
// since the latter is not guaranteed to support every kernel here.
func (c *DeviceConfig) Resolve() (autodiff.Device, error) {
	accel := AcceleratorAuto
	if c != nil && c.Accelerator != "" {
		accel = c.Accelerator
	}
	switch accel {
	case AcceleratorAuto:
		if c.has(autodiff.DeviceMetal) {
			return autodiff.DeviceMetal, nil
		}
		if c.has(autodiff.DeviceCUDA) {
			return autodiff.DeviceCUDA, nil
		}
		return autodiff.DeviceCPU, nil
	case "cpu":
		return autodiff.DeviceCPU, nil
	case "metal":
		if !c.has(autodiff.DeviceMetal) {
			return autodiff.DeviceCPU, fmt.Errorf("metal accelerator requested but not available")
		}
		return autodiff.DeviceMetal, nil
	case "cuda":
		if !c.has(autodiff.DeviceCUDA) {
			return autodiff.DeviceCPU, fmt.Errorf("cuda accelerator requested but not available")
		}
		return autodiff.DeviceCUDA, nil
	default:
		return autodiff.DeviceCPU, fmt.Errorf("unknown accelerator %q", accel)
	}
}

func (c *DeviceConfig) has(device autodiff.Device) bool {
	if c == nil {
		return false
	}
	for _, d := range c.Available {
		if d == device {
			return true
		}
	}
	return false
}
