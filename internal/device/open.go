package device

import (
	"errors"
	"fmt"
)

// Open selects a compute device. backend is "host", "webgpu" or "auto";
// auto prefers a WebGPU adapter and falls back to the host device.
// threads sizes the host device's workgroup pool.
func Open(backend string, threads int) (Device, error) {
	switch backend {
	case "host":
		return NewHost(DefaultHostKernels(), threads), nil
	case "webgpu":
		return newWebGPU()
	case "auto", "":
		if webgpuCompiled {
			d, err := newWebGPU()
			if err == nil {
				return d, nil
			}
			if !errors.Is(err, ErrNoDevice) {
				return nil, err
			}
		}
		return NewHost(DefaultHostKernels(), threads), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNoDevice, backend)
	}
}
