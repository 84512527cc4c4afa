//go:build !webgpu

package device

import "fmt"

const webgpuCompiled = false

func newWebGPU() (Device, error) {
	return nil, fmt.Errorf("%w: webgpu backend not compiled in (build with -tags webgpu)", ErrNoDevice)
}
