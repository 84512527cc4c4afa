// Package device is the boundary between the harness and a compute device.
//
// The harness only needs a narrow contract from a device: compile program
// source, resolve an entry point, build a pipeline, allocate float buffers
// and run one dispatch synchronously. Two backends implement it: a software
// GPU that executes WGSL-shaped workgroups on the host (always built) and a
// WebGPU backend (build tag "webgpu").
package device

import (
	"fmt"
	"unsafe"
)

// Size is a 3D extent: workgroup counts or threads per workgroup.
type Size struct {
	X, Y, Z uint32
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%dx%d", s.X, s.Y, s.Z)
}

// Invocations is the number of work-items in one workgroup of this size.
func (s Size) Invocations() uint64 {
	return uint64(s.X) * uint64(s.Y) * uint64(s.Z)
}

type Info struct {
	Name        string
	Backend     string
	Description string
	// MaxWorkgroupInvocations bounds X*Y*Z of a workgroup.
	MaxWorkgroupInvocations uint32
}

type Device interface {
	Info() Info
	// Compile turns program source into a library. Failures are *CompileError.
	Compile(source string) (Library, error)
	// NewPipeline builds an executable pipeline. Failures wrap ErrPipelineCreation.
	NewPipeline(fn Function) (Pipeline, error)
	NewBuffer(data []byte) (Buffer, error)
	NewZeroedBuffer(size int) (Buffer, error)
	NewQueue() (Queue, error)
	Close()
}

type Library interface {
	// Function resolves an entry point. Failures wrap ErrEntryPointNotFound.
	Function(name string) (Function, error)
	Release()
}

type Function interface {
	Name() string
	// WorkgroupSize is the size declared by the program, zero if unknown.
	WorkgroupSize() Size
}

type Pipeline interface {
	Function() Function
	Release()
}

// Buffer is device-visible storage. Size is in bytes.
type Buffer interface {
	Size() int
	Write(data []byte) error
	// Read copies the buffer contents back to the host.
	Read() ([]byte, error)
	ReadFloat32() ([]float32, error)
	Zero() error
	Release()
}

// Dispatch is one compute invocation. Bindings[i] is bound at slot i.
type Dispatch struct {
	Pipeline        Pipeline
	Bindings        []Buffer
	Groups          Size
	ThreadsPerGroup Size
}

type Queue interface {
	// Dispatch submits d and blocks until the device reports completion.
	Dispatch(d Dispatch) error
}

// Float32Bytes reinterprets v as its little-endian byte representation
// without copying.
func Float32Bytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}
