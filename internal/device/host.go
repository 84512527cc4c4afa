package device

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"github.com/23skdu/longbow-gemmbench/internal/metrics"
)

var allocatedBytes int64

// AllocatedBytes reports the bytes currently held by live host buffers.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

func traceAlloc(delta int64) {
	metrics.RecordDeviceMemory(atomic.AddInt64(&allocatedBytes, delta))
}

// DefaultMaxWorkgroupInvocations matches the WebGPU default limit
// maxComputeInvocationsPerWorkgroup.
const DefaultMaxWorkgroupInvocations = 256

// Workgroup identifies one workgroup of a dispatch.
type Workgroup struct {
	ID   Size
	Size Size
}

// HostKernel executes one whole workgroup. Running a workgroup as a unit lets
// kernels emulate workgroup-shared memory without barriers.
type HostKernel func(wg Workgroup, args HostArgs)

// HostArgs exposes the bound buffers by slot.
type HostArgs struct {
	bufs []*hostBuffer
}

func (a HostArgs) F32(slot int) []float32 {
	return a.bufs[slot].words
}

func (a HostArgs) U32(slot int) []uint32 {
	w := a.bufs[slot].words
	if len(w) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&w[0])), len(w))
}

// HostDevice is a software GPU. It parses WGSL to discover entry points and
// runs each entry point through a Go workgroup function of the same name.
type HostDevice struct {
	kernels        map[string]HostKernel
	threads        int
	maxInvocations uint32
}

// NewHost creates a host device running the given kernels on up to threads
// goroutines. threads <= 0 uses runtime.NumCPU().
func NewHost(kernels map[string]HostKernel, threads int) *HostDevice {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &HostDevice{
		kernels:        kernels,
		threads:        threads,
		maxInvocations: DefaultMaxWorkgroupInvocations,
	}
}

func (d *HostDevice) Info() Info {
	return Info{
		Name:    "host",
		Backend: "host",
		Description: fmt.Sprintf("software GPU on %s/%s, %d threads, avx2=%t fma=%t asimd=%t",
			runtime.GOOS, runtime.GOARCH, d.threads, cpu.X86.HasAVX2, cpu.X86.HasFMA, cpu.ARM64.HasASIMD),
		MaxWorkgroupInvocations: d.maxInvocations,
	}
}

func (d *HostDevice) Compile(source string) (Library, error) {
	eps, err := ParseEntryPoints(source)
	if err != nil {
		return nil, err
	}
	lib := &hostLibrary{entries: make(map[string]EntryPoint, len(eps))}
	for _, ep := range eps {
		lib.entries[ep.Name] = ep
	}
	return lib, nil
}

func (d *HostDevice) NewPipeline(fn Function) (Pipeline, error) {
	hf, ok := fn.(*hostFunction)
	if !ok {
		return nil, fmt.Errorf("%w: function %q was not compiled by the host device", ErrPipelineCreation, fn.Name())
	}
	kernel, ok := d.kernels[hf.ep.Name]
	if !ok {
		return nil, fmt.Errorf("%w: host backend has no emulation for %q", ErrPipelineCreation, hf.ep.Name)
	}
	if n := hf.ep.WorkgroupSize.Invocations(); n > uint64(d.maxInvocations) {
		return nil, fmt.Errorf("%w: workgroup %s of %q exceeds %d invocations",
			ErrPipelineCreation, hf.ep.WorkgroupSize, hf.ep.Name, d.maxInvocations)
	}
	return &hostPipeline{fn: hf, kernel: kernel}, nil
}

func (d *HostDevice) NewBuffer(data []byte) (Buffer, error) {
	b := newHostBuffer(len(data))
	copy(b.bytes(), data)
	return b, nil
}

func (d *HostDevice) NewZeroedBuffer(size int) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	return newHostBuffer(size), nil
}

func (d *HostDevice) NewQueue() (Queue, error) {
	return &hostQueue{dev: d}, nil
}

func (d *HostDevice) Close() {}

type hostLibrary struct {
	entries map[string]EntryPoint
}

func (l *hostLibrary) Function(name string) (Function, error) {
	ep, ok := l.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryPointNotFound, name)
	}
	return &hostFunction{ep: ep}, nil
}

func (l *hostLibrary) Release() {}

type hostFunction struct {
	ep EntryPoint
}

func (f *hostFunction) Name() string        { return f.ep.Name }
func (f *hostFunction) WorkgroupSize() Size { return f.ep.WorkgroupSize }

type hostPipeline struct {
	fn     *hostFunction
	kernel HostKernel
}

func (p *hostPipeline) Function() Function { return p.fn }
func (p *hostPipeline) Release()           {}

type hostBuffer struct {
	words    []float32
	size     int
	released bool
}

func newHostBuffer(size int) *hostBuffer {
	b := &hostBuffer{
		words: make([]float32, (size+3)/4),
		size:  size,
	}
	traceAlloc(int64(size))
	return b
}

func (b *hostBuffer) bytes() []byte {
	return Float32Bytes(b.words)[:b.size]
}

func (b *hostBuffer) Size() int { return b.size }

func (b *hostBuffer) Write(data []byte) error {
	if b.released {
		return ErrReleased
	}
	if len(data) > b.size {
		return fmt.Errorf("write of %d bytes exceeds buffer of %d bytes", len(data), b.size)
	}
	copy(b.bytes(), data)
	return nil
}

func (b *hostBuffer) ReadFloat32() ([]float32, error) {
	if b.released {
		return nil, ErrReleased
	}
	out := make([]float32, b.size/4)
	copy(out, b.words)
	return out, nil
}

func (b *hostBuffer) Read() ([]byte, error) {
	if b.released {
		return nil, ErrReleased
	}
	out := make([]byte, b.size)
	copy(out, b.bytes())
	return out, nil
}

func (b *hostBuffer) Zero() error {
	if b.released {
		return ErrReleased
	}
	clear(b.words)
	return nil
}

func (b *hostBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.words = nil
	traceAlloc(-int64(b.size))
}

type hostQueue struct {
	dev *HostDevice
}

func (q *hostQueue) Dispatch(d Dispatch) error {
	p, ok := d.Pipeline.(*hostPipeline)
	if !ok {
		return fmt.Errorf("pipeline was not created by the host device")
	}
	declared := p.fn.ep.WorkgroupSize
	if declared != (Size{}) && declared != d.ThreadsPerGroup {
		return fmt.Errorf("threads per group %s does not match %q workgroup size %s",
			d.ThreadsPerGroup, p.fn.ep.Name, declared)
	}
	args := HostArgs{bufs: make([]*hostBuffer, len(d.Bindings))}
	for i, b := range d.Bindings {
		hb, ok := b.(*hostBuffer)
		if !ok {
			return fmt.Errorf("binding %d was not allocated by the host device", i)
		}
		if hb.released {
			return fmt.Errorf("binding %d: %w", i, ErrReleased)
		}
		args.bufs[i] = hb
	}

	var g errgroup.Group
	g.SetLimit(q.dev.threads)
	for z := uint32(0); z < d.Groups.Z; z++ {
		for y := uint32(0); y < d.Groups.Y; y++ {
			for x := uint32(0); x < d.Groups.X; x++ {
				wg := Workgroup{ID: Size{X: x, Y: y, Z: z}, Size: d.ThreadsPerGroup}
				g.Go(func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							err = fmt.Errorf("kernel %q panicked in workgroup %s: %v", p.fn.ep.Name, wg.ID, r)
						}
					}()
					p.kernel(wg, args)
					return nil
				})
			}
		}
	}
	return g.Wait()
}
