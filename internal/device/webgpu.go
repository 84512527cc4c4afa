//go:build webgpu

package device

import (
	"fmt"
	"unsafe"

	"github.com/openfluke/webgpu/wgpu"
)

const webgpuCompiled = true

// WebGPUDevice runs kernels on a real GPU through wgpu (Metal, Vulkan or
// D3D12 depending on the platform).
type WebGPUDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	dev      *wgpu.Device
	queue    *wgpu.Queue
	bgl      *wgpu.BindGroupLayout
	layout   *wgpu.PipelineLayout
	info     Info
}

func newWebGPU() (Device, error) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		instance.Release()
		return nil, fmt.Errorf("%w: request adapter: %v", ErrNoDevice, err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: request device: %v", ErrNoDevice, err)
	}

	d := &WebGPUDevice{
		instance: instance,
		adapter:  adapter,
		dev:      dev,
		queue:    dev.GetQueue(),
	}

	ai := adapter.GetInfo()
	d.info = Info{
		Name:                    ai.Name,
		Backend:                 "webgpu",
		Description:             fmt.Sprintf("%s via %s (%s)", ai.DriverDescription, ai.BackendType, ai.AdapterType),
		MaxWorkgroupInvocations: DefaultMaxWorkgroupInvocations,
	}

	// Fixed slots shared by every kernel: A=0, B=1, C=2, dims=3.
	d.bgl, err = dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "sgemm_bgl",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
			{Binding: 3, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform}},
		},
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}
	d.layout, err = dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "sgemm_pl",
		BindGroupLayouts: []*wgpu.BindGroupLayout{d.bgl},
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	return d, nil
}

func (d *WebGPUDevice) Info() Info { return d.info }

func (d *WebGPUDevice) Compile(source string) (Library, error) {
	module, err := d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "sgemm_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return nil, &CompileError{Diagnostic: err.Error()}
	}
	eps, err := ParseEntryPoints(source)
	if err != nil {
		module.Release()
		return nil, err
	}
	lib := &webgpuLibrary{module: module, entries: make(map[string]EntryPoint, len(eps))}
	for _, ep := range eps {
		lib.entries[ep.Name] = ep
	}
	return lib, nil
}

func (d *WebGPUDevice) NewPipeline(fn Function) (Pipeline, error) {
	wf, ok := fn.(*webgpuFunction)
	if !ok {
		return nil, fmt.Errorf("%w: function %q was not compiled by the webgpu device", ErrPipelineCreation, fn.Name())
	}
	if n := wf.ep.WorkgroupSize.Invocations(); n > uint64(d.info.MaxWorkgroupInvocations) {
		return nil, fmt.Errorf("%w: workgroup %s of %q exceeds %d invocations",
			ErrPipelineCreation, wf.ep.WorkgroupSize, wf.ep.Name, d.info.MaxWorkgroupInvocations)
	}
	p, err := d.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  wf.ep.Name,
		Layout: d.layout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     wf.module,
			EntryPoint: wf.ep.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineCreation, err)
	}
	return &webgpuPipeline{fn: wf, pipeline: p}, nil
}

func (d *WebGPUDevice) NewBuffer(data []byte) (Buffer, error) {
	b, err := d.newBuffer(len(data))
	if err != nil {
		return nil, err
	}
	if err := b.Write(data); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

func (d *WebGPUDevice) NewZeroedBuffer(size int) (Buffer, error) {
	b, err := d.newBuffer(size)
	if err != nil {
		return nil, err
	}
	if err := b.Zero(); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

func (d *WebGPUDevice) newBuffer(size int) (*webgpuBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	padded := uint64(size+3) &^ 3
	buf, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "sgemm_buffer",
		Size:  padded,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer of %d bytes: %w", size, err)
	}
	traceAlloc(int64(padded))
	return &webgpuBuffer{dev: d, buf: buf, size: size, padded: padded}, nil
}

func (d *WebGPUDevice) NewQueue() (Queue, error) {
	return &webgpuQueue{dev: d}, nil
}

func (d *WebGPUDevice) Close() {
	if d.layout != nil {
		d.layout.Release()
		d.layout = nil
	}
	if d.bgl != nil {
		d.bgl.Release()
		d.bgl = nil
	}
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.dev != nil {
		d.dev.Release()
		d.dev = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}

// wait blocks until all submitted work has completed.
func (d *WebGPUDevice) wait() {
	d.dev.Poll(true, nil)
}

type webgpuLibrary struct {
	module  *wgpu.ShaderModule
	entries map[string]EntryPoint
}

func (l *webgpuLibrary) Function(name string) (Function, error) {
	ep, ok := l.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryPointNotFound, name)
	}
	return &webgpuFunction{module: l.module, ep: ep}, nil
}

func (l *webgpuLibrary) Release() {
	if l.module != nil {
		l.module.Release()
		l.module = nil
	}
}

type webgpuFunction struct {
	module *wgpu.ShaderModule
	ep     EntryPoint
}

func (f *webgpuFunction) Name() string        { return f.ep.Name }
func (f *webgpuFunction) WorkgroupSize() Size { return f.ep.WorkgroupSize }

type webgpuPipeline struct {
	fn       *webgpuFunction
	pipeline *wgpu.ComputePipeline
}

func (p *webgpuPipeline) Function() Function { return p.fn }

func (p *webgpuPipeline) Release() {
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
}

type webgpuBuffer struct {
	dev    *WebGPUDevice
	buf    *wgpu.Buffer
	size   int
	padded uint64
}

func (b *webgpuBuffer) Size() int { return b.size }

func (b *webgpuBuffer) Write(data []byte) error {
	if b.buf == nil {
		return ErrReleased
	}
	if len(data) > b.size {
		return fmt.Errorf("write of %d bytes exceeds buffer of %d bytes", len(data), b.size)
	}
	if rem := len(data) % 4; rem != 0 {
		padded := make([]byte, len(data)+4-rem)
		copy(padded, data)
		data = padded
	}
	if len(data) == 0 {
		return nil
	}
	b.dev.queue.WriteBuffer(b.buf, 0, data)
	return nil
}

func (b *webgpuBuffer) Zero() error {
	if b.buf == nil {
		return ErrReleased
	}
	b.dev.queue.WriteBuffer(b.buf, 0, make([]byte, b.padded))
	return nil
}

func (b *webgpuBuffer) ReadFloat32() ([]float32, error) {
	raw, err := b.Read()
	if err != nil {
		return nil, err
	}
	out := make([]float32, b.size/4)
	if len(out) > 0 {
		copy(out, unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), len(out)))
	}
	return out, nil
}

func (b *webgpuBuffer) Read() ([]byte, error) {
	if b.buf == nil {
		return nil, ErrReleased
	}
	d := b.dev
	staging, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "sgemm_readback",
		Size:  b.padded,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("create readback buffer: %w", err)
	}
	defer staging.Release()

	enc, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	enc.CopyBufferToBuffer(b.buf, 0, staging, 0, b.padded)
	cb, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, fmt.Errorf("finish readback: %w", err)
	}
	d.queue.Submit(cb)
	cb.Release()

	var status wgpu.BufferMapAsyncStatus
	done := false
	staging.MapAsync(wgpu.MapModeRead, 0, b.padded, func(s wgpu.BufferMapAsyncStatus) {
		status = s
		done = true
	})
	for !done {
		d.wait()
	}
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("map readback buffer: status %v", status)
	}

	data := staging.GetMappedRange(0, uint(b.padded))
	out := make([]byte, b.size)
	copy(out, data)
	staging.Unmap()
	return out, nil
}

func (b *webgpuBuffer) Release() {
	if b.buf == nil {
		return
	}
	b.buf.Release()
	b.buf = nil
	traceAlloc(-int64(b.padded))
}

type webgpuQueue struct {
	dev *WebGPUDevice
}

func (q *webgpuQueue) Dispatch(d Dispatch) error {
	p, ok := d.Pipeline.(*webgpuPipeline)
	if !ok || p.pipeline == nil {
		return fmt.Errorf("pipeline was not created by the webgpu device")
	}
	declared := p.fn.ep.WorkgroupSize
	if declared != (Size{}) && declared != d.ThreadsPerGroup {
		return fmt.Errorf("threads per group %s does not match %q workgroup size %s",
			d.ThreadsPerGroup, p.fn.ep.Name, declared)
	}

	entries := make([]wgpu.BindGroupEntry, len(d.Bindings))
	for i, b := range d.Bindings {
		wb, ok := b.(*webgpuBuffer)
		if !ok || wb.buf == nil {
			return fmt.Errorf("binding %d is not a live webgpu buffer", i)
		}
		entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: wb.buf, Offset: 0, Size: wb.padded}
	}
	dev := q.dev
	bg, err := dev.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   p.fn.ep.Name,
		Layout:  dev.bgl,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	defer bg.Release()

	enc, err := dev.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(d.Groups.X, d.Groups.Y, d.Groups.Z)
	pass.End()
	pass.Release()

	cb, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return fmt.Errorf("finish dispatch: %w", err)
	}
	dev.queue.Submit(cb)
	cb.Release()
	dev.wait()
	return nil
}
