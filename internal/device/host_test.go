package device

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
)

const hostTestSource = `
@compute @workgroup_size(8, 8)
fn sgemm_naive(@builtin(global_invocation_id) gid: vec3<u32>) { }

@compute @workgroup_size(32, 4)
fn sgemm_naive_32x4(@builtin(global_invocation_id) gid: vec3<u32>) { }

@compute @workgroup_size(16, 16)
fn sgemm_tiled(@builtin(global_invocation_id) gid: vec3<u32>) { }

@compute @workgroup_size(32, 32)
fn sgemm_huge(@builtin(global_invocation_id) gid: vec3<u32>) { }

@compute @workgroup_size(8, 8)
fn sgemm_unemulated(@builtin(global_invocation_id) gid: vec3<u32>) { }
`

func dimsBytes(m, n, k uint32) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], m)
	binary.LittleEndian.PutUint32(b[4:], n)
	binary.LittleEndian.PutUint32(b[8:], k)
	return b
}

func naiveRef(m, n, k int, a, b []float32) []float32 {
	c := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float32
			for p := 0; p < k; p++ {
				acc += a[i*k+p] * b[p*n+j]
			}
			c[i*n+j] = acc
		}
	}
	return c
}

func randomMatrix(r *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func buildHostPipeline(t *testing.T, d *HostDevice, entry string) Pipeline {
	t.Helper()
	lib, err := d.Compile(hostTestSource)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	fn, err := lib.Function(entry)
	if err != nil {
		t.Fatalf("Function(%q): %v", entry, err)
	}
	p, err := d.NewPipeline(fn)
	if err != nil {
		t.Fatalf("NewPipeline(%q): %v", entry, err)
	}
	return p
}

func TestHostDispatchMatchesReference(t *testing.T) {
	d := NewHost(DefaultHostKernels(), 4)
	defer d.Close()
	q, err := d.NewQueue()
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	r := rand.New(rand.NewPCG(1, 2))

	tests := []struct {
		entry string
		tile  Size
		m     int
		n     int
		k     int
	}{
		{"sgemm_naive", Size{8, 8, 1}, 64, 64, 64},
		{"sgemm_naive", Size{8, 8, 1}, 13, 29, 7},
		{"sgemm_naive_32x4", Size{32, 4, 1}, 33, 65, 17},
		{"sgemm_tiled", Size{16, 16, 1}, 64, 64, 64},
		{"sgemm_tiled", Size{16, 16, 1}, 37, 19, 45},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			p := buildHostPipeline(t, d, tt.entry)
			defer p.Release()

			a := randomMatrix(r, tt.m*tt.k)
			b := randomMatrix(r, tt.k*tt.n)
			want := naiveRef(tt.m, tt.n, tt.k, a, b)

			bufA, _ := d.NewBuffer(Float32Bytes(a))
			bufB, _ := d.NewBuffer(Float32Bytes(b))
			bufC, _ := d.NewZeroedBuffer(tt.m * tt.n * 4)
			params, _ := d.NewBuffer(dimsBytes(uint32(tt.m), uint32(tt.n), uint32(tt.k)))
			defer func() {
				bufA.Release()
				bufB.Release()
				bufC.Release()
				params.Release()
			}()

			err := q.Dispatch(Dispatch{
				Pipeline: p,
				Bindings: []Buffer{bufA, bufB, bufC, params},
				Groups: Size{
					X: (uint32(tt.n) + tt.tile.X - 1) / tt.tile.X,
					Y: (uint32(tt.m) + tt.tile.Y - 1) / tt.tile.Y,
					Z: 1,
				},
				ThreadsPerGroup: tt.tile,
			})
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}

			got, err := bufC.ReadFloat32()
			if err != nil {
				t.Fatalf("ReadFloat32: %v", err)
			}
			for i := range want {
				if math.Abs(float64(got[i]-want[i])) > 1e-4 {
					t.Fatalf("C[%d] = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestTiledSGEMMRectangularWorkgroup(t *testing.T) {
	const source = `
@compute @workgroup_size(16, 4)
fn sgemm_tiled_wide(@builtin(global_invocation_id) gid: vec3<u32>) { }

@compute @workgroup_size(4, 16)
fn sgemm_tiled_tall(@builtin(global_invocation_id) gid: vec3<u32>) { }
`
	d := NewHost(map[string]HostKernel{"sgemm_tiled_wide": TiledSGEMM, "sgemm_tiled_tall": TiledSGEMM}, 4)
	q, _ := d.NewQueue()
	lib, err := d.Compile(source)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	r := rand.New(rand.NewPCG(5, 6))

	for _, entry := range []string{"sgemm_tiled_wide", "sgemm_tiled_tall"} {
		t.Run(entry, func(t *testing.T) {
			fn, err := lib.Function(entry)
			if err != nil {
				t.Fatalf("Function: %v", err)
			}
			p, err := d.NewPipeline(fn)
			if err != nil {
				t.Fatalf("NewPipeline: %v", err)
			}
			defer p.Release()
			tile := fn.(*hostFunction).ep.WorkgroupSize

			const m, n, k = 37, 29, 23
			a := randomMatrix(r, m*k)
			b := randomMatrix(r, k*n)
			want := naiveRef(m, n, k, a, b)

			bufA, _ := d.NewBuffer(Float32Bytes(a))
			bufB, _ := d.NewBuffer(Float32Bytes(b))
			bufC, _ := d.NewZeroedBuffer(m * n * 4)
			params, _ := d.NewBuffer(dimsBytes(m, n, k))
			defer func() {
				bufA.Release()
				bufB.Release()
				bufC.Release()
				params.Release()
			}()

			err = q.Dispatch(Dispatch{
				Pipeline:        p,
				Bindings:        []Buffer{bufA, bufB, bufC, params},
				Groups:          Size{X: (n + tile.X - 1) / tile.X, Y: (m + tile.Y - 1) / tile.Y, Z: 1},
				ThreadsPerGroup: tile,
			})
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			got, _ := bufC.ReadFloat32()
			for i := range want {
				if math.Abs(float64(got[i]-want[i])) > 1e-4 {
					t.Fatalf("C[%d] = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestHostLibraryErrors(t *testing.T) {
	d := NewHost(DefaultHostKernels(), 1)

	if _, err := d.Compile("fn broken( {"); err == nil {
		t.Fatal("expected compile error")
	} else {
		var ce *CompileError
		if !errors.As(err, &ce) {
			t.Fatalf("expected *CompileError, got %T", err)
		}
	}

	lib, err := d.Compile(hostTestSource)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := lib.Function("sgemm_missing"); !errors.Is(err, ErrEntryPointNotFound) {
		t.Errorf("expected ErrEntryPointNotFound, got %v", err)
	}

	for _, entry := range []string{"sgemm_huge", "sgemm_unemulated"} {
		fn, err := lib.Function(entry)
		if err != nil {
			t.Fatalf("Function(%q): %v", entry, err)
		}
		if _, err := d.NewPipeline(fn); !errors.Is(err, ErrPipelineCreation) {
			t.Errorf("NewPipeline(%q): expected ErrPipelineCreation, got %v", entry, err)
		}
	}
}

func TestHostDispatchRejectsMismatchedGeometry(t *testing.T) {
	d := NewHost(DefaultHostKernels(), 1)
	q, _ := d.NewQueue()
	p := buildHostPipeline(t, d, "sgemm_naive")

	buf, _ := d.NewZeroedBuffer(64 * 4)
	params, _ := d.NewBuffer(dimsBytes(8, 8, 8))
	err := q.Dispatch(Dispatch{
		Pipeline:        p,
		Bindings:        []Buffer{buf, buf, buf, params},
		Groups:          Size{1, 1, 1},
		ThreadsPerGroup: Size{16, 16, 1},
	})
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected geometry mismatch error, got %v", err)
	}
}

func TestHostDispatchRecoversKernelPanic(t *testing.T) {
	kernels := map[string]HostKernel{
		"sgemm_naive": func(wg Workgroup, args HostArgs) {
			c := args.F32(2)
			c[len(c)+int(wg.ID.X)] = 1
		},
	}
	d := NewHost(kernels, 2)
	q, _ := d.NewQueue()
	p := buildHostPipeline(t, d, "sgemm_naive")

	buf, _ := d.NewZeroedBuffer(16)
	params, _ := d.NewBuffer(dimsBytes(2, 2, 2))
	err := q.Dispatch(Dispatch{
		Pipeline:        p,
		Bindings:        []Buffer{buf, buf, buf, params},
		Groups:          Size{2, 1, 1},
		ThreadsPerGroup: Size{8, 8, 1},
	})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
}

func TestHostBufferLifecycle(t *testing.T) {
	d := NewHost(nil, 1)
	before := AllocatedBytes()

	b, err := d.NewBuffer(Float32Bytes([]float32{1, 2, 3}))
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	if b.Size() != 12 {
		t.Errorf("Size() = %d, want 12", b.Size())
	}
	if got := AllocatedBytes() - before; got != 12 {
		t.Errorf("allocated delta = %d, want 12", got)
	}

	v, _ := b.ReadFloat32()
	if len(v) != 3 || v[0] != 1 || v[2] != 3 {
		t.Errorf("ReadFloat32() = %v", v)
	}
	v[0] = 99
	if again, _ := b.ReadFloat32(); again[0] != 1 {
		t.Error("ReadFloat32 must return a copy")
	}
	raw, err := b.Read()
	if err != nil || len(raw) != 12 {
		t.Fatalf("Read() = %d bytes, %v", len(raw), err)
	}
	raw[0] = 0xff
	if again, _ := b.Read(); again[0] == 0xff {
		t.Error("Read must return a copy")
	}

	if err := b.Zero(); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	if v, _ := b.ReadFloat32(); v[0] != 0 || v[1] != 0 || v[2] != 0 {
		t.Errorf("after Zero: %v", v)
	}
	if err := b.Write(make([]byte, 16)); err == nil {
		t.Error("expected oversized write to fail")
	}

	b.Release()
	b.Release()
	if got := AllocatedBytes(); got != before {
		t.Errorf("allocated after release = %d, want %d", got, before)
	}
	if _, err := b.ReadFloat32(); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	d, err := Open("host", 2)
	if err != nil {
		t.Fatalf("Open(host): %v", err)
	}
	info := d.Info()
	if info.Backend != "host" || info.MaxWorkgroupInvocations != DefaultMaxWorkgroupInvocations {
		t.Errorf("unexpected info %+v", info)
	}
	d.Close()

	if _, err := Open("opencl", 0); !errors.Is(err, ErrNoDevice) {
		t.Errorf("expected ErrNoDevice for unknown backend, got %v", err)
	}

	d, err = Open("auto", 1)
	if err != nil {
		t.Fatalf("Open(auto): %v", err)
	}
	d.Close()
}
