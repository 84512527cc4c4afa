// Package kernel describes the registered SGEMM kernel variants.
//
// Every variant implements the same contract: bindings A=0, B=1, C=2 and a
// dims uniform at slot 3, with one work-item per element of C (x = column,
// y = row). Variants differ only in their source, entry point and tile shape.
package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TileShape is the 2D thread-group size a kernel is dispatched with.
type TileShape struct {
	Width  uint32
	Height uint32
}

func (t TileShape) String() string {
	return fmt.Sprintf("%dx%d", t.Width, t.Height)
}

type Descriptor struct {
	Name string
	// Source is the program path within the kernel source filesystem.
	Source     string
	EntryPoint string
	Tile       TileShape
}

// Registry is an ordered set of descriptors. Order drives reporting only.
type Registry []Descriptor

var ErrInvalidRegistry = errors.New("invalid kernel registry")

func (r Registry) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("%w: no kernels registered", ErrInvalidRegistry)
	}
	seen := make(map[string]bool, len(r))
	for i, d := range r {
		switch {
		case d.Name == "":
			return fmt.Errorf("%w: kernel %d has no name", ErrInvalidRegistry, i)
		case seen[d.Name]:
			return fmt.Errorf("%w: duplicate kernel name %q", ErrInvalidRegistry, d.Name)
		case d.Source == "":
			return fmt.Errorf("%w: kernel %q has no source", ErrInvalidRegistry, d.Name)
		case d.EntryPoint == "":
			return fmt.Errorf("%w: kernel %q has no entry point", ErrInvalidRegistry, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Names returns the kernel names in registry order.
func (r Registry) Names() []string {
	names := make([]string, len(r))
	for i, d := range r {
		names[i] = d.Name
	}
	return names
}

// Default is the built-in set of variants shipped under kernels/.
func Default() Registry {
	return Registry{
		{Name: "naive", Source: "sgemm_naive.wgsl", EntryPoint: "sgemm_naive", Tile: TileShape{Width: 8, Height: 8}},
		{Name: "naive_32x4", Source: "sgemm_naive.wgsl", EntryPoint: "sgemm_naive_32x4", Tile: TileShape{Width: 32, Height: 4}},
		{Name: "tiled", Source: "sgemm_tiled.wgsl", EntryPoint: "sgemm_tiled", Tile: TileShape{Width: 16, Height: 16}},
	}
}

// Dims are the multiply dimensions: A is MxK, B is KxN, C is MxN.
type Dims struct {
	M, N, K uint32
}

// Square returns the dims of an n x n x n multiply.
func Square(n int) Dims {
	return Dims{M: uint32(n), N: uint32(n), K: uint32(n)}
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%d (k = %d)", d.M, d.N, d.K)
}

// ParamBytes encodes the dims uniform: three little-endian u32 padded to 16 bytes.
func (d Dims) ParamBytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], d.M)
	binary.LittleEndian.PutUint32(b[4:], d.N)
	binary.LittleEndian.PutUint32(b[8:], d.K)
	return b
}

// FLOPs counts one fused multiply-add as two operations.
func (d Dims) FLOPs() float64 {
	return 2 * float64(d.M) * float64(d.N) * float64(d.K)
}

func (d Dims) ElementsA() int { return int(d.M) * int(d.K) }
func (d Dims) ElementsB() int { return int(d.K) * int(d.N) }
func (d Dims) ElementsC() int { return int(d.M) * int(d.N) }
