// Package fixture generates input matrices and places them on a device.
package fixture

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/dispatch"
	"github.com/23skdu/longbow-gemmbench/internal/kernel"
)

// Deterministic returns a rows x cols matrix whose element i is (i+1)*scale.
func Deterministic(rows, cols int, scale float32) []float32 {
	v := make([]float32, rows*cols)
	for i := range v {
		v[i] = float32(i+1) * scale
	}
	return v
}

// Generator draws random matrices and allocates problems on one device.
type Generator struct {
	dev device.Device
	rng *rand.Rand
}

// NewGenerator seeds a PCG source with seed. A zero seed draws a fresh
// random seed, so every run sees different matrices.
func NewGenerator(dev device.Device, seed uint64) *Generator {
	hi, lo := seed, seed^0x9e3779b97f4a7c15
	if seed == 0 {
		hi, lo = rand.Uint64(), rand.Uint64()
	}
	return &Generator{dev: dev, rng: rand.New(rand.NewPCG(hi, lo))}
}

// Random returns a rows x cols matrix uniform in [-1, 1).
func (g *Generator) Random(rows, cols int) []float32 {
	v := make([]float32, rows*cols)
	for i := range v {
		v[i] = g.rng.Float32()*2 - 1
	}
	return v
}

// Zeros allocates a zero-filled device matrix of n elements.
func (g *Generator) Zeros(n int) (device.Buffer, error) {
	buf, err := g.dev.NewZeroedBuffer(n * 4)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d-element output: %w", n, err)
	}
	return buf, nil
}

// Square builds an n x n x n problem with fresh random A and B.
func (g *Generator) Square(n int) (*Problem, error) {
	return g.NewProblem(kernel.Square(n), g.Random(n, n), g.Random(n, n))
}

// DeterministicSquare builds an n x n x n problem from Deterministic inputs.
func (g *Generator) DeterministicSquare(n int, scaleA, scaleB float32) (*Problem, error) {
	return g.NewProblem(kernel.Square(n), Deterministic(n, n, scaleA), Deterministic(n, n, scaleB))
}

// Problem is one multiply: host copies of the inputs plus the device buffers
// a dispatch binds.
type Problem struct {
	Dims  kernel.Dims
	HostA []float32
	HostB []float32

	A      device.Buffer
	B      device.Buffer
	C      device.Buffer
	Params device.Buffer
}

// NewProblem uploads a and b and allocates a zeroed C for dims.
func (g *Generator) NewProblem(dims kernel.Dims, a, b []float32) (*Problem, error) {
	if len(a) != dims.ElementsA() || len(b) != dims.ElementsB() {
		return nil, fmt.Errorf("%w: inputs of %d and %d elements for dims %s",
			dispatch.ErrShapeMismatch, len(a), len(b), dims)
	}
	p := &Problem{Dims: dims, HostA: a, HostB: b}
	var err error
	if p.A, err = g.dev.NewBuffer(device.Float32Bytes(a)); err != nil {
		return nil, fmt.Errorf("failed to allocate A: %w", err)
	}
	if p.B, err = g.dev.NewBuffer(device.Float32Bytes(b)); err != nil {
		p.Release()
		return nil, fmt.Errorf("failed to allocate B: %w", err)
	}
	if p.C, err = g.Zeros(dims.ElementsC()); err != nil {
		p.Release()
		return nil, err
	}
	if p.Params, err = g.dev.NewBuffer(dims.ParamBytes()); err != nil {
		p.Release()
		return nil, fmt.Errorf("failed to allocate dims: %w", err)
	}
	return p, nil
}

func (p *Problem) Args() dispatch.Args {
	return dispatch.Args{Dims: p.Dims, A: p.A, B: p.B, C: p.C, Params: p.Params}
}

// Release frees the device buffers. Safe to call more than once.
func (p *Problem) Release() {
	for _, b := range []*device.Buffer{&p.A, &p.B, &p.C, &p.Params} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
}
