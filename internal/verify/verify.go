// Package verify checks kernel output against the host reference.
//
// Numerical disagreement is a result, not an error: a check that produces
// NaN or exceeds the tolerance is a FAIL carrying the observed deviation.
// Errors are reserved for device failures.
package verify

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-gemmbench/internal/dispatch"
	"github.com/23skdu/longbow-gemmbench/internal/fixture"
	"github.com/23skdu/longbow-gemmbench/internal/logger"
	"github.com/23skdu/longbow-gemmbench/internal/metrics"
	"github.com/23skdu/longbow-gemmbench/internal/pipeline"
	"github.com/23skdu/longbow-gemmbench/internal/reference"
)

// DefaultTolerance is the max absolute deviation a passing check may show.
const DefaultTolerance = 1e-3

type Result struct {
	Kernel          string
	Size            int
	MaxAbsDeviation float64
	Passed          bool
	// NonFinite counts NaN and Inf elements of C.
	NonFinite int
}

func (r Result) Verdict() string {
	if r.Passed {
		return "PASS"
	}
	return "FAIL"
}

// KernelReport is one kernel's battery; Passed is the conjunction of all sizes.
type KernelReport struct {
	Kernel  string
	Results []Result
	Passed  bool
}

// Passes reports whether a deviation is within tolerance. NaN never passes.
func Passes(deviation, tolerance float64) bool {
	return !math.IsNaN(deviation) && deviation <= tolerance
}

type Verifier struct {
	gen       *fixture.Generator
	engine    *dispatch.Engine
	tolerance float64
	log       *logger.Logger
}

func New(gen *fixture.Generator, engine *dispatch.Engine, tolerance float64) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		gen:       gen,
		engine:    engine,
		tolerance: tolerance,
		log:       logger.Log.With("component", "verify"),
	}
}

// Check runs c once on fresh random n x n inputs and compares with the reference.
func (v *Verifier) Check(c *pipeline.Compiled, n int) (Result, error) {
	p, err := v.gen.Square(n)
	if err != nil {
		return Result{}, fmt.Errorf("check %s at %d: %w", c.Name(), n, err)
	}
	defer p.Release()

	got, err := v.run(c, p)
	if err != nil {
		return Result{}, fmt.Errorf("check %s at %d: %w", c.Name(), n, err)
	}
	want := reference.SGEMM(n, n, n, p.HostA, p.HostB)
	dev := reference.MaxAbsDiff(got, want)
	nan, inf := reference.CountNonFinite(got)

	res := Result{
		Kernel:          c.Name(),
		Size:            n,
		MaxAbsDeviation: dev,
		Passed:          Passes(dev, v.tolerance),
		NonFinite:       nan + inf,
	}
	metrics.RecordCheck(res.Kernel, n, dev, res.Passed)
	if res.NonFinite > 0 {
		metrics.RecordNumericalInstability(res.Kernel, nan, inf)
		v.log.Warn("Non-finite output", "kernel", res.Kernel, "size", n, "nan", nan, "inf", inf)
	}
	v.log.Debug("Check complete", "kernel", res.Kernel, "size", n, "deviation", dev, "verdict", res.Verdict())
	return res, nil
}

func (v *Verifier) run(c *pipeline.Compiled, p *fixture.Problem) ([]float32, error) {
	if err := v.engine.Dispatch(c, p.Args()); err != nil {
		return nil, err
	}
	out, err := p.C.ReadFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read back C: %w", err)
	}
	return out, nil
}

// CheckKernel runs Check for every size in order. ctx is checked between sizes.
func (v *Verifier) CheckKernel(ctx context.Context, c *pipeline.Compiled, sizes []int) (KernelReport, error) {
	rep := KernelReport{Kernel: c.Name(), Passed: true}
	for _, n := range sizes {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := v.Check(c, n)
		if err != nil {
			return rep, err
		}
		rep.Results = append(rep.Results, res)
		rep.Passed = rep.Passed && res.Passed
	}
	return rep, nil
}

// DemoResult is the deviation of one deterministic run. It carries no verdict.
type DemoResult struct {
	Kernel          string
	Size            int
	MaxAbsDeviation float64
}

// Demo runs c once on deterministic n x n inputs scaled by scaleA and scaleB.
func (v *Verifier) Demo(c *pipeline.Compiled, n int, scaleA, scaleB float32) (DemoResult, error) {
	p, err := v.gen.DeterministicSquare(n, scaleA, scaleB)
	if err != nil {
		return DemoResult{}, fmt.Errorf("demo %s: %w", c.Name(), err)
	}
	defer p.Release()

	got, err := v.run(c, p)
	if err != nil {
		return DemoResult{}, fmt.Errorf("demo %s: %w", c.Name(), err)
	}
	want := reference.SGEMM(n, n, n, p.HostA, p.HostB)
	return DemoResult{Kernel: c.Name(), Size: n, MaxAbsDeviation: reference.MaxAbsDiff(got, want)}, nil
}
