// Package bench measures kernel throughput with an adaptive stopping rule:
// iterate until a minimum wall time has passed or an iteration cap is hit.
package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-gemmbench/internal/dispatch"
	"github.com/23skdu/longbow-gemmbench/internal/fixture"
	"github.com/23skdu/longbow-gemmbench/internal/kernel"
	"github.com/23skdu/longbow-gemmbench/internal/logger"
	"github.com/23skdu/longbow-gemmbench/internal/metrics"
	"github.com/23skdu/longbow-gemmbench/internal/pipeline"
)

type Options struct {
	// Warmup dispatches run untimed before measuring.
	Warmup        int
	MinDuration   time.Duration
	MaxIterations int
}

func DefaultOptions() Options {
	return Options{
		Warmup:        3,
		MinDuration:   2 * time.Second,
		MaxIterations: 1000,
	}
}

type Result struct {
	Kernel     string
	Size       int
	Iterations int
	Elapsed    time.Duration
	GFLOPS     float64
	// Verified is set when the kernel passed its correctness battery.
	Verified bool
}

// Throughput is 2*m*n*k per iteration in GFLOPS. Zero elapsed time or zero
// iterations give 0.
func Throughput(dims kernel.Dims, iterations int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if iterations <= 0 || secs <= 0 {
		return 0
	}
	perIter := secs / float64(iterations)
	return dims.FLOPs() / perIter / 1e9
}

type Benchmarker struct {
	gen    *fixture.Generator
	engine *dispatch.Engine
	opts   Options
	now    func() time.Time
	log    *logger.Logger
}

func New(gen *fixture.Generator, engine *dispatch.Engine, opts Options) *Benchmarker {
	return &Benchmarker{
		gen:    gen,
		engine: engine,
		opts:   opts,
		now:    time.Now,
		log:    logger.Log.With("component", "bench"),
	}
}

// SetClock replaces the wall clock used to time iterations.
func (b *Benchmarker) SetClock(now func() time.Time) {
	b.now = now
}

// Run benchmarks c on one random n x n problem reused for every iteration.
// C is zeroed before each timed dispatch.
func (b *Benchmarker) Run(c *pipeline.Compiled, n int) (Result, error) {
	p, err := b.gen.Square(n)
	if err != nil {
		return Result{}, fmt.Errorf("bench %s at %d: %w", c.Name(), n, err)
	}
	defer p.Release()
	args := p.Args()

	for i := 0; i < b.opts.Warmup; i++ {
		if err := b.engine.Dispatch(c, args); err != nil {
			return Result{}, fmt.Errorf("bench %s at %d: warmup: %w", c.Name(), n, err)
		}
	}

	iterations := 0
	var elapsed time.Duration
	start := b.now()
	for {
		if err := p.C.Zero(); err != nil {
			return Result{}, fmt.Errorf("bench %s at %d: zero C: %w", c.Name(), n, err)
		}
		if err := b.engine.Dispatch(c, args); err != nil {
			return Result{}, fmt.Errorf("bench %s at %d: %w", c.Name(), n, err)
		}
		iterations++
		elapsed = b.now().Sub(start)
		if elapsed >= b.opts.MinDuration || iterations >= b.opts.MaxIterations {
			break
		}
	}

	res := Result{
		Kernel:     c.Name(),
		Size:       n,
		Iterations: iterations,
		Elapsed:    elapsed,
		GFLOPS:     Throughput(p.Dims, iterations, elapsed),
	}
	metrics.RecordBench(res.Kernel, n, iterations, res.GFLOPS)
	b.log.Debug("Benchmark complete", "kernel", res.Kernel, "size", n, "iterations", iterations, "elapsed", elapsed, "gflops", res.GFLOPS)
	return res, nil
}

// RunKernel benchmarks every size in order, tagging results with verified.
// ctx is checked between sizes.
func (b *Benchmarker) RunKernel(ctx context.Context, c *pipeline.Compiled, sizes []int, verified bool) ([]Result, error) {
	var out []Result
	for _, n := range sizes {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := b.Run(c, n)
		if err != nil {
			return out, err
		}
		res.Verified = verified
		out = append(out, res)
	}
	return out, nil
}
