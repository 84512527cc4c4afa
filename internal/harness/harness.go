// Package harness drives one run: device info, pipeline build, optional
// demo, correctness checks, benchmarks and export.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/23skdu/longbow-gemmbench/internal/bench"
	"github.com/23skdu/longbow-gemmbench/internal/config"
	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/dispatch"
	"github.com/23skdu/longbow-gemmbench/internal/export"
	"github.com/23skdu/longbow-gemmbench/internal/fixture"
	"github.com/23skdu/longbow-gemmbench/internal/kernel"
	"github.com/23skdu/longbow-gemmbench/internal/logger"
	"github.com/23skdu/longbow-gemmbench/internal/monitoring"
	"github.com/23skdu/longbow-gemmbench/internal/pipeline"
	"github.com/23skdu/longbow-gemmbench/internal/report"
	"github.com/23skdu/longbow-gemmbench/internal/verify"
)

type Options struct {
	Registry kernel.Registry
	Sources  fs.FS

	CheckSizes []int
	BenchSizes []int
	Tolerance  float64
	Bench      bench.Options
	Seed       uint64

	Demo       bool
	DemoSize   int
	DemoScaleA float32
	DemoScaleB float32

	ArrowPath  string
	FlightAddr string
}

// OptionsFromConfig maps a validated config onto run options.
func OptionsFromConfig(cfg config.Config, reg kernel.Registry, src fs.FS) Options {
	return Options{
		Registry:   reg,
		Sources:    src,
		CheckSizes: cfg.CheckSizes,
		BenchSizes: cfg.BenchSizes,
		Tolerance:  cfg.Tolerance,
		Bench: bench.Options{
			Warmup:        cfg.WarmupIterations,
			MinDuration:   cfg.MinDuration,
			MaxIterations: cfg.MaxIterations,
		},
		Seed:       cfg.Seed,
		Demo:       cfg.Demo,
		DemoSize:   cfg.DemoSize,
		DemoScaleA: cfg.DemoScaleA,
		DemoScaleB: cfg.DemoScaleB,
		ArrowPath:  cfg.ArrowPath,
		FlightAddr: cfg.FlightAddr,
	}
}

// Outcome is what a completed run produced.
type Outcome struct {
	Device  device.Info
	Demo    []verify.DemoResult
	Checks  []verify.KernelReport
	Benches []bench.Result
	// ExportErr is set when results were produced but could not be exported.
	ExportErr error
}

// AllPassed reports whether every kernel passed its battery.
func (o *Outcome) AllPassed() bool {
	for _, c := range o.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

type Runner struct {
	dev   device.Device
	opts  Options
	rep   report.Reporter
	mon   *monitoring.HealthMonitor
	clock func() time.Time
	log   *logger.Logger
}

func NewRunner(dev device.Device, opts Options, rep report.Reporter) *Runner {
	return &Runner{dev: dev, opts: opts, rep: rep, log: logger.Log.With("component", "harness")}
}

// SetMonitor publishes run progress to m.
func (r *Runner) SetMonitor(m *monitoring.HealthMonitor) {
	r.mon = m
}

// SetClock replaces the benchmark clock.
func (r *Runner) SetClock(now func() time.Time) {
	r.clock = now
}

func (r *Runner) phase(p monitoring.Phase) {
	r.log.Debug("Entering phase", "phase", string(p))
	if r.mon != nil {
		r.mon.SetPhase(p)
	}
}

// Run executes every phase in order. Build and device failures abort the
// run; failing checks do not.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	out, err := r.run(ctx)
	if err != nil {
		r.phase(monitoring.PhaseFailed)
		return out, err
	}
	r.phase(monitoring.PhaseDone)
	return out, nil
}

func (r *Runner) run(ctx context.Context) (*Outcome, error) {
	info := r.dev.Info()
	out := &Outcome{Device: info}
	r.rep.Device(info)
	if r.mon != nil {
		r.mon.SetDevice(info)
		r.mon.SetKernels(r.opts.Registry.Names())
	}
	r.log.Info("Using device", "name", info.Name, "backend", info.Backend)

	r.phase(monitoring.PhaseBuild)
	set, err := pipeline.NewBuilder(r.dev, r.opts.Sources).BuildAll(r.opts.Registry)
	if err != nil {
		return out, err
	}
	defer set.Release()
	r.log.Info("Compiled kernels", "count", set.Len())

	engine, err := dispatch.NewEngine(r.dev)
	if err != nil {
		return out, err
	}
	gen := fixture.NewGenerator(r.dev, r.opts.Seed)
	verifier := verify.New(gen, engine, r.opts.Tolerance)

	if r.opts.Demo {
		r.phase(monitoring.PhaseDemo)
		for _, c := range set.All() {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			res, err := verifier.Demo(c, r.opts.DemoSize, r.opts.DemoScaleA, r.opts.DemoScaleB)
			if err != nil {
				return out, err
			}
			out.Demo = append(out.Demo, res)
			r.rep.Demo(res)
		}
	}

	r.phase(monitoring.PhaseCheck)
	verified := make(map[string]bool, set.Len())
	for _, c := range set.All() {
		rep, err := verifier.CheckKernel(ctx, c, r.opts.CheckSizes)
		if err != nil {
			return out, err
		}
		verified[c.Name()] = rep.Passed
		out.Checks = append(out.Checks, rep)
		r.rep.Check(rep)
		if r.mon != nil {
			r.mon.RecordCheck(rep)
		}
		if rep.Passed {
			r.log.Info("Kernel verified", "kernel", c.Name(), "sizes", len(rep.Results))
		} else {
			r.log.Warn("Kernel failed correctness checks", "kernel", c.Name())
		}
	}

	r.phase(monitoring.PhaseBench)
	b := bench.New(gen, engine, r.opts.Bench)
	if r.clock != nil {
		b.SetClock(r.clock)
	}
	for _, c := range set.All() {
		results, err := b.RunKernel(ctx, c, r.opts.BenchSizes, verified[c.Name()])
		if err != nil {
			return out, err
		}
		for _, res := range results {
			out.Benches = append(out.Benches, res)
			r.rep.Bench(res)
			if r.mon != nil {
				r.mon.RecordBench(res)
			}
			r.log.Info("Benchmark", "kernel", res.Kernel, "size", res.Size, "gflops", res.GFLOPS, "iterations", res.Iterations)
		}
	}

	if r.opts.ArrowPath != "" || r.opts.FlightAddr != "" {
		r.phase(monitoring.PhaseExport)
		out.ExportErr = r.export(ctx, out)
	}
	return out, nil
}

func (r *Runner) export(ctx context.Context, out *Outcome) error {
	res := export.Results{Device: out.Device, Checks: out.Checks, Benches: out.Benches}
	var errs []error

	if r.opts.ArrowPath != "" {
		if err := export.WriteFile(r.opts.ArrowPath, res); err != nil {
			r.log.Error("Arrow export failed", "path", r.opts.ArrowPath, "error", err)
			errs = append(errs, err)
		} else {
			r.log.Info("Wrote results", "path", r.opts.ArrowPath, "rows", res.Rows())
		}
	}

	if r.opts.FlightAddr != "" {
		if err := publish(ctx, r.opts.FlightAddr, res); err != nil {
			r.log.Error("Flight export failed", "address", r.opts.FlightAddr, "error", err)
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		if r.mon != nil {
			r.mon.AddAlert("error", "export", err.Error())
		}
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

func publish(ctx context.Context, addr string, res export.Results) error {
	p := export.NewFlightPublisher(addr)
	if err := p.Connect(ctx); err != nil {
		return err
	}
	defer p.Close()
	return p.Publish(ctx, res)
}
