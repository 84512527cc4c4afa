// Package pipeline turns kernel descriptors into executable device pipelines.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/kernel"
	"github.com/23skdu/longbow-gemmbench/internal/logger"
	"github.com/23skdu/longbow-gemmbench/internal/metrics"
)

var ErrSourceUnavailable = errors.New("kernel source unavailable")

// Stage names the build step that failed.
type Stage string

const (
	StageSource     Stage = "source"
	StageCompile    Stage = "compile"
	StageEntryPoint Stage = "entry_point"
	StagePipeline   Stage = "pipeline"
)

// BuildError reports which kernel failed to build and at which stage.
type BuildError struct {
	Kernel string
	Stage  Stage
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build kernel %q: %s: %v", e.Kernel, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Compiled is a pipeline bound to the descriptor it was built from.
type Compiled struct {
	Desc     kernel.Descriptor
	Pipeline device.Pipeline
}

func (c *Compiled) Name() string { return c.Desc.Name }

func (c *Compiled) Release() {
	if c.Pipeline != nil {
		c.Pipeline.Release()
		c.Pipeline = nil
	}
}

// Set holds the pipelines of one run in registry order.
type Set struct {
	order  []*Compiled
	byName map[string]*Compiled
}

func newSet() *Set {
	return &Set{byName: make(map[string]*Compiled)}
}

func (s *Set) add(c *Compiled) {
	s.order = append(s.order, c)
	s.byName[c.Name()] = c
}

func (s *Set) Get(name string) (*Compiled, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// All returns the pipelines in registry order.
func (s *Set) All() []*Compiled {
	return s.order
}

func (s *Set) Len() int { return len(s.order) }

func (s *Set) Release() {
	for i := len(s.order) - 1; i >= 0; i-- {
		s.order[i].Release()
	}
	s.order = nil
	s.byName = make(map[string]*Compiled)
}

type Builder struct {
	dev device.Device
	src fs.FS
	log *logger.Logger
}

// NewBuilder builds pipelines on dev from sources read out of src.
func NewBuilder(dev device.Device, src fs.FS) *Builder {
	return &Builder{dev: dev, src: src, log: logger.Log.With("component", "pipeline")}
}

// Build compiles one descriptor. Failures are *BuildError.
func (b *Builder) Build(d kernel.Descriptor) (*Compiled, error) {
	start := time.Now()
	c, err := b.build(d)
	if err != nil {
		var be *BuildError
		if errors.As(err, &be) {
			metrics.RecordPipelineBuildError(d.Name, string(be.Stage))
		}
		b.log.Error("Pipeline build failed", "kernel", d.Name, "error", err)
		return nil, err
	}
	dur := time.Since(start)
	metrics.RecordPipelineBuild(d.Name, dur)
	b.log.Info("Pipeline built", "kernel", d.Name, "entry", d.EntryPoint, "tile", d.Tile.String(), "duration", dur)
	return c, nil
}

func (b *Builder) build(d kernel.Descriptor) (*Compiled, error) {
	fail := func(stage Stage, err error) error {
		return &BuildError{Kernel: d.Name, Stage: stage, Err: err}
	}

	src, err := fs.ReadFile(b.src, d.Source)
	if err != nil {
		return nil, fail(StageSource, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, d.Source, err))
	}

	lib, err := b.dev.Compile(string(src))
	if err != nil {
		return nil, fail(StageCompile, err)
	}
	// The pipeline keeps what it needs from the library.
	defer lib.Release()

	fn, err := lib.Function(d.EntryPoint)
	if err != nil {
		return nil, fail(StageEntryPoint, err)
	}

	declared := fn.WorkgroupSize()
	want := device.Size{X: d.Tile.Width, Y: d.Tile.Height, Z: 1}
	if declared != (device.Size{}) && declared != want {
		return nil, fail(StagePipeline, fmt.Errorf("%w: tile %s does not match declared workgroup size %s",
			device.ErrPipelineCreation, d.Tile, declared))
	}

	p, err := b.dev.NewPipeline(fn)
	if err != nil {
		return nil, fail(StagePipeline, err)
	}
	return &Compiled{Desc: d, Pipeline: p}, nil
}

// BuildAll builds every descriptor in order. The first failure releases the
// pipelines already built and is returned.
func (b *Builder) BuildAll(r kernel.Registry) (*Set, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	set := newSet()
	for _, d := range r {
		c, err := b.Build(d)
		if err != nil {
			set.Release()
			return nil, err
		}
		set.add(c)
	}
	return set, nil
}
