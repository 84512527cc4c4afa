package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

type Config struct {
	Backend string
	// KernelDir reads kernel sources from disk; empty uses the embedded sources.
	KernelDir string

	CheckSizes []int
	BenchSizes []int
	Tolerance  float64

	WarmupIterations int
	MinDuration      time.Duration
	MaxIterations    int

	// Seed of 0 draws fresh random fixtures every run.
	Seed uint64

	Demo        bool
	DemoSize    int
	DemoScaleA  float32
	DemoScaleB  float32
	HostThreads int

	LogLevel  string
	LogFormat string
	Output    OutputFormat

	MetricsAddr string
	ArrowPath   string
	FlightAddr  string
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "auto", "host", "webgpu":
	default:
		return fmt.Errorf("invalid backend: %q (must be auto, host or webgpu)", c.Backend)
	}
	if len(c.CheckSizes) == 0 {
		return fmt.Errorf("invalid check_sizes: at least one size required")
	}
	if err := validateSizes("check_sizes", c.CheckSizes); err != nil {
		return err
	}
	if len(c.BenchSizes) == 0 {
		return fmt.Errorf("invalid bench_sizes: at least one size required")
	}
	if err := validateSizes("bench_sizes", c.BenchSizes); err != nil {
		return err
	}
	if !(c.Tolerance > 0) {
		return fmt.Errorf("invalid tolerance: %g (must be positive)", c.Tolerance)
	}
	if c.WarmupIterations < 0 {
		return fmt.Errorf("invalid warmup: %d (must be non-negative)", c.WarmupIterations)
	}
	if c.MinDuration <= 0 {
		return fmt.Errorf("invalid min_duration: %v (must be positive)", c.MinDuration)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("invalid max_iterations: %d (must be positive)", c.MaxIterations)
	}
	if c.Demo && c.DemoSize <= 0 {
		return fmt.Errorf("invalid demo_size: %d (must be positive)", c.DemoSize)
	}
	if c.HostThreads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.HostThreads)
	}
	switch c.Output {
	case OutputText, OutputJSON:
	default:
		return fmt.Errorf("invalid output: %q (must be text or json)", c.Output)
	}
	return nil
}

func validateSizes(field string, sizes []int) error {
	for _, n := range sizes {
		if n <= 0 {
			return fmt.Errorf("invalid %s: %d (sizes must be positive)", field, n)
		}
		// Element counts are carried as uint32 in the dims block.
		if uint64(n)*uint64(n) > 1<<32-1 {
			return fmt.Errorf("invalid %s: %d (n*n overflows uint32)", field, n)
		}
	}
	return nil
}

// ParseSizes parses a comma separated list of matrix sizes, e.g. "8,32,64".
func ParseSizes(s string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", part, err)
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no sizes in %q", s)
	}
	return sizes, nil
}

// FormatSizes is the inverse of ParseSizes.
func FormatSizes(sizes []int) string {
	parts := make([]string, len(sizes))
	for i, n := range sizes {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func Default() Config {
	return Config{
		Backend: "auto",

		CheckSizes: []int{8, 32, 64, 128, 256},
		BenchSizes: []int{128, 256, 512, 1024},
		Tolerance:  1e-3,

		WarmupIterations: 3,
		MinDuration:      2 * time.Second,
		MaxIterations:    1000,

		DemoSize:   64,
		DemoScaleA: 0.01,
		DemoScaleB: 0.02,

		LogLevel:  "info",
		LogFormat: "console",
		Output:    OutputText,
	}
}
