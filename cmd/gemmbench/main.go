package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-gemmbench/internal/config"
	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/harness"
	"github.com/23skdu/longbow-gemmbench/internal/kernel"
	"github.com/23skdu/longbow-gemmbench/internal/logger"
	"github.com/23skdu/longbow-gemmbench/internal/monitoring"
	"github.com/23skdu/longbow-gemmbench/internal/report"
	"github.com/23skdu/longbow-gemmbench/kernels"
)

var defaults = config.Default()

var (
	backend    = flag.String("backend", defaults.Backend, "Compute backend: auto, host or webgpu")
	kernelDir  = flag.String("kernels", "", "Directory of kernel sources (default: built-in sources)")
	checkSizes = flag.String("check-sizes", config.FormatSizes(defaults.CheckSizes), "Comma separated correctness battery sizes")
	benchSizes = flag.String("bench-sizes", config.FormatSizes(defaults.BenchSizes), "Comma separated benchmark sizes")
	tolerance  = flag.Float64("tolerance", defaults.Tolerance, "Max absolute deviation for a passing check")

	warmup        = flag.Int("warmup", defaults.WarmupIterations, "Untimed warmup dispatches per benchmark")
	minDuration   = flag.Duration("min-duration", defaults.MinDuration, "Minimum timed duration per benchmark")
	maxIterations = flag.Int("max-iterations", defaults.MaxIterations, "Iteration cap per benchmark")

	seed    = flag.Uint64("seed", 0, "Random seed for input matrices (0 = random)")
	demo    = flag.Bool("demo", false, "Run each kernel once on deterministic inputs first")
	threads = flag.Int("threads", 0, "Host backend worker goroutines (0 = NumCPU)")

	logLevel     = flag.String("log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	logFormat    = flag.String("log-format", defaults.LogFormat, "Log format: console or json")
	outputFormat = flag.String("output", string(defaults.Output), "Report format: text or json")

	metricsAddr = flag.String("metrics-addr", "", "Serve /metrics, /health and /status on this address")
	arrowOut    = flag.String("arrow-out", "", "Write results to this Arrow IPC file")
	flightAddr  = flag.String("flight-addr", "", "Publish results to this Arrow Flight endpoint")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func parseConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.Backend = *backend
	cfg.KernelDir = *kernelDir
	cfg.Tolerance = *tolerance
	cfg.WarmupIterations = *warmup
	cfg.MinDuration = *minDuration
	cfg.MaxIterations = *maxIterations
	cfg.Seed = *seed
	cfg.Demo = *demo
	cfg.HostThreads = *threads
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.Output = config.OutputFormat(*outputFormat)
	cfg.MetricsAddr = *metricsAddr
	cfg.ArrowPath = *arrowOut
	cfg.FlightAddr = *flightAddr

	var err error
	if cfg.CheckSizes, err = config.ParseSizes(*checkSizes); err != nil {
		return cfg, fmt.Errorf("-check-sizes: %w", err)
	}
	if cfg.BenchSizes, err = config.ParseSizes(*benchSizes); err != nil {
		return cfg, fmt.Errorf("-bench-sizes: %w", err)
	}
	return cfg, cfg.Validate()
}

func run() int {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		return 2
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sources fs.FS = kernels.FS
	if cfg.KernelDir != "" {
		sources = os.DirFS(cfg.KernelDir)
	}

	dev, err := device.Open(cfg.Backend, cfg.HostThreads)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open device: %v\n", err)
		return 1
	}
	defer dev.Close()

	var mon *monitoring.HealthMonitor
	if cfg.MetricsAddr != "" {
		mon = monitoring.NewHealthMonitor()
		if err := mon.Start(cfg.MetricsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Stop(shutdownCtx)
		}()
	}

	rep := report.New(os.Stdout, cfg.Output)
	runner := harness.NewRunner(dev, harness.OptionsFromConfig(cfg, kernel.Default(), sources), rep)
	if mon != nil {
		runner.SetMonitor(mon)
	}

	out, err := runner.Run(ctx)
	if cerr := rep.Close(); cerr != nil {
		logger.Log.Error("Failed to write report", "error", cerr)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted")
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if out.ExportErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", out.ExportErr)
		return 1
	}
	if !out.AllPassed() {
		logger.Log.Warn("One or more kernels failed correctness checks")
	}
	return 0
}
