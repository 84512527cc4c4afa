package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gemmbench_device_memory_allocated_bytes",
		Help: "Current bytes allocated on the compute device",
	})

	PipelineBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gemmbench_pipeline_build_seconds",
		Help:    "Time spent loading, compiling and linking a kernel pipeline",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	PipelineBuildErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmbench_pipeline_build_errors_total",
		Help: "Total number of pipeline build failures by stage",
	}, []string{"kernel", "stage"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gemmbench_dispatch_duration_seconds",
		Help:    "Wall time of one dispatch including the completion wait",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 12),
	}, []string{"kernel"})

	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmbench_dispatches_total",
		Help: "Total number of completed dispatches",
	}, []string{"kernel"})

	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmbench_dispatch_errors_total",
		Help: "Total number of dispatches rejected or failed by the device",
	}, []string{"kernel"})

	CheckResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmbench_check_results_total",
		Help: "Correctness checks by verdict",
	}, []string{"kernel", "verdict"})

	CheckDeviation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gemmbench_check_max_abs_deviation",
		Help: "Maximum absolute deviation from the reference of the last check",
	}, []string{"kernel", "size"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemmbench_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected in kernel output",
	}, []string{"kernel", "type"})

	ThroughputGFLOPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gemmbench_throughput_gflops",
		Help: "Measured throughput of the last benchmark run",
	}, []string{"kernel", "size"})

	BenchIterations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gemmbench_bench_iterations",
		Help: "Timed iterations of the last benchmark run",
	}, []string{"kernel", "size"})
)

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordPipelineBuild(kernel string, duration time.Duration) {
	PipelineBuildDuration.WithLabelValues(kernel).Observe(duration.Seconds())
}

func RecordPipelineBuildError(kernel, stage string) {
	PipelineBuildErrors.WithLabelValues(kernel, stage).Inc()
}

func RecordDispatch(kernel string, duration time.Duration) {
	DispatchDuration.WithLabelValues(kernel).Observe(duration.Seconds())
	DispatchesTotal.WithLabelValues(kernel).Inc()
}

func RecordDispatchError(kernel string) {
	DispatchErrors.WithLabelValues(kernel).Inc()
}

// RecordCheck records one correctness verdict and its deviation.
// NaN deviations are exported as-is; Prometheus represents them natively.
func RecordCheck(kernel string, size int, deviation float64, passed bool) {
	verdict := "fail"
	if passed {
		verdict = "pass"
	}
	CheckResults.WithLabelValues(kernel, verdict).Inc()
	CheckDeviation.WithLabelValues(kernel, strconv.Itoa(size)).Set(deviation)
}

func RecordNumericalInstability(kernel string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(kernel, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(kernel, "inf").Add(float64(infCount))
	}
}

func RecordBench(kernel string, size int, iterations int, gflops float64) {
	label := strconv.Itoa(size)
	ThroughputGFLOPS.WithLabelValues(kernel, label).Set(gflops)
	BenchIterations.WithLabelValues(kernel, label).Set(float64(iterations))
}
