package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-gemmbench/internal/bench"
	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/logger"
	"github.com/23skdu/longbow-gemmbench/internal/verify"
)

// Phase is the stage a run is in.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseBuild    Phase = "build"
	PhaseDemo     Phase = "demo"
	PhaseCheck    Phase = "check"
	PhaseBench    Phase = "bench"
	PhaseExport   Phase = "export"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
)

// HealthStatus is the /status document.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Phase     Phase         `json:"phase"`
	System    SystemInfo    `json:"system"`
	Device    DeviceInfo    `json:"device"`
	Kernels   []string      `json:"kernels"`
	Checks    []CheckInfo   `json:"checks"`
	Benches   []BenchInfo   `json:"benchmarks"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type DeviceInfo struct {
	Name           string `json:"name"`
	Backend        string `json:"backend"`
	AllocatedBytes int64  `json:"allocated_bytes"`
}

type CheckInfo struct {
	Kernel string `json:"kernel"`
	Size   int    `json:"size"`
	Passed bool   `json:"passed"`
	// Deviation is formatted so NaN survives JSON encoding.
	Deviation string `json:"max_abs_deviation"`
}

type BenchInfo struct {
	Kernel   string  `json:"kernel"`
	Size     int     `json:"size"`
	GFLOPS   float64 `json:"gflops"`
	Verified bool    `json:"verified"`
}

// Alert represents a run alert
type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // check, bench, device, export
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const maxAlerts = 100

// HealthMonitor serves the live state of a run over HTTP.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	phase     Phase
	device    device.Info
	kernels   []string
	checks    []CheckInfo
	benches   []BenchInfo
	alerts    []Alert
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		phase:     PhaseStarting,
		alerts:    make([]Alert, 0),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("Health monitor starting", "address", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Health monitor stopped", "error", err)
		}
	}()
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) SetPhase(p Phase) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.phase = p
}

func (hm *HealthMonitor) SetDevice(info device.Info) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.device = info
}

func (hm *HealthMonitor) SetKernels(names []string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.kernels = append([]string(nil), names...)
}

// RecordCheck stores a battery and raises alerts for failures and non-finite output.
func (hm *HealthMonitor) RecordCheck(rep verify.KernelReport) {
	hm.mu.Lock()
	for _, r := range rep.Results {
		hm.checks = append(hm.checks, CheckInfo{
			Kernel:    r.Kernel,
			Size:      r.Size,
			Passed:    r.Passed,
			Deviation: fmt.Sprintf("%g", r.MaxAbsDeviation),
		})
	}
	hm.mu.Unlock()

	for _, r := range rep.Results {
		if r.NonFinite > 0 {
			hm.AddAlert("critical", "check",
				fmt.Sprintf("Kernel %s produced %d non-finite values at n=%d", r.Kernel, r.NonFinite, r.Size))
		} else if !r.Passed {
			hm.AddAlert("error", "check",
				fmt.Sprintf("Kernel %s failed at n=%d: max deviation %g", r.Kernel, r.Size, r.MaxAbsDeviation))
		}
	}
}

func (hm *HealthMonitor) RecordBench(r bench.Result) {
	hm.mu.Lock()
	hm.benches = append(hm.benches, BenchInfo{Kernel: r.Kernel, Size: r.Size, GFLOPS: r.GFLOPS, Verified: r.Verified})
	hm.mu.Unlock()

	if !r.Verified {
		hm.AddAlert("warning", "bench",
			fmt.Sprintf("Kernel %s benchmarked at n=%d without passing its checks", r.Kernel, r.Size))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) Alerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return append([]Alert(nil), hm.alerts...)
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"phase":     string(status.Phase),
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Alerts())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status snapshots the run. Unresolved critical alerts or a failed run make
// it "critical"; error alerts make it "degraded".
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Level == "critical" {
			status = "critical"
			break
		} else if alert.Level == "error" {
			status = "degraded"
		}
	}
	if hm.phase == PhaseFailed {
		status = "critical"
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Phase:     hm.phase,
		System:    systemInfo(),
		Device: DeviceInfo{
			Name:           hm.device.Name,
			Backend:        hm.device.Backend,
			AllocatedBytes: device.AllocatedBytes(),
		},
		Kernels: append([]string(nil), hm.kernels...),
		Checks:  append([]CheckInfo(nil), hm.checks...),
		Benches: append([]BenchInfo(nil), hm.benches...),
		Alerts:  append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
