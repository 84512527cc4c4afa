// Package report prints run results to the console as text or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/23skdu/longbow-gemmbench/internal/bench"
	"github.com/23skdu/longbow-gemmbench/internal/config"
	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/verify"
)

// Reporter receives results as the run produces them. Close flushes
// anything buffered.
type Reporter interface {
	Device(info device.Info)
	Demo(r verify.DemoResult)
	Check(rep verify.KernelReport)
	Bench(r bench.Result)
	Close() error
}

func New(w io.Writer, format config.OutputFormat) Reporter {
	if format == config.OutputJSON {
		return &jsonReporter{w: w}
	}
	return &textReporter{w: w}
}

type textReporter struct {
	w          io.Writer
	benchTitle bool
}

func (t *textReporter) Device(info device.Info) {
	fmt.Fprintf(t.w, "Using %s device: %s\n", info.Backend, info.Name)
	if info.Description != "" {
		fmt.Fprintf(t.w, "  %s\n", info.Description)
	}
}

func (t *textReporter) Demo(r verify.DemoResult) {
	fmt.Fprintf(t.w, "[%s] SGEMM complete for %dx%d (k = %d)\n", r.Kernel, r.Size, r.Size, r.Size)
	fmt.Fprintf(t.w, "[%s] Maximum difference vs CPU reference: %e\n", r.Kernel, r.MaxAbsDeviation)
}

func (t *textReporter) Check(rep verify.KernelReport) {
	verdict := "PASS"
	if !rep.Passed {
		verdict = "FAIL"
	}
	fmt.Fprintf(t.w, "\n=== Correctness: %s (%s) ===\n", rep.Kernel, verdict)
	for _, r := range rep.Results {
		line := fmt.Sprintf("  n=%-5d %s  max_abs_dev=%.3e", r.Size, r.Verdict(), r.MaxAbsDeviation)
		if r.NonFinite > 0 {
			line += fmt.Sprintf("  non_finite=%d", r.NonFinite)
		}
		fmt.Fprintln(t.w, line)
	}
}

func (t *textReporter) Bench(r bench.Result) {
	if !t.benchTitle {
		fmt.Fprintf(t.w, "\n=== Throughput ===\n")
		t.benchTitle = true
	}
	note := ""
	if !r.Verified {
		note = "  (unverified)"
	}
	fmt.Fprintf(t.w, "  %-12s n=%-5d %10.2f GFLOPS  %6d iters in %v%s\n",
		r.Kernel, r.Size, r.GFLOPS, r.Iterations, r.Elapsed.Round(time.Millisecond), note)
}

func (t *textReporter) Close() error { return nil }

// Document is the JSON form of a whole run.
type Document struct {
	Device  DeviceJSON  `json:"device"`
	Demo    []DemoJSON  `json:"demo,omitempty"`
	Checks  []CheckJSON `json:"checks"`
	Benches []BenchJSON `json:"benchmarks"`
}

type DeviceJSON struct {
	Name        string `json:"name"`
	Backend     string `json:"backend"`
	Description string `json:"description,omitempty"`
}

type DemoJSON struct {
	Kernel          string   `json:"kernel"`
	Size            int      `json:"size"`
	MaxAbsDeviation *float64 `json:"max_abs_deviation"`
}

type CheckJSON struct {
	Kernel  string      `json:"kernel"`
	Passed  bool        `json:"passed"`
	Results []SizeCheck `json:"results"`
}

type SizeCheck struct {
	Size int `json:"size"`
	// MaxAbsDeviation is null when the deviation is not finite.
	MaxAbsDeviation *float64 `json:"max_abs_deviation"`
	Passed          bool     `json:"passed"`
	NonFinite       int      `json:"non_finite"`
}

type BenchJSON struct {
	Kernel         string  `json:"kernel"`
	Size           int     `json:"size"`
	Iterations     int     `json:"iterations"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	GFLOPS         float64 `json:"gflops"`
	Verified       bool    `json:"verified"`
}

// finite maps NaN and Inf to nil, which encoding/json cannot represent.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

type jsonReporter struct {
	w   io.Writer
	doc Document
}

func (j *jsonReporter) Device(info device.Info) {
	j.doc.Device = DeviceJSON{Name: info.Name, Backend: info.Backend, Description: info.Description}
}

func (j *jsonReporter) Demo(r verify.DemoResult) {
	j.doc.Demo = append(j.doc.Demo, DemoJSON{Kernel: r.Kernel, Size: r.Size, MaxAbsDeviation: finite(r.MaxAbsDeviation)})
}

func (j *jsonReporter) Check(rep verify.KernelReport) {
	c := CheckJSON{Kernel: rep.Kernel, Passed: rep.Passed}
	for _, r := range rep.Results {
		c.Results = append(c.Results, SizeCheck{
			Size:            r.Size,
			MaxAbsDeviation: finite(r.MaxAbsDeviation),
			Passed:          r.Passed,
			NonFinite:       r.NonFinite,
		})
	}
	j.doc.Checks = append(j.doc.Checks, c)
}

func (j *jsonReporter) Bench(r bench.Result) {
	j.doc.Benches = append(j.doc.Benches, BenchJSON{
		Kernel:         r.Kernel,
		Size:           r.Size,
		Iterations:     r.Iterations,
		ElapsedSeconds: r.Elapsed.Seconds(),
		GFLOPS:         r.GFLOPS,
		Verified:       r.Verified,
	})
}

func (j *jsonReporter) Close() error {
	enc := json.NewEncoder(j.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(j.doc); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}
