package verify

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-gemmbench/internal/device"
	"github.com/23skdu/longbow-gemmbench/internal/dispatch"
	"github.com/23skdu/longbow-gemmbench/internal/fixture"
	"github.com/23skdu/longbow-gemmbench/internal/kernel"
	"github.com/23skdu/longbow-gemmbench/internal/pipeline"
	"github.com/23skdu/longbow-gemmbench/kernels"
)

var battery = []int{8, 32, 64, 128, 256}

// dropLastTerm computes every inner product without its final term.
func dropLastTerm(wg device.Workgroup, args device.HostArgs) {
	a, b, c := args.F32(0), args.F32(1), args.F32(2)
	dims := args.U32(3)
	m, n, k := dims[0], dims[1], dims[2]
	for ly := uint32(0); ly < wg.Size.Y; ly++ {
		row := wg.ID.Y*wg.Size.Y + ly
		for lx := uint32(0); lx < wg.Size.X; lx++ {
			col := wg.ID.X*wg.Size.X + lx
			if row >= m || col >= n {
				continue
			}
			var acc float32
			for p := uint32(0); p+1 < k; p++ {
				acc += a[row*k+p] * b[p*n+col]
			}
			c[row*n+col] = acc
		}
	}
}

func writeNaN(wg device.Workgroup, args device.HostArgs) {
	c := args.F32(2)
	for i := range c {
		c[i] = float32(math.NaN())
	}
}

func setup(t *testing.T, hostKernels map[string]device.HostKernel) (*Verifier, *pipeline.Set) {
	t.Helper()
	dev := device.NewHost(hostKernels, 4)
	set, err := pipeline.NewBuilder(dev, kernels.FS).BuildAll(kernel.Default())
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	t.Cleanup(set.Release)
	engine, err := dispatch.NewEngine(dev)
	if err != nil {
		t.Fatal(err)
	}
	return New(fixture.NewGenerator(dev, 1), engine, DefaultTolerance), set
}

func TestEveryKernelPassesBattery(t *testing.T) {
	v, set := setup(t, device.DefaultHostKernels())

	for _, c := range set.All() {
		t.Run(c.Name(), func(t *testing.T) {
			rep, err := v.CheckKernel(context.Background(), c, battery)
			if err != nil {
				t.Fatalf("CheckKernel: %v", err)
			}
			if !rep.Passed {
				t.Errorf("kernel failed its battery: %+v", rep.Results)
			}
			if len(rep.Results) != len(battery) {
				t.Fatalf("got %d results, want %d", len(rep.Results), len(battery))
			}
			for i, r := range rep.Results {
				if r.Size != battery[i] {
					t.Errorf("result %d has size %d, want %d", i, r.Size, battery[i])
				}
				if r.NonFinite != 0 || math.IsNaN(r.MaxAbsDeviation) {
					t.Errorf("size %d: non-finite output", r.Size)
				}
			}
		})
	}
}

func TestBrokenKernelFailsEverySize(t *testing.T) {
	broken := device.DefaultHostKernels()
	broken["sgemm_naive"] = dropLastTerm
	v, set := setup(t, broken)

	c, _ := set.Get("naive")
	rep, err := v.CheckKernel(context.Background(), c, battery)
	if err != nil {
		t.Fatalf("CheckKernel: %v", err)
	}
	if rep.Passed {
		t.Fatal("broken kernel passed")
	}
	for _, r := range rep.Results {
		if r.Passed || r.Verdict() != "FAIL" {
			t.Errorf("size %d passed", r.Size)
		}
		if !(r.MaxAbsDeviation > 1e-2) {
			t.Errorf("size %d: deviation %g not bounded away from zero", r.Size, r.MaxAbsDeviation)
		}
	}
}

func TestNaNOutputFails(t *testing.T) {
	nan := device.DefaultHostKernels()
	nan["sgemm_naive"] = writeNaN
	v, set := setup(t, nan)

	c, _ := set.Get("naive")
	res, err := v.Check(c, 8)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Passed {
		t.Error("NaN output passed")
	}
	if !math.IsNaN(res.MaxAbsDeviation) {
		t.Errorf("deviation = %v, want NaN", res.MaxAbsDeviation)
	}
	if res.NonFinite != 64 {
		t.Errorf("NonFinite = %d, want 64", res.NonFinite)
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	v, set := setup(t, device.DefaultHostKernels())
	c, _ := set.Get("tiled")

	for _, n := range []int{32, 65} {
		first, err := v.Check(c, n)
		if err != nil {
			t.Fatal(err)
		}
		second, err := v.Check(c, n)
		if err != nil {
			t.Fatal(err)
		}
		if first.Passed != second.Passed {
			t.Errorf("size %d: verdict changed between runs: %s then %s", n, first.Verdict(), second.Verdict())
		}
	}
}

func TestCheckKernelStopsOnCancel(t *testing.T) {
	v, set := setup(t, device.DefaultHostKernels())
	c, _ := set.Get("naive")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := v.CheckKernel(ctx, c, battery)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(rep.Results) != 0 {
		t.Errorf("ran %d checks after cancel", len(rep.Results))
	}
}

func TestDemo(t *testing.T) {
	v, set := setup(t, device.DefaultHostKernels())
	for _, c := range set.All() {
		res, err := v.Demo(c, 64, 0.01, 0.02)
		if err != nil {
			t.Fatalf("Demo(%s): %v", c.Name(), err)
		}
		// Outputs reach ~2e5 here, so only rounding-level deviation is expected.
		if res.Size != 64 || !(res.MaxAbsDeviation < 1) {
			t.Errorf("%s: demo result %+v", c.Name(), res)
		}
	}
}

func TestPasses(t *testing.T) {
	tests := []struct {
		dev  float64
		want bool
	}{
		{0, true},
		{1e-3, true},
		{1.1e-3, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, tt := range tests {
		if got := Passes(tt.dev, DefaultTolerance); got != tt.want {
			t.Errorf("Passes(%v) = %t, want %t", tt.dev, got, tt.want)
		}
	}
}
