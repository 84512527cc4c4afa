package reference

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func toDense(rows, cols int, v []float32) *mat.Dense {
	data := make([]float64, len(v))
	for i, x := range v {
		data[i] = float64(x)
	}
	return mat.NewDense(rows, cols, data)
}

func TestSGEMMMatchesGonum(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	shapes := []struct{ m, n, k int }{
		{1, 1, 1},
		{2, 3, 4},
		{8, 8, 8},
		{17, 5, 33},
		{64, 64, 64},
	}

	for _, s := range shapes {
		a := make([]float32, s.m*s.k)
		b := make([]float32, s.k*s.n)
		for i := range a {
			a[i] = r.Float32()*2 - 1
		}
		for i := range b {
			b[i] = r.Float32()*2 - 1
		}

		got := SGEMM(s.m, s.n, s.k, a, b)

		var want mat.Dense
		want.Mul(toDense(s.m, s.k, a), toDense(s.k, s.n, b))
		for i := 0; i < s.m; i++ {
			for j := 0; j < s.n; j++ {
				if d := math.Abs(float64(got[i*s.n+j]) - want.At(i, j)); d > 1e-4 {
					t.Fatalf("%dx%dx%d: C[%d,%d] = %v, want %v", s.m, s.n, s.k, i, j, got[i*s.n+j], want.At(i, j))
				}
			}
		}
	}
}

func TestSGEMMKnownValues(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	got := SGEMM(2, 2, 2, a, b)
	want := []float32{19, 22, 43, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("C = %v, want %v", got, want)
		}
	}
}

func TestMaxAbsDiff(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name string
		got  []float32
		want []float32
		exp  float64
	}{
		{"equal", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"largest wins", []float32{1, 2.5, 3}, []float32{1, 2, 2}, 1},
		{"sign ignored", []float32{-1}, []float32{1}, 2},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := MaxAbsDiff(tt.got, tt.want); d != tt.exp {
				t.Errorf("MaxAbsDiff = %v, want %v", d, tt.exp)
			}
		})
	}

	t.Run("nan propagates", func(t *testing.T) {
		if d := MaxAbsDiff([]float32{0, nan, 100}, []float32{0, 0, 0}); !math.IsNaN(d) {
			t.Errorf("MaxAbsDiff with NaN = %v, want NaN", d)
		}
	})
	t.Run("inf is infinite", func(t *testing.T) {
		inf := float32(math.Inf(1))
		if d := MaxAbsDiff([]float32{inf}, []float32{0}); !math.IsInf(d, 1) {
			t.Errorf("MaxAbsDiff with Inf = %v, want +Inf", d)
		}
	})
}

func TestCountNonFinite(t *testing.T) {
	v := []float32{1, float32(math.NaN()), float32(math.Inf(-1)), float32(math.Inf(1)), 0}
	nan, inf := CountNonFinite(v)
	if nan != 1 || inf != 2 {
		t.Errorf("CountNonFinite = (%d, %d), want (1, 2)", nan, inf)
	}
}
