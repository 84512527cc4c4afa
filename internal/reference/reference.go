// Package reference is the host-side ground truth for SGEMM results.
package reference

import "math"

// SGEMM computes C = A * B for row-major A (m x k) and B (k x n), accumulating
// each element in ascending p order. It allocates and returns C (m x n).
func SGEMM(m, n, k int, a, b []float32) []float32 {
	c := make([]float32, m*n)
	for i := 0; i < m; i++ {
		row := a[i*k : i*k+k]
		for j := 0; j < n; j++ {
			var acc float32
			for p, av := range row {
				acc += av * b[p*n+j]
			}
			c[i*n+j] = acc
		}
	}
	return c
}

// MaxAbsDiff returns the largest |got[i] - want[i]|. A NaN in either input
// makes the result NaN, so a NaN-producing kernel can never compare as equal.
// Slices of different length compare only their common prefix.
func MaxAbsDiff(got, want []float32) float64 {
	n := min(len(got), len(want))
	var worst float64
	for i := 0; i < n; i++ {
		d := math.Abs(float64(got[i]) - float64(want[i]))
		if math.IsNaN(d) {
			return math.NaN()
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

// CountNonFinite counts NaN and infinite values in v.
func CountNonFinite(v []float32) (nan, inf int) {
	for _, x := range v {
		f := float64(x)
		switch {
		case math.IsNaN(f):
			nan++
		case math.IsInf(f, 0):
			inf++
		}
	}
	return nan, inf
}
