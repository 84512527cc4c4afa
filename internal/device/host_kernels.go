package device

// DefaultHostKernels returns the host emulations of the WGSL programs under
// kernels/. Keys are WGSL entry point names.
func DefaultHostKernels() map[string]HostKernel {
	return map[string]HostKernel{
		"sgemm_naive":      NaiveSGEMM,
		"sgemm_naive_32x4": NaiveSGEMM,
		"sgemm_tiled":      TiledSGEMM,
	}
}

// NaiveSGEMM computes one element of C per work-item: x indexes columns,
// y indexes rows. Work-items outside m x n do nothing.
func NaiveSGEMM(wg Workgroup, args HostArgs) {
	a, b, c := args.F32(0), args.F32(1), args.F32(2)
	dims := args.U32(3)
	m, n, k := dims[0], dims[1], dims[2]

	for ly := uint32(0); ly < wg.Size.Y; ly++ {
		row := wg.ID.Y*wg.Size.Y + ly
		if row >= m {
			return
		}
		for lx := uint32(0); lx < wg.Size.X; lx++ {
			col := wg.ID.X*wg.Size.X + lx
			if col >= n {
				break
			}
			var acc float32
			for p := uint32(0); p < k; p++ {
				acc += a[row*k+p] * b[p*n+col]
			}
			c[row*n+col] = acc
		}
	}
}

// TiledSGEMM stages tiles of A and B through workgroup-local storage, the way
// sgemm_tiled.wgsl does with var<workgroup> arrays. The output tile is
// Size.Y rows by Size.X columns and k advances Size.X at a time;
// out-of-range tile elements are loaded as zero.
func TiledSGEMM(wg Workgroup, args HostArgs) {
	a, b, c := args.F32(0), args.F32(1), args.F32(2)
	dims := args.U32(3)
	m, n, k := dims[0], dims[1], dims[2]
	tw, th := wg.Size.X, wg.Size.Y
	kt := tw

	tileA := make([]float32, th*kt)
	tileB := make([]float32, kt*tw)
	acc := make([]float32, th*tw)

	rowBase := wg.ID.Y * th
	colBase := wg.ID.X * tw
	for tk := uint32(0); tk < (k+kt-1)/kt; tk++ {
		for ly := uint32(0); ly < th; ly++ {
			for i := uint32(0); i < kt; i++ {
				row, ak := rowBase+ly, tk*kt+i
				if row < m && ak < k {
					tileA[ly*kt+i] = a[row*k+ak]
				} else {
					tileA[ly*kt+i] = 0
				}
			}
		}
		for i := uint32(0); i < kt; i++ {
			for lx := uint32(0); lx < tw; lx++ {
				bk, col := tk*kt+i, colBase+lx
				if bk < k && col < n {
					tileB[i*tw+lx] = b[bk*n+col]
				} else {
					tileB[i*tw+lx] = 0
				}
			}
		}
		for ly := uint32(0); ly < th; ly++ {
			for lx := uint32(0); lx < tw; lx++ {
				sum := acc[ly*tw+lx]
				for i := uint32(0); i < kt; i++ {
					sum += tileA[ly*kt+i] * tileB[i*tw+lx]
				}
				acc[ly*tw+lx] = sum
			}
		}
	}

	for ly := uint32(0); ly < th; ly++ {
		row := rowBase + ly
		if row >= m {
			break
		}
		for lx := uint32(0); lx < tw; lx++ {
			col := colBase + lx
			if col >= n {
				break
			}
			c[row*n+col] = acc[ly*tw+lx]
		}
	}
}
