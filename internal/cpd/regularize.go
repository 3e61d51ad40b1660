package cpd

import "math"

// diagFloor keeps the preconditioner finite when a factor column collapses
// to zero and the damping term vanishes with it.
const diagFloor = 1e-150

// regularize fills the Tikhonov diagonal from the current column norms.
// The entry for column r of mode l is the product of the other modes'
// column norms, scaled by the largest such cross-product over all modes and
// columns, so heavy columns are damped harder and the scale tracks the
// factors themselves.
func (ws *workspace) regularize() {
	maxAll := 0.0
	for l := range ws.dims {
		for r := 0; r < ws.rank; r++ {
			cross := 1.0
			for m := range ws.dims {
				if m != l {
					cross *= ws.colNorms[m][r]
				}
			}
			if cross > maxAll {
				maxAll = cross
			}
		}
	}
	for l, d := range ws.dims {
		blk := ws.tik[ws.offsets[l]:ws.offsets[l+1]]
		for r := 0; r < ws.rank; r++ {
			cross := 1.0
			for m := range ws.dims {
				if m != l {
					cross *= ws.colNorms[m][r]
				}
			}
			v := cross * maxAll
			for i := 0; i < d; i++ {
				blk[r*d+i] = v
			}
		}
	}
}

// precondition fills the diagonal preconditioner
//
//	M = 1 / sqrt(diag(J^T J) + damp*Gamma)
//
// where diag(J^T J) for column r of mode l is the product of the other
// modes' squared column norms. Entries are clipped away from zero before
// the reciprocal square root.
func (ws *workspace) precondition(damp float64) {
	for l, d := range ws.dims {
		tik := ws.tik[ws.offsets[l]:ws.offsets[l+1]]
		pre := ws.precond[ws.offsets[l]:ws.offsets[l+1]]
		for r := 0; r < ws.rank; r++ {
			diag := 1.0
			for m := range ws.dims {
				if m != l {
					diag *= ws.grams[m].At(r, r)
				}
			}
			v := diag + damp*tik[r*d]
			if v < diagFloor {
				v = diagFloor
			}
			v = 1 / math.Sqrt(v)
			for i := 0; i < d; i++ {
				pre[r*d+i] = v
			}
		}
	}
}
