package cpd

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

// MLSVD is the multilinear singular value decomposition of a tensor:
// T = (U_0,...,U_{L-1}) * Core with orthonormal bases U_l. MultiRank holds
// the per-mode ranks after discarding negligible singular values, Sigmas
// the retained singular values of each mode unfolding.
type MLSVD struct {
	Core      *tensor.Dense
	Bases     []*mat.Dense
	Sigmas    [][]float64
	MultiRank []int
}

// HOSVD compresses t to its multilinear-rank core by a thin SVD of every
// mode unfolding. Singular values at or below 1/|T|^2 carry less information
// than the noise floor of the entries and are dropped; a mode whose spectrum
// lies entirely below the cutoff is kept uncompressed rather than emptied.
func HOSVD(t *tensor.Dense) (*MLSVD, error) {
	dims := t.Dims()
	L := t.Order()
	nrm := t.Norm()
	cutoff := 1 / (nrm * nrm)

	res := &MLSVD{
		Bases:     make([]*mat.Dense, L),
		Sigmas:    make([][]float64, L),
		MultiRank: make([]int, L),
	}
	basesT := make([]*mat.Dense, L)

	for l, d := range dims {
		unf := t.Unfold(l)
		var svd mat.SVD
		if ok := svd.Factorize(unf, mat.SVDThin); !ok {
			return nil, fmt.Errorf("cpd: svd of mode-%d unfolding did not converge", l)
		}
		s := svd.Values(nil)
		var u mat.Dense
		svd.UTo(&u)

		keep := 0
		for _, sv := range s {
			if sv > cutoff {
				keep++
			}
		}
		if keep == 0 {
			_, keep = u.Dims()
			res.Sigmas[l] = s
			res.Bases[l] = &u
		} else {
			res.Sigmas[l] = s[:keep]
			res.Bases[l] = mat.DenseCopyOf(u.Slice(0, d, 0, keep))
		}
		res.MultiRank[l] = keep
		basesT[l] = mat.DenseCopyOf(res.Bases[l].T())
	}

	res.Core = tensor.MultilinearMul(t, basesT)
	return res, nil
}
