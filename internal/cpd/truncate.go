package cpd

import (
	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

// truncate shrinks the MLSVD core by dropping trailing singular directions
// per mode until at most energy percent of each mode's squared spectral
// energy has been discarded. A mode is never cut below the requested rank,
// which keeps the downstream problem identifiable; whether the resulting
// dimensions are still consistent with the rank is checked by the caller.
// The returned MLSVD shares nothing with the input.
func truncate(m *MLSVD, rank int, energy float64) *MLSVD {
	L := len(m.MultiRank)
	out := &MLSVD{
		Bases:     make([]*mat.Dense, L),
		Sigmas:    make([][]float64, L),
		MultiRank: make([]int, L),
	}

	changed := false
	for l, rl := range m.MultiRank {
		keep := rl
		if energy > 0 {
			total := 0.0
			for _, sv := range m.Sigmas[l] {
				total += sv * sv
			}
			budget := total * energy / 100
			dropped := 0.0
			for keep > 1 && keep > rank {
				sv := m.Sigmas[l][keep-1]
				if dropped+sv*sv > budget {
					break
				}
				dropped += sv * sv
				keep--
			}
		}
		if keep < rl {
			changed = true
		}
		out.MultiRank[l] = keep
		out.Sigmas[l] = append([]float64(nil), m.Sigmas[l][:keep]...)
		rows, _ := m.Bases[l].Dims()
		out.Bases[l] = mat.DenseCopyOf(m.Bases[l].Slice(0, rows, 0, keep))
	}

	if !changed {
		out.Core = m.Core.Clone()
		return out
	}
	out.Core = corner(m.Core, out.MultiRank)
	return out
}

// corner extracts the leading hyper-rectangle of t with the given dims.
func corner(t *tensor.Dense, dims []int) *tensor.Dense {
	out := tensor.New(dims...)
	idx := make([]int, len(dims))
	for i := 0; i < out.Size(); i++ {
		out.Set(t.At(idx...), idx...)
		for l := len(dims) - 1; l >= 0; l-- {
			idx[l]++
			if idx[l] < dims[l] {
				break
			}
			idx[l] = 0
		}
	}
	return out
}
