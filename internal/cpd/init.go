package cpd

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

// Initializer builds the starting factor matrices for the optimization, one
// per mode of the (truncated) core tensor, each with rank columns. Returned
// factors may contain zero entries; the pipeline cleans and balances them
// afterwards.
type Initializer interface {
	Factors(core *tensor.Dense, rank int, rng *rand.Rand) []*mat.Dense
}

// RandomInit draws every factor entry from the standard normal
// distribution.
type RandomInit struct{}

func (RandomInit) Factors(core *tensor.Dense, rank int, rng *rand.Rand) []*mat.Dense {
	factors := make([]*mat.Dense, core.Order())
	for l, d := range core.Dims() {
		f := mat.NewDense(d, rank, nil)
		for i := 0; i < d; i++ {
			for r := 0; r < rank; r++ {
				f.Set(i, r, rng.NormFloat64())
			}
		}
		factors[l] = f
	}
	return factors
}

// FixedInit starts from user-supplied factors, cut down to the truncated
// core dimensions. The factors must be sized for the original tensor modes.
type FixedInit struct {
	Given []*mat.Dense
}

func (fi FixedInit) Factors(core *tensor.Dense, rank int, rng *rand.Rand) []*mat.Dense {
	factors := make([]*mat.Dense, core.Order())
	for l, d := range core.Dims() {
		factors[l] = mat.DenseCopyOf(fi.Given[l].Slice(0, d, 0, rank))
	}
	return factors
}

// SmartRandomInit samples 1+sqrt(size) sparse rank-R candidates from the
// core and keeps the one closest to it. Each candidate picks R entries of
// the core, biased towards low coordinates where the MLSVD concentrates
// energy, and uses them as coefficients of a rank-R sum of coordinate
// vectors. The initial error is therefore small by construction.
type SmartRandomInit struct{}

func (SmartRandomInit) Factors(core *tensor.Dense, rank int, rng *rand.Rand) []*mat.Dense {
	samples := 1 + int(math.Sqrt(float64(core.Size())))
	ssize := core.Norm()
	scratch := tensor.New(core.Dims()...)

	var best []*mat.Dense
	bestErr := math.Inf(1)
	for s := 0; s < samples; s++ {
		cand := smartSample(core, rank, rng)
		tensor.ReconstructInto(scratch, cand)
		relErr := floats.Distance(core.Data(), scratch.Data(), 2) / ssize
		if relErr < bestErr {
			bestErr = relErr
			best = cand
		}
	}
	return best
}

// smartSample draws one sparse candidate. Per mode, index i is chosen with
// weight dims[l]-i, so earlier coordinates are proportionally more likely.
func smartSample(core *tensor.Dense, rank int, rng *rand.Rand) []*mat.Dense {
	dims := core.Dims()
	L := core.Order()
	factors := make([]*mat.Dense, L)
	for l, d := range dims {
		factors[l] = mat.NewDense(d, rank, nil)
	}

	idx := make([]int, L)
	for r := 0; r < rank; r++ {
		for l, d := range dims {
			high := d * (d + 1) / 2
			c := rng.Intn(high)
			cum := 0
			for i := 0; i < d; i++ {
				cum += d - i
				if c < cum {
					idx[l] = i
					break
				}
			}
			factors[l].Set(idx[l], r, 1)
		}
		factors[0].Set(idx[0], r, core.At(idx...))
	}
	return factors
}

// cleanZeros replaces exact-zero factor entries with small noise scaled to
// the factor's own magnitude. Zero entries would make the Tikhonov diagonal
// and preconditioner degenerate.
func cleanZeros(factors []*mat.Dense, rng *rand.Rand) {
	for _, f := range factors {
		nrm := mat.Norm(f, 2)
		d, rank := f.Dims()
		for i := 0; i < d; i++ {
			for r := 0; r < rank; r++ {
				if f.At(i, r) == 0 {
					f.Set(i, r, 1e-4*rng.NormFloat64()*nrm)
				}
			}
		}
	}
}

// equalize rescales each rank component so all factors contribute the same
// column norm, the geometric mean of the original norms. The scaling
// ambiguity of the CPD makes this a no-op on the reconstruction.
func equalize(factors []*mat.Dense) {
	if len(factors) == 0 {
		return
	}
	_, rank := factors[0].Dims()
	L := float64(len(factors))
	for r := 0; r < rank; r++ {
		prod := 1.0
		norms := make([]float64, len(factors))
		for l, f := range factors {
			d, _ := f.Dims()
			s := 0.0
			for i := 0; i < d; i++ {
				s += f.At(i, r) * f.At(i, r)
			}
			norms[l] = math.Sqrt(s)
			prod *= norms[l]
		}
		if prod == 0 {
			continue
		}
		target := math.Pow(prod, 1/L)
		for l, f := range factors {
			d, _ := f.Dims()
			scale := target / norms[l]
			for i := 0; i < d; i++ {
				f.Set(i, r, scale*f.At(i, r))
			}
		}
	}
}
