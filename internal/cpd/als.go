package cpd

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

// als minimizes |T - T_approx| by alternating least squares: each sweep
// solves the linear least-squares problem for one factor while holding the
// others fixed, using the Khatri-Rao normal equations. Simpler and slower
// than dGN, but free of damping and inner-solver tuning. Factors are owned
// and mutated; the best factors seen are returned.
func als(ctx context.Context, t *tensor.Dense, factors []*mat.Dense, tol float64, opts *Options) ([]*mat.Dense, *Trace, error) {
	dims := t.Dims()
	_, rank := factors[0].Dims()
	ws := newWorkspace(dims, rank)
	L := len(dims)

	unfoldings := make([]*mat.Dense, L)
	for l := range dims {
		unfoldings[l] = t.Unfold(l)
	}

	tsize := t.Norm()
	errRel := 1.0
	bestError := math.Inf(1)
	window := 1 + opts.MaxIter/10

	x := make([]float64, ws.nParams)
	oldX := make([]float64, ws.nParams)
	approx := tensor.New(dims...)
	ws.vecFactors(x, factors)
	tensor.ReconstructInto(approx, factors)

	best := make([]*mat.Dense, L)
	for l, f := range factors {
		best[l] = mat.DenseCopyOf(f)
	}

	trace := &Trace{Stop: StopMaxIter}
	td := t.Data()
	ad := approx.Data()
	rest := make([]*mat.Dense, 0, L-1)
	var mttkrp mat.Dense

	for it := 0; it < opts.MaxIter; it++ {
		if err := ctx.Err(); err != nil {
			return best, trace, err
		}

		copy(oldX, x)
		oldError := errRel

		// Gauss-Seidel sweep: each mode sees the factors already updated
		// this iteration.
		for l := 0; l < L; l++ {
			if opts.FixedFactors != nil && opts.FixedFactors[l] != nil {
				continue
			}
			rest = rest[:0]
			for m := 0; m < L; m++ {
				if m != l {
					rest = append(rest, factors[m])
				}
			}
			w := tensor.KhatriRaoList(rest)
			mttkrp.Reset()
			mttkrp.Mul(unfoldings[l], w)

			grams := tensor.Gramians(factors)
			gamma := tensor.GramProductExcept(grams, l)
			factors[l].Mul(&mttkrp, pseudoInverse(gamma))
		}
		ws.vecFactors(x, factors)
		applyConstraints(factors, opts)

		tensor.ReconstructInto(approx, factors)
		errRel = floats.Distance(td, ad, 2) / tsize

		if errRel < bestError {
			bestError = errRel
			for l, f := range factors {
				best[l].Copy(f)
			}
		}

		stepSize := floats.Distance(x, oldX, 2)
		// ALS has no gradient at hand; the finite difference of errors per
		// unit step stands in for it. A zero step means the sweep reached a
		// fixed point, so the proxy is zero rather than 0/0.
		gradProxy := 0.0
		if stepSize > 0 {
			gradProxy = math.Abs(oldError-errRel) / stepSize
		}
		improv := errRel
		if it > 0 {
			improv = math.Abs(trace.Errors[it-1] - errRel)
		}
		trace.StepSizes = append(trace.StepSizes, stepSize)
		trace.Errors = append(trace.Errors, errRel)
		trace.Improvements = append(trace.Improvements, improv)
		trace.Gradients = append(trace.Gradients, gradProxy)

		opts.Logger.Debug().
			Int("iteration", it+1).
			Float64("rel_error", errRel).
			Float64("improvement", improv).
			Float64("grad_norm", gradProxy).
			Msg("als iteration")

		if it > 1 {
			if stepSize < tol {
				trace.Stop = StopStepSize
				break
			}
			if improv < tol {
				trace.Stop = StopImprovement
				break
			}
			if gradProxy < tol {
				trace.Stop = StopGradient
				break
			}
			if it > window && it%window == 0 {
				s := 0.0
				for j := it - window + 1; j <= it; j++ {
					s += math.Abs(trace.Errors[j] - trace.Errors[j-1])
				}
				if s/float64(window) < 10*tol {
					trace.Stop = StopAvgImprovement
					break
				}
			}
			if errRel > math.Max(1, tsize*tsize)/tol {
				trace.Stop = StopDiverged
				break
			}
		}
	}
	return best, trace, nil
}

// pseudoInverse computes the Moore-Penrose inverse of a small square matrix
// by SVD, discarding singular values below the usual numeric rank cutoff.
// The Khatri-Rao Gramian can be genuinely singular when factor columns are
// collinear, so a plain solve is not safe here.
func pseudoInverse(a *mat.Dense) *mat.Dense {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		r, c := a.Dims()
		return mat.NewDense(c, r, nil)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	r, c := a.Dims()
	n := r
	if c > n {
		n = c
	}
	cutoff := 0.0
	if len(s) > 0 {
		cutoff = float64(n) * s[0] * 2.220446049250313e-16
	}
	for j, sv := range s {
		inv := 0.0
		if sv > cutoff {
			inv = 1 / sv
		}
		for i := 0; i < c; i++ {
			v.Set(i, j, v.At(i, j)*inv)
		}
	}
	pinv := mat.NewDense(c, r, nil)
	pinv.Mul(&v, u.T())
	return pinv
}
