package cpd

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

// Trace records the per-iteration trajectories of one optimization stage:
// step sizes, relative errors, error improvements and gradient infinity
// norms, plus the reason the stage stopped. Callers use it to diagnose runs
// without re-instrumenting the loop.
type Trace struct {
	StepSizes    []float64
	Errors       []float64
	Improvements []float64
	Gradients    []float64
	Stop         StopReason
}

// dGN minimizes |T - T_approx| with the damped Gauss-Newton method starting
// from factors, which it owns and mutates. It returns the best factors seen
// over the whole run, not necessarily the last ones, together with the
// stage trace. The context is checked once per outer iteration.
func dGN(ctx context.Context, t *tensor.Dense, factors []*mat.Dense, tol float64, opts *Options) ([]*mat.Dense, *Trace, error) {
	dims := t.Dims()
	_, rank := factors[0].Dims()
	ws := newWorkspace(dims, rank)

	solver := opts.Solver
	if solver == nil {
		solver = CG{}
	}
	innerBase := opts.InnerMaxIter
	innerStatic := opts.InnerStatic
	if innerBase <= 0 {
		innerBase = defaultInnerBudget(ws.size, rank, ws.nParams)
		innerStatic = true
	}

	tsize := t.Norm()
	errRel := 1.0
	bestError := math.Inf(1)
	damp := opts.InitDamp * t.AbsMean()
	window := 1 + opts.MaxIter/10

	x := make([]float64, ws.nParams)
	oldX := make([]float64, ws.nParams)
	y := make([]float64, ws.nParams)
	grad := make([]float64, ws.nParams)
	b := make([]float64, t.Size())
	approx := tensor.New(dims...)

	ws.vecFactors(x, factors)
	tensor.ReconstructInto(approx, factors)

	best := make([]*mat.Dense, len(factors))
	for l, f := range factors {
		best[l] = mat.DenseCopyOf(f)
	}

	trace := &Trace{Stop: StopMaxIter}
	td := t.Data()
	ad := approx.Data()

	for it := 0; it < opts.MaxIter; it++ {
		if err := ctx.Err(); err != nil {
			trace.Stop = StopMaxIter
			return best, trace, err
		}

		// Right-hand side of the linearized problem: b = -res = approx - T.
		for i := range b {
			b[i] = ad[i] - td[i]
		}
		copy(oldX, x)
		oldError := errRel

		ws.refresh(factors)
		ws.refreshKR()

		budget := innerBudget(opts, innerBase, it, innerStatic)
		itn, residualnorm := solver.Solve(ws, y, grad, b, damp, budget, opts.InnerTol)

		alpha := 1.0
		if opts.LineSearch {
			alpha = bestStepLength(ws, t, tsize, x, y)
		}
		floats.AddScaled(x, alpha, y)
		ws.devecFactors(factors, x)
		applyConstraints(factors, opts)

		tensor.ReconstructInto(approx, factors)
		errRel = floats.Distance(td, ad, 2) / tsize

		if errRel < bestError {
			bestError = errRel
			for l, f := range factors {
				best[l].Copy(f)
			}
		}

		damp = updateDamp(damp, oldError, errRel, residualnorm)

		stepSize := floats.Distance(x, oldX, 2)
		gradInf := floats.Norm(grad, math.Inf(1))
		improv := errRel
		if it > 0 {
			improv = math.Abs(trace.Errors[it-1] - errRel)
		}
		trace.StepSizes = append(trace.StepSizes, stepSize)
		trace.Errors = append(trace.Errors, errRel)
		trace.Improvements = append(trace.Improvements, improv)
		trace.Gradients = append(trace.Gradients, gradInf)

		opts.Logger.Debug().
			Int("iteration", it+1).
			Float64("rel_error", errRel).
			Float64("improvement", improv).
			Float64("grad_norm", gradInf).
			Float64("predicted_error", residualnorm).
			Int("inner_iterations", itn).
			Msg("dgn iteration")

		if it > 1 {
			if stepSize < tol {
				trace.Stop = StopStepSize
				break
			}
			if improv < tol {
				trace.Stop = StopImprovement
				break
			}
			if gradInf < math.Sqrt(tol) {
				trace.Stop = StopGradient
				break
			}
			// Improvements hovering just above tol for a long stretch are
			// not worth chasing; stop when the window average goes quiet.
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

// defaultInnerBudget is the CG iteration cap used when the caller does not
// set one: a tenth of the smaller of the tensor size and the number of
// model parameters (plus one per component), never below 10. This makes
// the inner solve cheap relative to one residual evaluation while still
// resolving the normal equations well enough for the outer loop to
// converge.
func defaultInnerBudget(size, rank, nParams int) int {
	budget := (rank + nParams) / 10
	if size < rank+nParams {
		budget = size / 10
	}
	if budget < 10 {
		budget = 10
	}
	return budget
}

// innerBudget grows the inner iteration cap with the outer iteration count.
// Early outer iterations move through a rapidly changing linearization, so
// solving the model accurately there is wasted work; the randomized growth
// lets the budget ramp up as the factors settle. A static budget is used
// as is on every outer iteration.
func innerBudget(opts *Options, base, it int, static bool) int {
	if static {
		return base
	}
	lo := 1 + int(math.Pow(float64(it), 0.4))
	hi := 2 + int(math.Pow(float64(it), 0.9))
	return 1 + base*(lo+opts.RNG.Intn(hi-lo))
}

// updateDamp adjusts the damping parameter from the gain ratio between the
// realized error decrease and the decrease predicted by the linear model.
// The direction is deliberate: a low gain ratio reduces damping to take a
// larger, more Newton-like step on the next iteration.
func updateDamp(damp, oldError, err, residualnorm float64) float64 {
	gain := 2 * (oldError - err) / (oldError - residualnorm)
	switch {
	case gain < 0.75:
		return damp / 2
	case gain > 0.9:
		return 1.5 * damp
	}
	return damp
}

// bestStepLength evaluates a small candidate set of step lengths and keeps
// the one with the lowest reconstruction error.
func bestStepLength(ws *workspace, t *tensor.Dense, tsize float64, x, y []float64) float64 {
	candidates := []float64{0.5, 1, 2}
	xTry := make([]float64, len(x))
	trial := make([]*mat.Dense, len(ws.dims))
	for l, d := range ws.dims {
		trial[l] = mat.NewDense(d, ws.rank, nil)
	}
	scratch := tensor.New(ws.dims...)

	bestAlpha, bestErr := 1.0, math.Inf(1)
	for _, alpha := range candidates {
		copy(xTry, x)
		floats.AddScaled(xTry, alpha, y)
		ws.devecFactors(trial, xTry)
		tensor.ReconstructInto(scratch, trial)
		e := floats.Distance(t.Data(), scratch.Data(), 2) / tsize
		if e < bestErr {
			bestErr = e
			bestAlpha = alpha
		}
	}
	return bestAlpha
}

// applyConstraints enforces the symmetry and fixed-mode options on the
// factors after a step. The flattened x is intentionally left as is; the
// next step linearizes around the constrained factors while continuing the
// walk in the unconstrained variable.
func applyConstraints(factors []*mat.Dense, opts *Options) {
	if opts.Symmetric {
		avg := mat.DenseCopyOf(factors[0])
		for _, f := range factors[1:] {
			avg.Add(avg, f)
		}
		avg.Scale(1/float64(len(factors)), avg)
		for _, f := range factors {
			f.Copy(avg)
		}
	}
	for l, fixed := range opts.FixedFactors {
		if fixed != nil {
			factors[l].Copy(fixed)
		}
	}
}
