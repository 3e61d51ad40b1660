package cpd

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Solver approximately solves the damped normal equations for one
// Gauss-Newton step. Implementations write the step into y and the gradient
// direction J^T b into grad, and report the inner iterations used together
// with the achieved residual measure. The measure is solver specific: CG
// reports the squared preconditioned residual, LSMR reports |b - Ay|. The
// outer loop treats it as the predicted error of the linearized model.
//
// Solvers never fail on numeric degeneracy: zero denominators and zero
// normalizations are substituted with a small epsilon so the step stays
// finite.
type Solver interface {
	Solve(ws *workspace, y, grad, b []float64, damp float64, maxiter int, tol float64) (itn int, residualnorm float64)
}

// cgEps replaces exact-zero denominators in the CG update.
const cgEps = 1e-6

// CG is a preconditioned conjugate gradient iteration on the damped normal
// equations (J^T J + damp*Gamma) y = J^T b, using the Gramian-based
// Jacobian-free operator. Besides the tolerance test it stops early when
// the trailing window of residual norms stops improving on the window
// before it.
type CG struct{}

func (CG) Solve(ws *workspace, y, grad, b []float64, damp float64, maxiter int, tol float64) (int, float64) {
	n := ws.nParams
	if maxiter > n {
		maxiter = n
	}
	ws.regularize()
	ws.precondition(damp)
	window := 2 + maxiter/5

	for i := range y {
		y[i] = 0
	}
	ws.matVecTrans(grad, b)

	resid := make([]float64, n)
	p := make([]float64, n)
	q := make([]float64, n)
	z := make([]float64, n)
	hist := make([]float64, 0, maxiter)

	for i := range resid {
		resid[i] = ws.precond[i] * grad[i]
	}
	copy(p, resid)
	rnorm := floats.Dot(resid, resid)
	if rnorm == 0 {
		rnorm = cgEps
	}

	itn := 0
	for k := 0; k < maxiter; k++ {
		itn = k + 1
		for i := range q {
			q[i] = ws.precond[i] * p[i]
		}
		ws.applyNormal(z, q)
		for i := range z {
			z[i] = ws.precond[i] * (z[i] + damp*ws.tik[i]*q[i])
		}
		den := floats.Dot(p, z)
		if den == 0 {
			den = cgEps
		}
		alpha := rnorm / den
		floats.AddScaled(y, alpha, p)
		floats.AddScaled(resid, -alpha, z)
		rnew := floats.Dot(resid, resid)
		beta := rnew / rnorm
		rnorm = rnew
		hist = append(hist, rnorm)
		for i := range p {
			p[i] = resid[i] + beta*p[i]
		}

		if rnorm < tol {
			break
		}
		// Compare the average of the last window residual norms against the
		// window before it; no improvement means the iteration stalled.
		if k >= 2*window && k%window == 0 {
			if stat.Mean(hist[k-2*window:k-window], nil) < stat.Mean(hist[k-window:k], nil) {
				break
			}
		}
	}

	// y was built in the preconditioned variable; map back.
	for i := range y {
		y[i] *= ws.precond[i]
	}
	return itn, rnorm
}
