package cpd

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// LSMR solves min_y |J y - b| by Golub-Kahan bidiagonalization with the
// Jacobian-free forward and adjoint operators. The Tikhonov term is handled
// by the outer damping schedule, so the bidiagonalization itself runs
// undamped. Stopping reasons follow the standard istop table:
//
//	0  y = 0 is the exact solution
//	1  J y = b is satisfied within atol/btol
//	2  the least-squares problem is solved within atol
//	3  cond(J) exceeds the conditioning limit
//	4  as 1, at machine precision
//	5  as 2, at machine precision
//	6  as 3, at machine precision
//	7  iteration budget exhausted
type LSMR struct{}

func (LSMR) Solve(ws *workspace, y, grad, b []float64, damp float64, maxiter int, tol float64) (int, float64) {
	_, itn, normr := lsmrSolve(ws, y, grad, b, tol, tol, maxiter)
	return itn, normr
}

// lsmrSolve runs the bidiagonalization and reports the istop code alongside
// the iteration count and final residual norm estimate.
func lsmrSolve(ws *workspace, y, grad, b []float64, atol, btol float64, maxiter int) (istop, itn int, normr float64) {
	n := ws.nParams
	if maxiter > n {
		maxiter = n
	}

	u := make([]float64, ws.size)
	v := make([]float64, n)
	au := make([]float64, ws.size)
	av := make([]float64, n)
	h := make([]float64, n)
	hbar := make([]float64, n)
	for i := range y {
		y[i] = 0
	}
	for i := range grad {
		grad[i] = 0
	}

	copy(u, b)
	beta := floats.Norm(u, 2)
	alpha := 0.0
	if beta > 0 {
		floats.Scale(1/beta, u)
		ws.matVecTrans(v, u)
		alpha = floats.Norm(v, 2)
	}
	if alpha > 0 {
		floats.Scale(1/alpha, v)
	}
	copy(grad, v)
	copy(h, v)

	zetabar := alpha * beta
	alphabar := alpha
	rho := 1.0
	rhobar := 1.0
	cbar := 1.0
	sbar := 0.0

	// Estimation of |r|.
	betadd := beta
	betad := 0.0
	rhodold := 1.0
	tautildeold := 0.0
	thetatilde := 0.0
	zeta := 0.0
	d := 0.0

	// Estimation of |A| and cond(A).
	normA2 := alpha * alpha
	maxrbar := 0.0
	minrbar := 1e+100

	normb := beta
	ctol := 0.0
	normr = beta

	// A zero right-hand side (or a starting vector annihilated by the
	// adjoint) makes y = 0 exact; return before iterating.
	if alpha*beta == 0 {
		return 0, 0, normr
	}

	for itn < maxiter {
		itn++

		// Next bidiagonalization step:
		//   beta*u  = A*v  - alpha*u
		//   alpha*v = A'*u - beta*v
		ws.matVec(au, v)
		for i := range u {
			u[i] = au[i] - alpha*u[i]
		}
		beta = floats.Norm(u, 2)
		if beta > 0 {
			floats.Scale(1/beta, u)
			ws.matVecTrans(av, u)
			for i := range v {
				v[i] = av[i] - beta*v[i]
			}
			alpha = floats.Norm(v, 2)
			if alpha > 0 {
				floats.Scale(1/alpha, v)
			}
		}

		chat, shat, alphahat := symOrtho(alphabar, 0)

		// Plane rotation Q_i turning B_i to R_i.
		rhoold := rho
		var c, s float64
		c, s, rho = symOrtho(alphahat, beta)
		thetanew := s * alpha
		alphabar = c * alpha

		// Plane rotation Qbar_i turning R_i^T into R_i^bar.
		rhobarold := rhobar
		zetaold := zeta
		thetabar := sbar * rho
		rhotemp := cbar * rho
		cbar, sbar, rhobar = symOrtho(cbar*rho, thetanew)
		zeta = cbar * zetabar
		zetabar = -sbar * zetabar

		// Update h, hbar, y.
		f1 := thetabar * rho / (rhoold * rhobarold)
		f2 := zeta / (rho * rhobar)
		f3 := thetanew / rho
		for i := range h {
			hbar[i] = h[i] - f1*hbar[i]
			y[i] += f2 * hbar[i]
			h[i] = v[i] - f3*h[i]
		}

		// Estimate |r|.
		betaacute := chat * betadd
		betacheck := -shat * betadd
		betahat := c * betaacute
		betadd = -s * betaacute

		thetatildeold := thetatilde
		var ctildeold, stildeold, rhotildeold float64
		ctildeold, stildeold, rhotildeold = symOrtho(rhodold, thetabar)
		thetatilde = stildeold * rhobar
		rhodold = ctildeold * rhobar
		betad = -stildeold*betad + ctildeold*betahat

		tautildeold = (zetaold - thetatildeold*tautildeold) / rhotildeold
		taud := (zeta - thetatilde*tautildeold) / rhodold
		d += betacheck * betacheck
		normr = math.Sqrt(d + (betad-taud)*(betad-taud) + betadd*betadd)

		// Estimate |A|.
		normA2 += beta * beta
		normA := math.Sqrt(normA2)
		normA2 += alpha * alpha

		// Estimate cond(A).
		if rhobarold > maxrbar {
			maxrbar = rhobarold
		}
		if itn > 1 && rhobarold < minrbar {
			minrbar = rhobarold
		}
		condA := math.Max(maxrbar, rhotemp) / math.Min(minrbar, rhotemp)

		normar := math.Abs(zetabar)
		normx := floats.Norm(y, 2)

		test1 := normr / normb
		test2 := math.Inf(1)
		if normA*normr != 0 {
			test2 = normar / (normA * normr)
		}
		test3 := 1 / condA
		t1 := test1 / (1 + normA*normx/normb)
		rtol := btol + atol*normA*normx/normb

		// The ordering makes the tightest satisfied test win; the first
		// block guards against tolerances set to zero, acting as if
		// atol = btol = eps.
		if itn >= maxiter {
			istop = 7
		}
		if 1+test3 <= 1 {
			istop = 6
		}
		if 1+test2 <= 1 {
			istop = 5
		}
		if 1+t1 <= 1 {
			istop = 4
		}
		if test3 <= ctol {
			istop = 3
		}
		if test2 <= atol {
			istop = 2
		}
		if test1 <= rtol {
			istop = 1
		}
		if istop > 0 {
			break
		}
	}
	return istop, itn, normr
}

// symOrtho is a stable Givens rotation, the SymOrtho routine recommended by
// Choi for MINRES/LSMR style solvers.
func symOrtho(a, b float64) (c, s, r float64) {
	switch {
	case b == 0:
		return sign(a), 0, math.Abs(a)
	case a == 0:
		return 0, sign(b), math.Abs(b)
	case math.Abs(b) > math.Abs(a):
		tau := a / b
		s = sign(b) / math.Sqrt(1+tau*tau)
		c = s * tau
		r = b / s
	default:
		tau := b / a
		c = sign(a) / math.Sqrt(1+tau*tau)
		s = c * tau
		r = a / c
	}
	return c, s, r
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
