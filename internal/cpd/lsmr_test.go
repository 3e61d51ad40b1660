package cpd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestLSMRZeroRHS(t *testing.T) {
	rng := rand.New(rand.NewSource(20))
	dims := []int{3, 4, 5}
	rank := 2

	factors := randomFactors(dims, rank, rng)
	ws := newWorkspace(dims, rank)
	ws.refresh(factors)
	ws.refreshKR()

	y := make([]float64, ws.nParams)
	grad := make([]float64, ws.nParams)
	b := make([]float64, ws.size)

	istop, itn, normr := lsmrSolve(ws, y, grad, b, 1e-6, 1e-6, 50)

	require.Equal(t, 0, istop)
	require.Equal(t, 0, itn)
	require.Equal(t, 0.0, normr)
	for i, v := range y {
		require.Equal(t, 0.0, v, "step entry %d", i)
	}
}

func TestLSMRReducesLeastSquaresResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	dims := []int{3, 4, 5}
	rank := 2

	factors := randomFactors(dims, rank, rng)
	ws := newWorkspace(dims, rank)
	ws.refresh(factors)
	ws.refreshKR()

	b := make([]float64, ws.size)
	for i := range b {
		b[i] = rng.NormFloat64()
	}
	y := make([]float64, ws.nParams)
	grad := make([]float64, ws.nParams)

	istop, itn, normr := lsmrSolve(ws, y, grad, b, 1e-8, 1e-8, ws.nParams)

	require.Greater(t, itn, 0)
	require.GreaterOrEqual(t, istop, 1)
	require.LessOrEqual(t, istop, 7)

	// The returned normr estimate must agree with the true residual.
	jy := make([]float64, ws.size)
	ws.matVec(jy, y)
	floats.Sub(jy, b)
	floats.Scale(-1, jy) // jy = b - J y
	trueNormr := floats.Norm(jy, 2)
	require.InDelta(t, trueNormr, normr, 1e-6*(1+trueNormr))

	// At the least-squares solution the normal-equations residual is zero.
	res := make([]float64, ws.nParams)
	ws.matVecTrans(res, jy)
	require.Less(t, floats.Norm(res, 2)/floats.Norm(b, 2), 1e-5)
}

func TestLSMRGradIsNormalizedAdjointOfRHS(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	dims := []int{3, 3, 3}
	rank := 2

	factors := randomFactors(dims, rank, rng)
	ws := newWorkspace(dims, rank)
	ws.refresh(factors)
	ws.refreshKR()

	b := make([]float64, ws.size)
	for i := range b {
		b[i] = rng.NormFloat64()
	}
	y := make([]float64, ws.nParams)
	grad := make([]float64, ws.nParams)

	_, _, _ = lsmrSolve(ws, y, grad, b, 1e-6, 1e-6, 30)

	// grad is the unit-norm direction of J^T b.
	want := make([]float64, ws.nParams)
	ws.matVecTrans(want, b)
	floats.Scale(1/floats.Norm(want, 2), want)

	require.InDelta(t, 0.0, floats.Distance(want, grad, 2), 1e-10)
}

func TestSymOrtho(t *testing.T) {
	cases := [][2]float64{
		{0, 0}, {1, 0}, {0, 1}, {-2, 0}, {0, -3},
		{3, 4}, {-3, 4}, {1e-8, 1e8}, {5, 5},
	}
	for _, tc := range cases {
		c, s, r := symOrtho(tc[0], tc[1])
		// The rotation zeroes the second component and preserves length.
		require.InDelta(t, c*tc[0]+s*tc[1], r, 1e-12*(1+math.Abs(r)))
		require.InDelta(t, -s*tc[0]+c*tc[1], 0, 1e-9*(1+math.Abs(r)))
		if tc[0] != 0 || tc[1] != 0 {
			require.InDelta(t, 1.0, c*c+s*s, 1e-12)
		}
	}
}
