package cpd

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

func TestDecomposeRecoversExactRankTensor(t *testing.T) {
	rng := rand.New(rand.NewSource(80))
	target, _ := exactRankTensor([]int{6, 5, 4}, 2, rng)
	floats.Scale(10, target.Data())

	opts := DefaultOptions()
	opts.Tol = 1e-10
	opts.RNG = rng

	f, err := Decompose(context.Background(), target, 2, opts)
	require.NoError(t, err)
	require.Less(t, f.RelErr, 1e-6)
	require.Len(t, f.Lambda, 2)
	require.Len(t, f.Factors, 3)
	require.Equal(t, target.Dims(), f.Approx.Dims())

	// Factors come back with unit columns, weights in Lambda.
	for _, fac := range f.Factors {
		d, rank := fac.Dims()
		for r := 0; r < rank; r++ {
			s := 0.0
			for i := 0; i < d; i++ {
				s += fac.At(i, r) * fac.At(i, r)
			}
			require.InDelta(t, 1, math.Sqrt(s), 1e-10)
		}
	}

	// Lambda weighting reconstructs Approx.
	weighted := make([]*mat.Dense, len(f.Factors))
	for l, fac := range f.Factors {
		weighted[l] = mat.DenseCopyOf(fac)
	}
	d0, _ := weighted[0].Dims()
	for r, lam := range f.Lambda {
		for i := 0; i < d0; i++ {
			weighted[0].Set(i, r, lam*weighted[0].At(i, r))
		}
	}
	rebuilt := tensor.FromCPD(weighted)
	require.InDelta(t, 0,
		floats.Distance(f.Approx.Data(), rebuilt.Data(), 2)/target.Norm(), 1e-10)
}

func TestDecomposeNoisyTensor(t *testing.T) {
	rng := rand.New(rand.NewSource(81))
	target, _ := exactRankTensor([]int{4, 4, 4}, 2, rng)
	data := target.Data()
	floats.Scale(1/target.Norm(), data)
	for i := range data {
		data[i] += 1e-8 * rng.NormFloat64()
	}

	opts := DefaultOptions()
	opts.Tol = 1e-8
	opts.MaxIter = 200
	opts.RNG = rng

	f, err := Decompose(context.Background(), target, 2, opts)
	require.NoError(t, err)
	require.Less(t, f.RelErr, 1e-5)
}

func TestDecomposeWithALS(t *testing.T) {
	rng := rand.New(rand.NewSource(82))
	target, _ := exactRankTensor([]int{5, 4, 4}, 2, rng)
	floats.Scale(10, target.Data())

	opts := DefaultOptions()
	opts.Method = MethodALS
	opts.Tol = 1e-10
	opts.MaxIter = 300
	opts.RNG = rng

	f, err := Decompose(context.Background(), target, 2, opts)
	require.NoError(t, err)
	require.Less(t, f.RelErr, 1e-4)
}

func TestDecomposeRejectsLowOrder(t *testing.T) {
	m := tensor.New(4, 5)
	_, err := Decompose(context.Background(), m, 2, DefaultOptions())
	require.ErrorIs(t, err, ErrOrder)
}

func TestDecomposeRejectsInfeasibleRank(t *testing.T) {
	rng := rand.New(rand.NewSource(83))
	target := randomTensor([]int{2, 2, 2}, rng)

	_, err := Decompose(context.Background(), target, 5, DefaultOptions())
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, 5, ce.Rank)
}

func TestDecomposeRejectsFixedFactors(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	target := randomTensor([]int{3, 3, 3}, rng)

	opts := DefaultOptions()
	opts.FixedFactors = []*mat.Dense{mat.NewDense(3, 2, nil), nil, nil}
	_, err := Decompose(context.Background(), target, 2, opts)
	require.ErrorIs(t, err, ErrBadOptions)
}

func TestDecomposeRejectsBadOptions(t *testing.T) {
	rng := rand.New(rand.NewSource(85))
	target := randomTensor([]int{3, 3, 3}, rng)

	for _, mutate := range []func(*Options){
		func(o *Options) { o.MaxIter = 0 },
		func(o *Options) { o.Tol = -1 },
		func(o *Options) { o.Energy = 101 },
		func(o *Options) { o.InitDamp = 0 },
	} {
		opts := DefaultOptions()
		mutate(&opts)
		_, err := Decompose(context.Background(), target, 2, opts)
		require.ErrorIs(t, err, ErrBadOptions)
	}
}

func TestDecomposeSymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(86))
	// Symmetric rank-2 target: identical factors on every mode.
	f := mat.NewDense(4, 2, nil)
	for i := 0; i < 4; i++ {
		for r := 0; r < 2; r++ {
			f.Set(i, r, rng.NormFloat64())
		}
	}
	target := tensor.FromCPD([]*mat.Dense{f, f, f})

	opts := DefaultOptions()
	opts.Symmetric = true
	opts.Tol = 1e-10
	opts.RNG = rng

	out, err := Decompose(context.Background(), target, 2, opts)
	require.NoError(t, err)
	require.Less(t, out.RelErr, 1e-4)
}

func TestDecomposeRefinesWithoutTruncation(t *testing.T) {
	// Even when truncation is a no-op the refinement stage still runs, at
	// the tighter RefineTol, so a looser main tolerance cannot cap the
	// final accuracy.
	rng := rand.New(rand.NewSource(87))
	target, _ := exactRankTensor([]int{4, 4, 4}, 2, rng)
	floats.Scale(10, target.Data())

	opts := DefaultOptions()
	opts.Energy = 0
	opts.Tol = 1e-3
	opts.RefineTol = 1e-10
	opts.RNG = rng

	f, err := Decompose(context.Background(), target, 2, opts)
	require.NoError(t, err)
	require.NotNil(t, f.Refine)
	require.NotEqual(t, StopNoRefinement, f.Refine.Stop)
	require.NotEmpty(t, f.Refine.Errors)
	require.Less(t, f.RelErr, 1e-6)
}

func TestOptimizeKeepsFixedFactor(t *testing.T) {
	rng := rand.New(rand.NewSource(88))
	target, gen := exactRankTensor([]int{4, 4, 4}, 2, rng)

	fixed := mat.DenseCopyOf(gen[0])
	opts := DefaultOptions()
	opts.MaxIter = 30
	opts.FixedFactors = []*mat.Dense{fixed, nil, nil}
	opts.RNG = rng

	start := randomFactors(target.Dims(), 2, rng)
	start[0].Copy(fixed)
	out, tr, err := Optimize(context.Background(), target, start, opts)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.True(t, mat.Equal(fixed, out[0]))

	// Optimize works on copies; the caller's factors stay untouched.
	require.True(t, mat.Equal(fixed, start[0]))
}

func TestOptimizeRejectsFactorCountMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(89))
	target := randomTensor([]int{3, 3, 3}, rng)
	factors := randomFactors([]int{3, 3}, 2, rng)
	_, _, err := Optimize(context.Background(), target, factors, DefaultOptions())
	require.ErrorIs(t, err, ErrBadOptions)
}

func TestNormalizeFactorsReturnsColumnNormProducts(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{3, 0, 4, 0})
	b := mat.NewDense(2, 2, []float64{2, 1, 0, 0})
	lambda := normalizeFactors([]*mat.Dense{a, b})
	require.InDelta(t, 10, lambda[0], 1e-12) // 5 * 2
	require.InDelta(t, 0, lambda[1], 1e-12)  // zero column zeroes the weight
	require.InDelta(t, 0.6, a.At(0, 0), 1e-12)
	require.InDelta(t, 1, b.At(0, 0), 1e-12)
}

func TestEstimateRankFindsPlateau(t *testing.T) {
	rng := rand.New(rand.NewSource(90))
	target, _ := exactRankTensor([]int{4, 4, 4}, 2, rng)
	floats.Scale(10, target.Data())

	opts := DefaultOptions()
	opts.Tol = 1e-9
	opts.MaxIter = 100
	opts.RNG = rng

	rank, errs, err := EstimateRank(context.Background(), target, opts)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	require.GreaterOrEqual(t, rank, 1)
	require.LessOrEqual(t, rank, 4)
}

func TestEstimateRankRejectsLowOrder(t *testing.T) {
	_, _, err := EstimateRank(context.Background(), tensor.New(3, 3), DefaultOptions())
	require.ErrorIs(t, err, ErrOrder)
}

func TestStatsRunsAllTrials(t *testing.T) {
	rng := rand.New(rand.NewSource(91))
	target, _ := exactRankTensor([]int{4, 4, 4}, 2, rng)
	floats.Scale(10, target.Data())

	opts := DefaultOptions()
	opts.MaxIter = 30
	opts.RNG = rng

	results, err := Stats(context.Background(), target, 2, 5, opts)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		require.Falsef(t, math.IsNaN(res.RelErr), "trial %d failed", i)
		require.Greater(t, res.Duration, time.Duration(0))
	}
}

func TestStatsMarksFailedTrials(t *testing.T) {
	// Rank 5 is infeasible on a 2x2x2 tensor, so every trial errors out.
	// The results must say so instead of dressing the zero value up as a
	// step-size stop.
	rng := rand.New(rand.NewSource(93))
	target := randomTensor([]int{2, 2, 2}, rng)

	opts := DefaultOptions()
	opts.RNG = rng

	results, err := Stats(context.Background(), target, 5, 3, opts)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		require.Errorf(t, res.Err, "trial %d", i)
		require.Equalf(t, StopFailed, res.Stop, "trial %d", i)
		require.Truef(t, math.IsNaN(res.RelErr), "trial %d", i)
	}
}

func TestStatsHonorsCancellation(t *testing.T) {
	rng := rand.New(rand.NewSource(92))
	target, _ := exactRankTensor([]int{4, 4, 4}, 2, rng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Stats(ctx, target, 2, 4, DefaultOptions())
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}
