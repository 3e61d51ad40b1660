package cpd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polyadic/polyadic/internal/tensor"
)

func TestTruncateZeroEnergyIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(60))
	target := randomTensor([]int{5, 4, 3}, rng)
	mlsvd, err := HOSVD(target)
	require.NoError(t, err)

	out := truncate(mlsvd, 2, 0)
	require.Equal(t, mlsvd.MultiRank, out.MultiRank)
	require.Equal(t, mlsvd.Core.Dims(), out.Core.Dims())
	require.Equal(t, mlsvd.Core.Data(), out.Core.Data())
}

func TestTruncateNeverCutsBelowRank(t *testing.T) {
	rng := rand.New(rand.NewSource(61))
	target := randomTensor([]int{6, 5, 4}, rng)
	mlsvd, err := HOSVD(target)
	require.NoError(t, err)

	// Discarding all of the energy would empty every mode without the rank
	// floor.
	out := truncate(mlsvd, 3, 100)
	for l, keep := range out.MultiRank {
		require.GreaterOrEqualf(t, keep, 3, "mode %d", l)
		require.LessOrEqual(t, keep, mlsvd.MultiRank[l])
	}
	require.Equal(t, out.MultiRank, out.Core.Dims())
}

func TestTruncateRespectsEnergyBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(62))
	target := randomTensor([]int{6, 6, 6}, rng)
	mlsvd, err := HOSVD(target)
	require.NoError(t, err)

	energy := 5.0
	out := truncate(mlsvd, 1, energy)
	for l, s := range mlsvd.Sigmas {
		total := 0.0
		for _, sv := range s {
			total += sv * sv
		}
		dropped := 0.0
		for _, sv := range s[out.MultiRank[l]:] {
			dropped += sv * sv
		}
		require.LessOrEqualf(t, dropped, total*energy/100, "mode %d", l)
	}
}

func TestTruncateSharesNothingWithInput(t *testing.T) {
	rng := rand.New(rand.NewSource(63))
	target := randomTensor([]int{4, 4, 4}, rng)
	mlsvd, err := HOSVD(target)
	require.NoError(t, err)

	out := truncate(mlsvd, 2, 0)
	out.Core.Data()[0] += 1
	out.Sigmas[0][0] += 1
	out.Bases[0].Set(0, 0, out.Bases[0].At(0, 0)+1)

	rebuilt := tensor.MultilinearMul(mlsvd.Core, mlsvd.Bases)
	require.Equal(t, target.Dims(), rebuilt.Dims())
	require.NotEqual(t, out.Core.Data()[0], mlsvd.Core.Data()[0])
	require.NotEqual(t, out.Sigmas[0][0], mlsvd.Sigmas[0][0])
	require.NotEqual(t, out.Bases[0].At(0, 0), mlsvd.Bases[0].At(0, 0))
}

func TestCornerExtractsLeadingBlock(t *testing.T) {
	src := tensor.New(3, 3, 3)
	idx := make([]int, 3)
	for i := 0; i < src.Size(); i++ {
		src.Set(float64(100*idx[0]+10*idx[1]+idx[2]), idx...)
		for l := 2; l >= 0; l-- {
			idx[l]++
			if idx[l] < 3 {
				break
			}
			idx[l] = 0
		}
	}

	got := corner(src, []int{2, 2, 2})
	require.Equal(t, []int{2, 2, 2}, got.Dims())
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				require.Equal(t, float64(100*i+10*j+k), got.At(i, j, k))
			}
		}
	}
}
