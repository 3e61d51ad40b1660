package tensorio

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polyadic/polyadic/internal/tensor"
)

func TestWriteMatrixMarketFormat(t *testing.T) {
	src := tensor.New(2, 2, 2)
	src.Set(1.5, 0, 0, 0)
	src.Set(-2, 0, 1, 1)
	src.Set(3, 1, 0, 1)

	var buf bytes.Buffer
	require.NoError(t, WriteMatrixMarket(&buf, src))

	sc := bufio.NewScanner(&buf)
	require.True(t, sc.Scan())
	require.Equal(t, "%%MatrixMarket matrix coordinate real general", sc.Text())

	require.True(t, sc.Scan())
	require.Equal(t, "2 4 3", sc.Text())

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 3)

	// Entries are 1-based coordinates into the mode-0 unfolding, where
	// tensor index (i,j,k) lands at row i, column j*2+k.
	require.Equal(t, "1 1 1.5", lines[0])
	require.Equal(t, "1 4 -2", lines[1])
	require.Equal(t, "2 2 3", lines[2])
}

func TestWriteMatrixMarketSkipsZeros(t *testing.T) {
	src := tensor.New(3, 3, 3)
	src.Set(7, 1, 1, 1)

	var buf bytes.Buffer
	require.NoError(t, WriteMatrixMarket(&buf, src))

	out := buf.String()
	require.Contains(t, out, "3 9 1\n")
	require.Equal(t, 3, strings.Count(out, "\n"))
}

func TestWriteMatrixMarketValuesSurviveReparse(t *testing.T) {
	src := tensor.New(2, 2, 2)
	src.Set(1.0/3.0, 1, 1, 0)

	var buf bytes.Buffer
	require.NoError(t, WriteMatrixMarket(&buf, src))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	var i, j int
	var v float64
	_, err := fmt.Sscanf(lines[2], "%d %d %g", &i, &j, &v)
	require.NoError(t, err)
	require.Equal(t, 2, i)
	require.Equal(t, 3, j)
	// %.17g prints enough digits for an exact float64 round trip.
	require.Equal(t, 1.0/3.0, v)
}
