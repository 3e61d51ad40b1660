package tensorio

import (
	"bufio"
	"fmt"
	"io"

	"github.com/polyadic/polyadic/internal/tensor"
)

// WriteMatrixMarket exports the mode-0 unfolding of t as matrix-market
// coordinate triples (1-based row, column, value), skipping exact zeros.
// The format is deliberately lowest-common-denominator so the tensor can be
// inspected with anything that reads sparse matrices.
func WriteMatrixMarket(w io.Writer, t *tensor.Dense) error {
	unf := t.Unfold(0)
	rows, cols := unf.Dims()

	nnz := 0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if unf.At(i, j) != 0 {
				nnz++
			}
		}
	}

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, "%%MatrixMarket matrix coordinate real general"); err != nil {
		return fmt.Errorf("tensorio: writing header: %w", err)
	}
	if _, err := fmt.Fprintf(bw, "%d %d %d\n", rows, cols, nnz); err != nil {
		return fmt.Errorf("tensorio: writing header: %w", err)
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := unf.At(i, j)
			if v == 0 {
				continue
			}
			if _, err := fmt.Fprintf(bw, "%d %d %.17g\n", i+1, j+1, v); err != nil {
				return fmt.Errorf("tensorio: writing entry: %w", err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("tensorio: flushing output: %w", err)
	}
	return nil
}
