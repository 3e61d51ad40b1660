package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MultilinearMul applies one basis matrix per mode to s and returns
// (U_0,...,U_{L-1})*s. Each U_l must have as many columns as s has rows
// along mode l; the result has U_l's row count along mode l. Passing the
// transposed bases of an orthogonal family inverts the product.
func MultilinearMul(s *Dense, bases []*mat.Dense) *Dense {
	if len(bases) != s.Order() {
		panic(fmt.Sprintf("tensor: %d bases for order-%d tensor", len(bases), s.Order()))
	}
	cur := s
	for l, u := range bases {
		rows, cols := u.Dims()
		if cols != cur.Dim(l) {
			panic(fmt.Sprintf("tensor: basis %d has %d columns, mode has size %d", l, cols, cur.Dim(l)))
		}
		unf := cur.Unfold(l)
		_, unfCols := unf.Dims()
		prod := mat.NewDense(rows, unfCols, nil)
		prod.Mul(u, unf)

		dims := append([]int(nil), cur.Dims()...)
		dims[l] = rows
		cur = Fold(prod, l, dims)
	}
	return cur
}

// FromCPD reconstructs the tensor sum_r F_0[:,r] o ... o F_{L-1}[:,r] from
// its factor matrices.
func FromCPD(factors []*mat.Dense) *Dense {
	dims := make([]int, len(factors))
	for l, f := range factors {
		dims[l], _ = f.Dims()
	}
	t := New(dims...)
	ReconstructInto(t, factors)
	return t
}

// ReconstructInto writes the CPD reconstruction into dst, which must already
// have the factor row counts as dimensions. The mode-0 unfolding coincides
// with the flat row-major layout, so the result is a single matrix product
// F_0 * KhatriRao(F_1,...,F_{L-1})^T written straight into dst's backing
// slice.
func ReconstructInto(dst *Dense, factors []*mat.Dense) {
	if len(factors) != dst.Order() {
		panic(fmt.Sprintf("tensor: %d factors for order-%d tensor", len(factors), dst.Order()))
	}
	for l, f := range factors {
		rows, _ := f.Dims()
		if rows != dst.Dim(l) {
			panic(fmt.Sprintf("tensor: factor %d has %d rows, mode has size %d", l, rows, dst.Dim(l)))
		}
	}
	if len(factors) == 1 {
		f := factors[0]
		rows, r := f.Dims()
		for i := 0; i < rows; i++ {
			s := 0.0
			for c := 0; c < r; c++ {
				s += f.At(i, c)
			}
			dst.data[i] = s
		}
		return
	}
	w := KhatriRaoList(factors[1:])
	out := mat.NewDense(dst.Dim(0), dst.Size()/dst.Dim(0), dst.data)
	out.Mul(factors[0], w.T())
}
