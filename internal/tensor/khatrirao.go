package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// KhatriRao returns the column-wise Kronecker product of a (p x R) and
// b (q x R): a (p*q x R) matrix with row index i*q+j holding a[i,:]*b[j,:].
// The interleaving (rows of a slow, rows of b fast) matches the row-major
// unfolding convention; the output never aliases the inputs.
func KhatriRao(a, b mat.Matrix) *mat.Dense {
	p, ra := a.Dims()
	q, rb := b.Dims()
	if ra != rb {
		panic(fmt.Sprintf("tensor: khatri-rao column mismatch %d vs %d", ra, rb))
	}
	out := mat.NewDense(p*q, ra, nil)
	raw := out.RawMatrix()
	parallelRange(p, func(start, end int) {
		for i := start; i < end; i++ {
			for j := 0; j < q; j++ {
				row := raw.Data[(i*q+j)*raw.Stride : (i*q+j)*raw.Stride+ra]
				for r := 0; r < ra; r++ {
					row[r] = a.At(i, r) * b.At(j, r)
				}
			}
		}
	})
	return out
}

// KhatriRaoList folds KhatriRao over the given matrices in order, so the
// first matrix varies slowest.
func KhatriRaoList(ms []*mat.Dense) *mat.Dense {
	if len(ms) == 0 {
		panic("tensor: khatri-rao of empty list")
	}
	out := ms[0]
	for _, m := range ms[1:] {
		out = KhatriRao(out, m)
	}
	if out == ms[0] {
		out = mat.DenseCopyOf(ms[0])
	}
	return out
}

// Hadamard returns the entrywise product of two equally shaped matrices.
func Hadamard(a, b mat.Matrix) *mat.Dense {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("tensor: hadamard shape mismatch %dx%d vs %dx%d", ar, ac, br, bc))
	}
	out := mat.NewDense(ar, ac, nil)
	out.MulElem(a, b)
	return out
}

// Gramians computes G_l = F_l^T F_l for each factor.
func Gramians(factors []*mat.Dense) []*mat.Dense {
	grams := make([]*mat.Dense, len(factors))
	for l, f := range factors {
		_, r := f.Dims()
		g := mat.NewDense(r, r, nil)
		g.Mul(f.T(), f)
		grams[l] = g
	}
	return grams
}

// GramProductExcept returns the Hadamard product of all Gramians whose mode
// is not listed in skip. With a single skipped mode this is the diagonal
// normal-equation block for that mode.
func GramProductExcept(grams []*mat.Dense, skip ...int) *mat.Dense {
	r, _ := grams[0].Dims()
	out := mat.NewDense(r, r, nil)
	for i := range out.RawMatrix().Data {
		out.RawMatrix().Data[i] = 1
	}
	for l, g := range grams {
		skipped := false
		for _, s := range skip {
			if l == s {
				skipped = true
				break
			}
		}
		if !skipped {
			out.MulElem(out, g)
		}
	}
	return out
}
