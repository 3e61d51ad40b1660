package cpd

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/tensor"
)

// workspace owns every scratch buffer of one optimization run: the cached
// Gramians and Khatri-Rao blocks recomputed each outer iteration, the
// Tikhonov diagonal and preconditioner, and the per-mode matrix scratch the
// Jacobian-free operators write into. Nothing here survives the run.
type workspace struct {
	dims    []int
	rank    int
	size    int // prod(dims)
	nParams int // rank * sum(dims)
	offsets []int

	factors []*mat.Dense

	grams      []*mat.Dense   // F_l^T F_l
	gammas     []*mat.Dense   // Hadamard of all grams except l
	gammaPairs [][]*mat.Dense // [l][m], m>l: Hadamard of all grams except l,m
	krs        []*mat.Dense   // Khatri-Rao of all factors except l
	colNorms   [][]float64    // per-mode factor column norms

	tik     []float64 // Tikhonov diagonal
	precond []float64 // reciprocal-sqrt diagonal preconditioner

	rr     *mat.Dense   // rank x rank scratch
	cross  []*mat.Dense // rank x rank scratch, one per mode (V_m^T F_m)
	blocks []*mat.Dense // rank x dims[l] scratch
	unfs   []*mat.Dense // dims[l] x size/dims[l] scratch
	dimR   []*mat.Dense // dims[l] x rank scratch
}

func newWorkspace(dims []int, rank int) *workspace {
	ws := &workspace{
		dims: append([]int(nil), dims...),
		rank: rank,
		size: 1,
	}
	ws.offsets = make([]int, len(dims)+1)
	for l, d := range dims {
		ws.size *= d
		ws.offsets[l+1] = ws.offsets[l] + rank*d
	}
	ws.nParams = ws.offsets[len(dims)]

	L := len(dims)
	ws.gammas = make([]*mat.Dense, L)
	ws.gammaPairs = make([][]*mat.Dense, L)
	ws.krs = make([]*mat.Dense, L)
	ws.colNorms = make([][]float64, L)
	ws.cross = make([]*mat.Dense, L)
	ws.blocks = make([]*mat.Dense, L)
	ws.unfs = make([]*mat.Dense, L)
	ws.dimR = make([]*mat.Dense, L)
	for l, d := range dims {
		ws.colNorms[l] = make([]float64, rank)
		ws.cross[l] = mat.NewDense(rank, rank, nil)
		ws.blocks[l] = mat.NewDense(rank, d, nil)
		ws.unfs[l] = mat.NewDense(d, ws.size/d, nil)
		ws.dimR[l] = mat.NewDense(d, rank, nil)
	}
	ws.rr = mat.NewDense(rank, rank, nil)
	ws.tik = make([]float64, ws.nParams)
	ws.precond = make([]float64, ws.nParams)
	return ws
}

// blockView returns block l of the flat parameter vector x as a rank x
// dims[l] matrix. The per-factor layout is column-major, so the block is
// exactly F_l^T in row-major order; the view shares x's memory.
func (ws *workspace) blockView(x []float64, l int) *mat.Dense {
	return mat.NewDense(ws.rank, ws.dims[l], x[ws.offsets[l]:ws.offsets[l+1]])
}

// vecFactors flattens the factors into x under the fixed bijection.
func (ws *workspace) vecFactors(x []float64, factors []*mat.Dense) {
	for l, f := range factors {
		blk := x[ws.offsets[l]:ws.offsets[l+1]]
		d := ws.dims[l]
		for r := 0; r < ws.rank; r++ {
			for i := 0; i < d; i++ {
				blk[r*d+i] = f.At(i, r)
			}
		}
	}
}

// devecFactors is the inverse of vecFactors.
func (ws *workspace) devecFactors(factors []*mat.Dense, x []float64) {
	for l, f := range factors {
		blk := x[ws.offsets[l]:ws.offsets[l+1]]
		d := ws.dims[l]
		for r := 0; r < ws.rank; r++ {
			for i := 0; i < d; i++ {
				f.Set(i, r, blk[r*d+i])
			}
		}
	}
}

// refresh recomputes the Gramian cache from the current factors: per-mode
// Gramians, their leave-one-out and leave-two-out Hadamard products, and the
// factor column norms.
func (ws *workspace) refresh(factors []*mat.Dense) {
	ws.factors = factors
	L := len(ws.dims)
	ws.grams = tensor.Gramians(factors)
	for l := 0; l < L; l++ {
		ws.gammas[l] = tensor.GramProductExcept(ws.grams, l)
		ws.gammaPairs[l] = make([]*mat.Dense, L)
		for m := l + 1; m < L; m++ {
			ws.gammaPairs[l][m] = tensor.GramProductExcept(ws.grams, l, m)
		}
		for r := 0; r < ws.rank; r++ {
			ws.colNorms[l][r] = math.Sqrt(ws.grams[l].At(r, r))
		}
	}
}

// refreshKR recomputes the per-mode Khatri-Rao blocks W_l used by the
// Jacobian forward/adjoint operators.
func (ws *workspace) refreshKR() {
	L := len(ws.dims)
	rest := make([]*mat.Dense, 0, L-1)
	for l := 0; l < L; l++ {
		rest = rest[:0]
		for m := 0; m < L; m++ {
			if m != l {
				rest = append(rest, ws.factors[m])
			}
		}
		ws.krs[l] = tensor.KhatriRaoList(rest)
	}
}

func (ws *workspace) gammaPair(l, m int) *mat.Dense {
	if l > m {
		l, m = m, l
	}
	return ws.gammaPairs[l][m]
}

// applyNormal computes dst = (J^T J) v without materializing the Jacobian,
// using the cached Gramians. In block form, with V_l the mode-l slice of v
// and Gamma the leave-out Hadamard products of Gramians:
//
//	(J^T J v)_l = V_l*Gamma_l + F_l * sum_{m != l} Gamma_{lm} .* (V_m^T F_m)
func (ws *workspace) applyNormal(dst, v []float64) {
	L := len(ws.dims)
	// cross[m] = V_m^T F_m.
	for m := 0; m < L; m++ {
		ws.cross[m].Mul(ws.blockView(v, m), ws.factors[m])
	}
	for l := 0; l < L; l++ {
		out := ws.blockView(dst, l)
		// Diagonal block, transposed layout: Gamma_l * V_l^T.
		out.Mul(ws.gammas[l], ws.blockView(v, l))
		for m := 0; m < L; m++ {
			if m == l {
				continue
			}
			// (Gamma_{lm} .* (F_m^T V_m)) * F_l^T; F_m^T V_m is cross[m]
			// transposed.
			g := ws.gammaPair(l, m)
			for i := 0; i < ws.rank; i++ {
				for j := 0; j < ws.rank; j++ {
					ws.rr.Set(i, j, g.At(i, j)*ws.cross[m].At(j, i))
				}
			}
			ws.blocks[l].Mul(ws.rr, ws.factors[l].T())
			out.Add(out, ws.blocks[l])
		}
	}
}

// matVec computes dst = J v, the forward action of the residual Jacobian on
// a parameter-space vector, as a sum of folded rank-structured products.
// Requires refreshKR.
func (ws *workspace) matVec(dst, v []float64) {
	for i := range dst {
		dst[i] = 0
	}
	out := tensor.FromSlice(ws.dims, dst)
	for l := range ws.dims {
		p := ws.unfs[l]
		p.Mul(ws.blockView(v, l).T(), ws.krs[l].T())
		out.AddFolded(p, l, -1)
	}
}

// matVecTrans computes dst = J^T u for a residual-space vector u.
// Requires refreshKR.
func (ws *workspace) matVecTrans(dst, u []float64) {
	ut := tensor.FromSlice(ws.dims, u)
	for l, d := range ws.dims {
		unf := ut.Unfold(l)
		ws.dimR[l].Mul(unf, ws.krs[l])
		blk := dst[ws.offsets[l]:ws.offsets[l+1]]
		for r := 0; r < ws.rank; r++ {
			for i := 0; i < d; i++ {
				blk[r*d+i] = -ws.dimR[l].At(i, r)
			}
		}
	}
}
