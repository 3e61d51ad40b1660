// Package tensor provides dense N-dimensional arrays of float64 together with
// the multilinear-algebra primitives used by the CPD solvers: unfolding and
// folding along arbitrary modes, Khatri-Rao products, Gramians and multilinear
// (Tucker) products.
//
// Layout is row-major with the last index varying fastest. Every routine in
// this package and in the solvers above it relies on that single convention;
// unfold columns enumerate the remaining modes in the same order, so
// Fold(Unfold(T, l), l, dims) is an exact (bit-for-bit) round trip.
package tensor

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// numWorkers defines the default parallelism for tensor kernels.
var numWorkers = runtime.NumCPU()

// Dense is a dense N-dimensional tensor of float64.
type Dense struct {
	dims    []int
	strides []int
	data    []float64
}

// New returns a zero tensor with the given dimensions.
func New(dims ...int) *Dense {
	checkDims(dims)
	t := &Dense{
		dims:    append([]int(nil), dims...),
		strides: computeStrides(dims),
	}
	t.data = make([]float64, t.Size())
	return t
}

// FromSlice wraps data as a tensor with the given dimensions. The slice is
// used directly, not copied; len(data) must equal the product of dims.
func FromSlice(dims []int, data []float64) *Dense {
	checkDims(dims)
	size := 1
	for _, d := range dims {
		size *= d
	}
	if len(data) != size {
		panic(fmt.Sprintf("tensor: data length %d does not match dims %v", len(data), dims))
	}
	return &Dense{
		dims:    append([]int(nil), dims...),
		strides: computeStrides(dims),
		data:    data,
	}
}

func checkDims(dims []int) {
	if len(dims) == 0 {
		panic("tensor: empty dimension list")
	}
	for _, d := range dims {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: non-positive dimension in %v", dims))
		}
	}
}

// computeStrides returns row-major strides (last index fastest).
func computeStrides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for l := len(dims) - 1; l >= 0; l-- {
		s[l] = acc
		acc *= dims[l]
	}
	return s
}

// Order returns the number of modes.
func (t *Dense) Order() int { return len(t.dims) }

// Dims returns the tensor dimensions. The returned slice must not be mutated.
func (t *Dense) Dims() []int { return t.dims }

// Dim returns the size of mode l.
func (t *Dense) Dim(l int) int { return t.dims[l] }

// Size returns the total number of entries.
func (t *Dense) Size() int {
	size := 1
	for _, d := range t.dims {
		size *= d
	}
	return size
}

// Data returns the backing slice in row-major order.
func (t *Dense) Data() []float64 { return t.data }

// At returns the entry at the given multi-index.
func (t *Dense) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

// Set assigns the entry at the given multi-index.
func (t *Dense) Set(v float64, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Dense) offset(idx []int) int {
	if len(idx) != len(t.dims) {
		panic(fmt.Sprintf("tensor: index order %d does not match tensor order %d", len(idx), len(t.dims)))
	}
	off := 0
	for l, i := range idx {
		if i < 0 || i >= t.dims[l] {
			panic(fmt.Sprintf("tensor: index %v out of range for dims %v", idx, t.dims))
		}
		off += i * t.strides[l]
	}
	return off
}

// Clone returns a deep copy of t.
func (t *Dense) Clone() *Dense {
	c := New(t.dims...)
	copy(c.data, t.data)
	return c
}

// Norm returns the Frobenius norm of t.
func (t *Dense) Norm() float64 {
	return floats.Norm(t.data, 2)
}

// AbsMean returns the mean of the absolute values of the entries.
func (t *Dense) AbsMean() float64 {
	s := 0.0
	for _, v := range t.data {
		if v < 0 {
			s -= v
		} else {
			s += v
		}
	}
	return s / float64(len(t.data))
}

// Equal reports whether u has the same dimensions and identical entries.
func (t *Dense) Equal(u *Dense) bool {
	if len(t.dims) != len(u.dims) {
		return false
	}
	for l := range t.dims {
		if t.dims[l] != u.dims[l] {
			return false
		}
	}
	for i := range t.data {
		if t.data[i] != u.data[i] {
			return false
		}
	}
	return true
}

// Unfold returns the mode-l unfolding of t: a dims[l] x prod(other dims)
// matrix whose column index enumerates the remaining modes in row-major
// order (last remaining mode fastest).
func (t *Dense) Unfold(mode int) *mat.Dense {
	if mode < 0 || mode >= len(t.dims) {
		panic(fmt.Sprintf("tensor: unfold mode %d out of range for order %d", mode, len(t.dims)))
	}
	rows := t.dims[mode]
	cols := t.Size() / rows
	out := mat.NewDense(rows, cols, nil)
	raw := out.RawMatrix()

	remDims, remStrides := t.remaining(mode)
	modeStride := t.strides[mode]

	parallelRange(rows, func(start, end int) {
		for i := start; i < end; i++ {
			base := i * modeStride
			row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
			copyColex(row, t.data, base, remDims, remStrides)
		}
	})
	return out
}

// Fold is the inverse of Unfold: it rebuilds a tensor with the given
// dimensions from its mode-l unfolding.
func Fold(m *mat.Dense, mode int, dims []int) *Dense {
	t := New(dims...)
	rows, cols := m.Dims()
	if rows != dims[mode] || cols != t.Size()/rows {
		panic(fmt.Sprintf("tensor: fold shape %dx%d does not match dims %v mode %d", rows, cols, dims, mode))
	}
	raw := m.RawMatrix()
	remDims, remStrides := t.remaining(mode)
	modeStride := t.strides[mode]

	parallelRange(rows, func(start, end int) {
		for i := start; i < end; i++ {
			base := i * modeStride
			row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
			scatterColex(t.data, row, base, remDims, remStrides)
		}
	})
	return t
}

// AddFolded accumulates scale * Fold(m, mode, t.Dims()) into t without
// materializing the folded tensor.
func (t *Dense) AddFolded(m *mat.Dense, mode int, scale float64) {
	rows, cols := m.Dims()
	if rows != t.dims[mode] || cols != t.Size()/rows {
		panic(fmt.Sprintf("tensor: fold-add shape %dx%d does not match dims %v mode %d", rows, cols, t.dims, mode))
	}
	raw := m.RawMatrix()
	remDims, remStrides := t.remaining(mode)
	modeStride := t.strides[mode]

	parallelRange(rows, func(start, end int) {
		for i := start; i < end; i++ {
			base := i * modeStride
			row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
			n := len(remDims)
			idx := make([]int, n)
			off := base
			for c := range row {
				t.data[off] += scale * row[c]
				for l := n - 1; l >= 0; l-- {
					idx[l]++
					off += remStrides[l]
					if idx[l] < remDims[l] {
						break
					}
					idx[l] = 0
					off -= remDims[l] * remStrides[l]
				}
			}
		}
	})
}

// remaining returns the dims and strides of all modes except the given one,
// preserving mode order.
func (t *Dense) remaining(mode int) (dims, strides []int) {
	n := len(t.dims) - 1
	dims = make([]int, 0, n)
	strides = make([]int, 0, n)
	for l := range t.dims {
		if l == mode {
			continue
		}
		dims = append(dims, t.dims[l])
		strides = append(strides, t.strides[l])
	}
	return dims, strides
}

// copyColex walks the remaining-mode index space in row-major order (last
// mode fastest) copying src[base+offset] into dst sequentially.
func copyColex(dst, src []float64, base int, dims, strides []int) {
	n := len(dims)
	idx := make([]int, n)
	off := base
	for c := range dst {
		dst[c] = src[off]
		for l := n - 1; l >= 0; l-- {
			idx[l]++
			off += strides[l]
			if idx[l] < dims[l] {
				break
			}
			idx[l] = 0
			off -= dims[l] * strides[l]
		}
	}
}

// scatterColex is the write-direction counterpart of copyColex.
func scatterColex(dst, src []float64, base int, dims, strides []int) {
	n := len(dims)
	idx := make([]int, n)
	off := base
	for c := range src {
		dst[off] = src[c]
		for l := n - 1; l >= 0; l-- {
			idx[l]++
			off += strides[l]
			if idx[l] < dims[l] {
				break
			}
			idx[l] = 0
			off -= dims[l] * strides[l]
		}
	}
}

// parallelRange splits [0,n) across the worker pool. Small ranges run inline.
func parallelRange(n int, fn func(start, end int)) {
	workers := numWorkers
	if n < 2*workers {
		fn(0, n)
		return
	}
	per := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * per
		if start >= n {
			break
		}
		end := start + per
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
