package tensorio

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/polyadic/polyadic/internal/cpd"
)

// factorizationRecord is the CBOR wire form of a factorization. Factor
// matrices are stored row-major; the reconstruction is not persisted, it is
// cheap to rebuild from the factors.
type factorizationRecord struct {
	Dims    []int       `cbor:"dims"`
	Rank    int         `cbor:"rank"`
	Lambda  []float64   `cbor:"lambda"`
	Factors [][]float64 `cbor:"factors"`
	RelErr  float64     `cbor:"rel_err"`
}

// WriteFactorization encodes f as a CBOR record.
func WriteFactorization(w io.Writer, f *cpd.Factorization) error {
	rec := factorizationRecord{
		Rank:    len(f.Lambda),
		Lambda:  f.Lambda,
		RelErr:  f.RelErr,
		Dims:    make([]int, len(f.Factors)),
		Factors: make([][]float64, len(f.Factors)),
	}
	for l, fac := range f.Factors {
		d, r := fac.Dims()
		rec.Dims[l] = d
		rec.Factors[l] = make([]float64, 0, d*r)
		for i := 0; i < d; i++ {
			rec.Factors[l] = append(rec.Factors[l], fac.RawRowView(i)...)
		}
	}
	if err := cbor.NewEncoder(w).Encode(rec); err != nil {
		return fmt.Errorf("tensorio: encoding factorization: %w", err)
	}
	return nil
}

// ReadFactorization decodes a factorization written by WriteFactorization.
// Only the factors, weights and reported error survive the round trip.
func ReadFactorization(r io.Reader) (*cpd.Factorization, error) {
	var rec factorizationRecord
	if err := cbor.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("tensorio: decoding factorization: %w", err)
	}
	if len(rec.Dims) != len(rec.Factors) {
		return nil, fmt.Errorf("tensorio: %d dims for %d factors", len(rec.Dims), len(rec.Factors))
	}
	f := &cpd.Factorization{
		Lambda:  rec.Lambda,
		RelErr:  rec.RelErr,
		Factors: make([]*mat.Dense, len(rec.Factors)),
	}
	for l, data := range rec.Factors {
		d := rec.Dims[l]
		if rec.Rank <= 0 || d <= 0 || len(data) != d*rec.Rank {
			return nil, fmt.Errorf("tensorio: factor %d has %d values, want %dx%d", l, len(data), d, rec.Rank)
		}
		f.Factors[l] = mat.NewDense(d, rec.Rank, data)
	}
	return f, nil
}
