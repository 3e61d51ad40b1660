// Package tensorio reads and writes tensors and factorizations. Dense
// tensors travel as Arrow IPC streams with the shape carried in schema
// metadata, factorizations as CBOR records, and the matrix-market export
// provides a plain-text escape hatch for other tools.
package tensorio

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/polyadic/polyadic/internal/tensor"
)

const dimsMetadataKey = "polyadic.dims"

func tensorSchema(dims []int) *arrow.Schema {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	md := arrow.NewMetadata([]string{dimsMetadataKey}, []string{strings.Join(parts, ",")})
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "values", Type: arrow.PrimitiveTypes.Float64},
		},
		&md,
	)
}

// WriteTensor streams t as a single-column Arrow IPC stream. The row-major
// entries land in the "values" column and the shape in schema metadata, so
// any Arrow reader can consume the payload even without knowing the format.
func WriteTensor(w io.Writer, t *tensor.Dense) error {
	alloc := memory.NewGoAllocator()
	schema := tensorSchema(t.Dims())

	bld := array.NewFloat64Builder(alloc)
	defer bld.Release()
	bld.AppendValues(t.Data(), nil)
	col := bld.NewArray()
	defer col.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{col}, int64(t.Size()))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("tensorio: writing record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("tensorio: closing stream: %w", err)
	}
	return nil
}

// ReadTensor decodes a tensor written by WriteTensor. Multiple record
// batches are accepted and concatenated in order.
func ReadTensor(r io.Reader) (*tensor.Dense, error) {
	alloc := memory.NewGoAllocator()
	reader, err := ipc.NewReader(r, ipc.WithAllocator(alloc))
	if err != nil {
		return nil, fmt.Errorf("tensorio: opening stream: %w", err)
	}
	defer reader.Release()

	dims, err := dimsFromSchema(reader.Schema())
	if err != nil {
		return nil, err
	}
	size := 1
	for _, d := range dims {
		size *= d
	}

	data := make([]float64, 0, size)
	for reader.Next() {
		rec := reader.Record()
		col, ok := rec.Column(0).(*array.Float64)
		if !ok {
			return nil, fmt.Errorf("tensorio: column 0 is %s, want float64", rec.Column(0).DataType())
		}
		data = append(data, col.Float64Values()...)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("tensorio: reading stream: %w", err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("tensorio: got %d values for shape %v (want %d)", len(data), dims, size)
	}
	return tensor.FromSlice(dims, data), nil
}

func dimsFromSchema(schema *arrow.Schema) ([]int, error) {
	md := schema.Metadata()
	idx := md.FindKey(dimsMetadataKey)
	if idx < 0 {
		return nil, fmt.Errorf("tensorio: schema metadata is missing %q", dimsMetadataKey)
	}
	parts := strings.Split(md.Values()[idx], ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d < 1 {
			return nil, fmt.Errorf("tensorio: bad dimension %q in metadata", p)
		}
		dims[i] = d
	}
	return dims, nil
}
