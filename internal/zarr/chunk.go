package zarr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/freva-org/freva-data-portal/internal/dataset"
)

// ParseChunkID splits a dotted chunk identifier like "2.0.1" into
// per-dimension indices and checks the rank. Rank-0 variables use the
// single identifier "0".
func ParseChunkID(id string, ndim int) ([]int, error) {
	if ndim == 0 {
		if id != "0" {
			return nil, fmt.Errorf("invalid chunk id %q for scalar variable", id)
		}
		return nil, nil
	}
	parts := strings.Split(id, ".")
	if len(parts) != ndim {
		return nil, fmt.Errorf("chunk id %q has %d indices, variable has %d dimensions", id, len(parts), ndim)
	}
	out := make([]int, ndim)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid chunk id %q", id)
		}
		out[i] = n
	}
	return out, nil
}

// ChunkBytes materialises one raw chunk of a variable under the
// dataset's applied chunk plan. Edge chunks are padded: the available
// region lands at the low corner of a full chunk-shaped buffer and the
// trailing cells stay zeroed.
func ChunkBytes(ds *dataset.Dataset, v *dataset.Variable, chunkID string) ([]byte, error) {
	if v.Data == nil {
		return nil, fmt.Errorf("variable %q has no backing data", v.Name)
	}
	idx, err := ParseChunkID(chunkID, len(v.Dims))
	if err != nil {
		return nil, err
	}
	if len(v.Dims) == 0 {
		return v.Data.Section(nil, nil)
	}

	shape := ds.Shape(v)
	outShape := make([]int, len(v.Dims))
	origin := make([]int, len(v.Dims))
	extent := make([]int, len(v.Dims))
	for i, d := range v.Dims {
		c := ds.Chunks[d]
		if c <= 0 {
			c = shape[i]
		}
		c = minInt(c, shape[i])
		outShape[i] = c
		origin[i] = idx[i] * c
		if origin[i] >= shape[i] {
			return nil, fmt.Errorf("chunk %q out of range for variable %q", chunkID, v.Name)
		}
		extent[i] = minInt(c, shape[i]-origin[i])
	}

	sec, err := v.Data.Section(origin, extent)
	if err != nil {
		return nil, err
	}
	if equalInts(extent, outShape) {
		return sec, nil
	}
	item := v.DType.ItemSize()
	out := make([]byte, item*product(outShape))
	placeRegion(out, sec, outShape, extent, item, 0, 0, 0)
	return out, nil
}

// placeRegion copies a packed extent-shaped region into the low corner
// of a packed outShape-shaped buffer.
func placeRegion(dst, src []byte, outShape, extent []int, item, dim, dstOff, srcOff int) (int, int) {
	if dim == len(outShape)-1 {
		n := extent[dim] * item
		copy(dst[dstOff:dstOff+n], src[srcOff:srcOff+n])
		return dstOff + outShape[dim]*item, srcOff + n
	}
	below := item
	for i := dim + 1; i < len(outShape); i++ {
		below *= outShape[i]
	}
	for i := 0; i < extent[dim]; i++ {
		_, srcOff = placeRegion(dst, src, outShape, extent, item, dim+1, dstOff+i*below, srcOff)
	}
	return dstOff + outShape[dim]*below, srcOff
}

// EncodeChunk runs the chunk bytes through the stored filters in order
// and then the compressor. Object dtypes cannot be written without an
// object codec.
func EncodeChunk(raw []byte, dtype dataset.DType, filters []Codec, compressor Codec) ([]byte, error) {
	if dtype.Kind() == 'O' {
		return nil, fmt.Errorf("cannot write object array without object codec")
	}
	data := raw
	for _, f := range filters {
		var err error
		if data, err = f.Encode(data); err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.ID(), err)
		}
	}
	if compressor == nil {
		return data, nil
	}
	out, err := compressor.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("compressor %s: %w", compressor.ID(), err)
	}
	return out, nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func product(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}
