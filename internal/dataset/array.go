package dataset

import (
	"errors"
	"fmt"
)

type (
	// Array is the minimal backing-store contract needed to materialise
	// chunks: a shape, a dtype and random access to rectangular sections.
	// Implementations must be safe for concurrent reads.
	Array interface {
		// Shape returns the array dimensions in row-major order.
		Shape() []int
		// DType returns the element type.
		DType() DType
		// Section copies the row-major bytes of the region starting at
		// origin with the given extent. The region must lie fully inside
		// the array bounds.
		Section(origin, extent []int) ([]byte, error)
	}

	// MemArray is an in-memory row-major Array.
	MemArray struct {
		shape []int
		dtype DType
		data  []byte
	}

	// concatArray presents several arrays joined along one axis without
	// copying. All parts share dtype and non-axis extents.
	concatArray struct {
		parts []Array
		axis  int
		shape []int
	}
)

// NewMemArray builds an in-memory array over raw row-major bytes. The
// byte length must equal the product of the shape times the item size.
func NewMemArray(dtype DType, shape []int, data []byte) (*MemArray, error) {
	if err := dtype.Validate(); err != nil {
		return nil, err
	}
	n := dtype.ItemSize()
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("invalid shape %v", shape)
		}
		n *= s
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%s)", len(data), shape, dtype)
	}
	return &MemArray{shape: append([]int(nil), shape...), dtype: dtype, data: data}, nil
}

// Zeros builds a zero-filled in-memory array.
func Zeros(dtype DType, shape []int) (*MemArray, error) {
	n := dtype.ItemSize()
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("invalid shape %v", shape)
		}
		n *= s
	}
	return NewMemArray(dtype, shape, make([]byte, n))
}

func (a *MemArray) Shape() []int { return append([]int(nil), a.shape...) }

func (a *MemArray) DType() DType { return a.dtype }

// Bytes exposes the raw backing bytes. Callers must not mutate them.
func (a *MemArray) Bytes() []byte { return a.data }

func (a *MemArray) Section(origin, extent []int) ([]byte, error) {
	if err := checkRegion(a.shape, origin, extent); err != nil {
		return nil, err
	}
	item := a.dtype.ItemSize()
	out := make([]byte, item*product(extent))
	// Strides of the source array in bytes.
	strides := make([]int, len(a.shape))
	st := item
	for i := len(a.shape) - 1; i >= 0; i-- {
		strides[i] = st
		st *= a.shape[i]
	}
	copyRegion(a.data, out, a.shape, origin, extent, strides, item, 0, 0)
	return out, nil
}

// copyRegion walks the region row by row, copying contiguous innermost runs.
func copyRegion(src, dst []byte, shape, origin, extent, strides []int, item, dim, srcOff int) int {
	if dim == len(shape)-1 || len(shape) == 0 {
		if len(shape) == 0 {
			copy(dst, src[:item])
			return item
		}
		start := srcOff + origin[dim]*strides[dim]
		n := extent[dim] * item
		copy(dst[:n], src[start:start+n])
		return n
	}
	written := 0
	for i := 0; i < extent[dim]; i++ {
		off := srcOff + (origin[dim]+i)*strides[dim]
		written += copyRegion(src, dst[written:], shape, origin, extent, strides, item, dim+1, off)
	}
	return written
}

// Concat joins arrays along the given axis. Parts must agree on dtype
// and on every non-axis extent.
func Concat(axis int, parts ...Array) (Array, error) {
	if len(parts) == 0 {
		return nil, errors.New("concat needs at least one array")
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	first := parts[0].Shape()
	if axis < 0 || axis >= len(first) {
		return nil, fmt.Errorf("concat axis %d out of range for shape %v", axis, first)
	}
	shape := append([]int(nil), first...)
	for _, p := range parts[1:] {
		s := p.Shape()
		if len(s) != len(first) {
			return nil, fmt.Errorf("concat rank mismatch: %v vs %v", first, s)
		}
		if p.DType() != parts[0].DType() {
			return nil, fmt.Errorf("concat dtype mismatch: %s vs %s", parts[0].DType(), p.DType())
		}
		for i, v := range s {
			if i == axis {
				continue
			}
			if v != first[i] {
				return nil, fmt.Errorf("concat extent mismatch on axis %d: %v vs %v", i, first, s)
			}
		}
		shape[axis] += s[axis]
	}
	return &concatArray{parts: parts, axis: axis, shape: shape}, nil
}

func (c *concatArray) Shape() []int { return append([]int(nil), c.shape...) }

func (c *concatArray) DType() DType { return c.parts[0].DType() }

func (c *concatArray) Section(origin, extent []int) ([]byte, error) {
	if err := checkRegion(c.shape, origin, extent); err != nil {
		return nil, err
	}
	item := c.DType().ItemSize()
	out := make([]byte, item*product(extent))
	written := 0
	offset := 0
	start := origin[c.axis]
	end := start + extent[c.axis]
	for _, p := range c.parts {
		pl := p.Shape()[c.axis]
		lo := maxInt(start, offset)
		hi := minInt(end, offset+pl)
		offset += pl
		if lo >= hi {
			continue
		}
		po := append([]int(nil), origin...)
		pe := append([]int(nil), extent...)
		po[c.axis] = lo - (offset - pl)
		pe[c.axis] = hi - lo
		sec, err := p.Section(po, pe)
		if err != nil {
			return nil, err
		}
		// Interleave part rows into the output along the concat axis.
		written += interleave(out, sec, extent, pe, c.axis, item, written)
	}
	_ = written
	return out, nil
}

// interleave copies a part section into the combined output buffer.
// Both buffers share all extents except along axis; the copy walks the
// outer dims before the axis and places each axis-slab at its offset.
func interleave(dst, src []byte, dstExtent, srcExtent []int, axis, item, dstStart int) int {
	// Bytes of one full sub-block below the axis (axis dim included).
	below := item
	for i := axis + 1; i < len(dstExtent); i++ {
		below *= dstExtent[i]
	}
	dstSlab := dstExtent[axis] * below
	srcSlab := srcExtent[axis] * below
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= dstExtent[i]
	}
	for o := 0; o < outer; o++ {
		copy(dst[o*dstSlab+dstStart:o*dstSlab+dstStart+srcSlab], src[o*srcSlab:(o+1)*srcSlab])
	}
	return srcSlab
}

func checkRegion(shape, origin, extent []int) error {
	if len(origin) != len(shape) || len(extent) != len(shape) {
		return fmt.Errorf("region rank mismatch: shape %v origin %v extent %v", shape, origin, extent)
	}
	for i := range shape {
		if origin[i] < 0 || extent[i] <= 0 || origin[i]+extent[i] > shape[i] {
			return fmt.Errorf("region out of bounds: shape %v origin %v extent %v", shape, origin, extent)
		}
	}
	return nil
}

func product(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
