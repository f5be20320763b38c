// Package dataset holds the in-memory description of an N-dimensional
// labelled dataset: named dimensions with lengths, coordinate variables,
// data variables and attributes. It is the unit the aggregator combines,
// the chunk planner sizes and the worker serves as a chunk store.
package dataset

import (
	"fmt"
	"sort"
	"strings"
)

type (
	// Variable is a single named array with labelled dimensions.
	Variable struct {
		Name      string
		Dims      []string
		DType     DType
		Attrs     map[string]any
		FillValue any
		// Data backs chunk reads. May be nil for metadata-only
		// descriptions (e.g. planner unit tests).
		Data Array
	}

	// Dataset is an ordered collection of coordinate and data variables
	// sharing a dimension namespace.
	Dataset struct {
		dimOrder []string
		dimSizes map[string]int

		coordOrder []string
		coords     map[string]*Variable

		varOrder []string
		vars     map[string]*Variable

		Attrs map[string]any

		// Chunks is the applied chunk size per dimension; empty until a
		// plan has been applied.
		Chunks map[string]int
	}
)

// New returns an empty dataset.
func New() *Dataset {
	return &Dataset{
		dimSizes: map[string]int{},
		coords:   map[string]*Variable{},
		vars:     map[string]*Variable{},
		Attrs:    map[string]any{},
		Chunks:   map[string]int{},
	}
}

// AddDim declares a dimension. Re-declaring with a different length is an error.
func (d *Dataset) AddDim(name string, length int) error {
	if length <= 0 {
		return fmt.Errorf("dimension %q must have positive length, got %d", name, length)
	}
	if cur, ok := d.dimSizes[name]; ok {
		if cur != length {
			return fmt.Errorf("dimension %q redeclared with length %d (have %d)", name, length, cur)
		}
		return nil
	}
	d.dimOrder = append(d.dimOrder, name)
	d.dimSizes[name] = length
	return nil
}

// AddCoord registers a coordinate variable and declares its dims.
func (d *Dataset) AddCoord(v *Variable) error {
	if err := d.checkVar(v); err != nil {
		return err
	}
	if _, dup := d.coords[v.Name]; !dup {
		d.coordOrder = append(d.coordOrder, v.Name)
	}
	d.coords[v.Name] = v
	return nil
}

// AddVar registers a data variable and declares its dims.
func (d *Dataset) AddVar(v *Variable) error {
	if err := d.checkVar(v); err != nil {
		return err
	}
	if _, dup := d.vars[v.Name]; !dup {
		d.varOrder = append(d.varOrder, v.Name)
	}
	d.vars[v.Name] = v
	return nil
}

func (d *Dataset) checkVar(v *Variable) error {
	if v == nil || v.Name == "" {
		return fmt.Errorf("variable needs a name")
	}
	if err := v.DType.Validate(); err != nil {
		return fmt.Errorf("variable %q: %w", v.Name, err)
	}
	if v.Data != nil {
		shape := v.Data.Shape()
		if len(shape) != len(v.Dims) {
			return fmt.Errorf("variable %q: %d dims but data rank %d", v.Name, len(v.Dims), len(shape))
		}
		for i, dim := range v.Dims {
			if err := d.AddDim(dim, shape[i]); err != nil {
				return fmt.Errorf("variable %q: %w", v.Name, err)
			}
		}
		return nil
	}
	for _, dim := range v.Dims {
		if _, ok := d.dimSizes[dim]; !ok {
			return fmt.Errorf("variable %q references undeclared dimension %q", v.Name, dim)
		}
	}
	return nil
}

// DimNames returns dimension names in declaration order.
func (d *Dataset) DimNames() []string { return append([]string(nil), d.dimOrder...) }

// DimSize returns the length of a dimension and whether it exists.
func (d *Dataset) DimSize(name string) (int, bool) {
	n, ok := d.dimSizes[name]
	return n, ok
}

// VarNames returns data-variable names in declaration order.
func (d *Dataset) VarNames() []string { return append([]string(nil), d.varOrder...) }

// CoordNames returns coordinate names in declaration order.
func (d *Dataset) CoordNames() []string { return append([]string(nil), d.coordOrder...) }

// Var returns the named data variable, or nil.
func (d *Dataset) Var(name string) *Variable { return d.vars[name] }

// Coord returns the named coordinate variable, or nil.
func (d *Dataset) Coord(name string) *Variable { return d.coords[name] }

// Variable returns the named variable, searching data variables first
// and then coordinates. Every variable of the store is addressable this
// way, matching the flat namespace of consolidated metadata.
func (d *Dataset) Variable(name string) *Variable {
	if v := d.vars[name]; v != nil {
		return v
	}
	return d.coords[name]
}

// AllVariables returns coordinates followed by data variables, each in
// declaration order. This is the iteration order of metadata building.
func (d *Dataset) AllVariables() []*Variable {
	out := make([]*Variable, 0, len(d.coordOrder)+len(d.varOrder))
	for _, n := range d.coordOrder {
		out = append(out, d.coords[n])
	}
	for _, n := range d.varOrder {
		out = append(out, d.vars[n])
	}
	return out
}

// Shape returns the dim lengths of a variable in its dim order.
func (d *Dataset) Shape(v *Variable) []int {
	out := make([]int, len(v.Dims))
	for i, dim := range v.Dims {
		out[i] = d.dimSizes[dim]
	}
	return out
}

// GridSignature canonicalises the dataset's grid: dimension names with
// lengths plus the names and dtypes of well-known horizontal coords.
// Datasets with equal signatures can share a chunk-store group.
func (d *Dataset) GridSignature() string {
	dims := append([]string(nil), d.dimOrder...)
	sort.Strings(dims)
	parts := make([]string, 0, len(dims))
	for _, n := range dims {
		parts = append(parts, fmt.Sprintf("%s=%d", n, d.dimSizes[n]))
	}
	coordParts := []string{}
	for _, k := range []string{"lat", "lon", "rlat", "rlon", "x", "y"} {
		if c := d.coords[k]; c != nil {
			coordParts = append(coordParts, fmt.Sprintf("%s:%v:%s", k, c.Dims, c.DType))
		}
	}
	return fmt.Sprintf("dims[%s]|coords[%s]", strings.Join(parts, ","), strings.Join(coordParts, ","))
}

// VarsSignature is the sorted comma-joined data-variable name list.
func (d *Dataset) VarsSignature() string {
	names := append([]string(nil), d.varOrder...)
	sort.Strings(names)
	return strings.Join(names, ",")
}
