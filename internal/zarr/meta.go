package zarr

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/freva-org/freva-data-portal/internal/dataset"
)

// Version 2 store constants.
const (
	Format             = 2
	ConsolidatedFormat = 1

	MetadataKey = ".zmetadata"
	ArrayKey    = ".zarray"
	AttrsKey    = ".zattrs"
	GroupKey    = ".zgroup"

	// DimensionKey is the attribute carrying labelled dimension names.
	DimensionKey = "_ARRAY_DIMENSIONS"
)

// GroupMarker is the document stored under every .zgroup key.
func GroupMarker() map[string]any {
	return map[string]any{"zarr_format": Format}
}

// Consolidated builds the consolidated metadata document for one
// dataset: a .zgroup marker, global .zattrs, and per-variable
// .zarray/.zattrs pairs. Chunk sizes come from the dataset's applied
// plan; unchunked variables use their full shape.
func Consolidated(ds *dataset.Dataset, compressor Codec, filters []Codec) (map[string]any, error) {
	meta := map[string]any{}
	if err := fill(meta, "", ds, compressor, filters); err != nil {
		return nil, err
	}
	return map[string]any{
		"zarr_consolidated_format": ConsolidatedFormat,
		"metadata":                 meta,
	}, nil
}

// ConsolidatedGrouped builds one consolidated document over several
// datasets. The entry named rootKey stays unprefixed; every other entry
// is nested under "{key}/" with its own .zgroup marker.
func ConsolidatedGrouped(
	datasets map[string]*dataset.Dataset,
	order []string,
	rootKey string,
	compressor Codec,
	filters []Codec,
) (map[string]any, error) {
	meta := map[string]any{}
	for _, key := range order {
		ds := datasets[key]
		if ds == nil {
			return nil, fmt.Errorf("group %q has no dataset", key)
		}
		prefix := ""
		if key != rootKey {
			prefix = key + "/"
			meta[prefix+GroupKey] = GroupMarker()
		}
		if err := fill(meta, prefix, ds, compressor, filters); err != nil {
			return nil, fmt.Errorf("group %q: %w", key, err)
		}
	}
	return map[string]any{
		"zarr_consolidated_format": ConsolidatedFormat,
		"metadata":                 meta,
	}, nil
}

func fill(meta map[string]any, prefix string, ds *dataset.Dataset, compressor Codec, filters []Codec) error {
	meta[prefix+GroupKey] = GroupMarker()
	meta[prefix+AttrsKey] = copyAttrs(ds.Attrs)
	for _, v := range ds.AllVariables() {
		arr, err := arrayMeta(ds, v, compressor, filters)
		if err != nil {
			return err
		}
		meta[prefix+v.Name+"/"+ArrayKey] = arr
		meta[prefix+v.Name+"/"+AttrsKey] = variableAttrs(ds, v)
	}
	return nil
}

func arrayMeta(ds *dataset.Dataset, v *dataset.Variable, compressor Codec, filters []Codec) (map[string]any, error) {
	fv, err := EncodeFillValue(v.FillValue, v.DType)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", v.Name, err)
	}
	shape := ds.Shape(v)
	chunks := make([]int, len(shape))
	for i, d := range v.Dims {
		if c, ok := ds.Chunks[d]; ok && c > 0 {
			chunks[i] = minInt(c, shape[i])
		} else {
			chunks[i] = shape[i]
		}
	}
	var comp any
	if compressor != nil {
		comp = compressor.Config()
	}
	var filts any
	if len(filters) > 0 {
		cfgs := make([]map[string]any, len(filters))
		for i, f := range filters {
			cfgs[i] = f.Config()
		}
		filts = cfgs
	}
	return map[string]any{
		"zarr_format": Format,
		"shape":       shape,
		"chunks":      chunks,
		"dtype":       string(v.DType),
		"compressor":  comp,
		"filters":     filts,
		"fill_value":  fv,
		"order":       "C",
	}, nil
}

// variableAttrs builds a variable's .zattrs: its own attributes minus
// _FillValue, the labelled dimension list, and a "coordinates" hint for
// data variables with non-dimension coords.
func variableAttrs(ds *dataset.Dataset, v *dataset.Variable) map[string]any {
	attrs := copyAttrs(v.Attrs)
	delete(attrs, "_FillValue")
	dims := make([]any, len(v.Dims))
	for i, d := range v.Dims {
		dims[i] = d
	}
	attrs[DimensionKey] = dims

	if ds.Var(v.Name) != nil { // data variables only
		nondim := []string{}
		dimSet := map[string]bool{}
		for _, d := range v.Dims {
			dimSet[d] = true
		}
		for _, c := range ds.CoordNames() {
			if !dimSet[c] && c != v.Name {
				nondim = append(nondim, c)
			}
		}
		if len(nondim) > 0 {
			sort.Strings(nondim)
			attrs["coordinates"] = strings.Join(nondim, " ")
		}
	}
	return attrs
}

// EncodeFillValue renders a fill value into its JSON form for the given
// dtype. Nil passes through. Object dtypes are rejected: the store
// carries no object codec.
func EncodeFillValue(v any, dtype dataset.DType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch dtype.Kind() {
	case 'f':
		f, err := asFloat(v)
		if err != nil {
			return nil, err
		}
		switch {
		case math.IsNaN(f):
			return "NaN", nil
		case math.IsInf(f, 1):
			return "Infinity", nil
		case math.IsInf(f, -1):
			return "-Infinity", nil
		}
		return f, nil
	case 'i', 'u':
		return asInt(v)
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not a bool", v)
		}
		return b, nil
	case 'c':
		c, ok := v.(complex128)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not complex", v)
		}
		re, err := EncodeFillValue(real(c), dataset.Float64)
		if err != nil {
			return nil, err
		}
		im, err := EncodeFillValue(imag(c), dataset.Float64)
		if err != nil {
			return nil, err
		}
		return []any{re, im}, nil
	case 'S':
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("fill value %v is not bytes", v)
		}
		return base64.StdEncoding.EncodeToString(b), nil
	case 'U':
		return v, nil
	case 'm', 'M':
		return asInt(v)
	case 'O':
		return nil, fmt.Errorf("object dtype needs an object codec")
	}
	return v, nil
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("fill value %v is not numeric", v)
}

func asInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	}
	return 0, fmt.Errorf("fill value %v is not an integer", v)
}

func copyAttrs(src map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
