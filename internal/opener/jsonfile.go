package opener

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"

	"github.com/freva-org/freva-data-portal/internal/dataset"
)

type (
	// JSONFileOpener reads self-describing dataset documents from disk.
	// It backs development setups and tests where no scientific data
	// container is at hand.
	JSONFileOpener struct {
		fsys fs.FS
	}

	jsonDataset struct {
		Attrs     map[string]any `json:"attrs"`
		Dims      map[string]int `json:"dims"`
		Coords    []jsonVariable `json:"coords"`
		Variables []jsonVariable `json:"variables"`
	}

	jsonVariable struct {
		Name      string         `json:"name"`
		Dims      []string       `json:"dims"`
		DType     string         `json:"dtype"`
		Shape     []int          `json:"shape"`
		Attrs     map[string]any `json:"attrs"`
		FillValue any            `json:"fill_value"`
		Values    []float64      `json:"values"`
	}
)

// NewJSONFileOpener reads from the OS filesystem.
func NewJSONFileOpener() *JSONFileOpener { return &JSONFileOpener{} }

// NewJSONFileOpenerFS reads from fsys, for tests.
func NewJSONFileOpenerFS(fsys fs.FS) *JSONFileOpener { return &JSONFileOpener{fsys: fsys} }

func (o *JSONFileOpener) Can(path string) bool {
	return strings.HasSuffix(path, ".json")
}

func (o *JSONFileOpener) Open(_ context.Context, path string) (*dataset.Dataset, error) {
	raw, err := o.read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &OpenError{Path: path, Kind: KindNotFound, Err: err}
		}
		return nil, &OpenError{Path: path, Kind: KindCorrupt, Err: err}
	}
	var doc jsonDataset
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &OpenError{Path: path, Kind: KindCorrupt, Err: err}
	}
	ds, err := doc.build()
	if err != nil {
		return nil, &OpenError{Path: path, Kind: KindCorrupt, Err: err}
	}
	return ds, nil
}

func (o *JSONFileOpener) read(path string) ([]byte, error) {
	if o.fsys != nil {
		return fs.ReadFile(o.fsys, strings.TrimPrefix(path, "/"))
	}
	return os.ReadFile(path)
}

func (d *jsonDataset) build() (*dataset.Dataset, error) {
	ds := dataset.New()
	for name, length := range d.Dims {
		if err := ds.AddDim(name, length); err != nil {
			return nil, err
		}
	}
	for _, v := range d.Coords {
		cv, err := v.build()
		if err != nil {
			return nil, err
		}
		if err := ds.AddCoord(cv); err != nil {
			return nil, err
		}
	}
	for _, v := range d.Variables {
		dv, err := v.build()
		if err != nil {
			return nil, err
		}
		if err := ds.AddVar(dv); err != nil {
			return nil, err
		}
	}
	for k, v := range d.Attrs {
		ds.Attrs[k] = v
	}
	return ds, nil
}

func (v *jsonVariable) build() (*dataset.Variable, error) {
	dt := dataset.DType(v.DType)
	if err := dt.Validate(); err != nil {
		return nil, fmt.Errorf("variable %q: %w", v.Name, err)
	}
	out := &dataset.Variable{
		Name:      v.Name,
		Dims:      v.Dims,
		DType:     dt,
		Attrs:     v.Attrs,
		FillValue: v.FillValue,
	}
	if v.Values == nil {
		return out, nil
	}
	shape := v.Shape
	if shape == nil && len(v.Dims) == 1 {
		shape = []int{len(v.Values)}
	}
	data, err := packValues(dt, shape, v.Values)
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", v.Name, err)
	}
	out.Data = data
	return out, nil
}

// packValues encodes numeric values into the little-endian byte layout
// of the dtype.
func packValues(dt dataset.DType, shape []int, vals []float64) (dataset.Array, error) {
	item := dt.ItemSize()
	buf := make([]byte, item*len(vals))
	for i, v := range vals {
		off := i * item
		switch dt {
		case dataset.Float64:
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
		case dataset.Float32:
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
		case dataset.Int64, dataset.DType("<M8[ns]"), dataset.DType("<m8[ns]"):
			binary.LittleEndian.PutUint64(buf[off:], uint64(int64(v)))
		case dataset.Int32:
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v)))
		case dataset.Bool:
			if v != 0 {
				buf[off] = 1
			}
		default:
			return nil, fmt.Errorf("unsupported dtype %s for inline values", dt)
		}
	}
	return dataset.NewMemArray(dt, shape, buf)
}
