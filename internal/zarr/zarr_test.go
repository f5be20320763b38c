package zarr

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"math"
	"testing"

	zstdlib "github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freva-org/freva-data-portal/internal/dataset"
)

func buildDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds := dataset.New()
	vals := make([]byte, 8*6)
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint64(vals[8*i:], math.Float64bits(float64(i)))
	}
	data, err := dataset.NewMemArray(dataset.Float64, []int{2, 3}, vals)
	require.NoError(t, err)
	require.NoError(t, ds.AddVar(&dataset.Variable{
		Name:      "tas",
		Dims:      []string{"time", "lat"},
		DType:     dataset.Float64,
		Attrs:     map[string]any{"units": "K", "_FillValue": math.NaN()},
		FillValue: math.NaN(),
		Data:      data,
	}))
	lat, err := dataset.Zeros(dataset.Float64, []int{3})
	require.NoError(t, err)
	require.NoError(t, ds.AddCoord(&dataset.Variable{
		Name: "lat", Dims: []string{"lat"}, DType: dataset.Float64, Data: lat,
	}))
	ds.Attrs["title"] = "test store"
	ds.Chunks = map[string]int{"time": 1, "lat": 2}
	return ds
}

func TestConsolidatedMetadata(t *testing.T) {
	ds := buildDataset(t)
	doc, err := Consolidated(ds, DefaultCompressor(), nil)
	require.NoError(t, err)
	assert.Equal(t, ConsolidatedFormat, doc["zarr_consolidated_format"])

	meta, ok := doc["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, GroupMarker(), meta[GroupKey])
	assert.Equal(t, map[string]any{"title": "test store"}, meta[AttrsKey])

	arr, ok := meta["tas/"+ArrayKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []int{2, 3}, arr["shape"])
	assert.Equal(t, []int{1, 2}, arr["chunks"])
	assert.Equal(t, "<f8", arr["dtype"])
	assert.Equal(t, "NaN", arr["fill_value"])
	assert.Equal(t, "C", arr["order"])
	comp, ok := arr["compressor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "zlib", comp["id"])

	attrs, ok := meta["tas/"+AttrsKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"time", "lat"}, attrs[DimensionKey])
	assert.Equal(t, "K", attrs["units"])
	_, hasFill := attrs["_FillValue"]
	assert.False(t, hasFill, "_FillValue belongs in .zarray only")

	latArr, ok := meta["lat/"+ArrayKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []int{3}, latArr["shape"])
	assert.Equal(t, []int{2}, latArr["chunks"])
}

func TestConsolidatedGrouped(t *testing.T) {
	a := buildDataset(t)
	b := buildDataset(t)
	root := dataset.New()
	doc, err := ConsolidatedGrouped(
		map[string]*dataset.Dataset{"root": root, "group0": a, "group1": b},
		[]string{"root", "group0", "group1"},
		"root",
		nil, nil,
	)
	require.NoError(t, err)
	meta := doc["metadata"].(map[string]any)
	assert.Contains(t, meta, GroupKey)
	assert.Contains(t, meta, "group0/"+GroupKey)
	assert.Contains(t, meta, "group0/tas/"+ArrayKey)
	assert.Contains(t, meta, "group1/tas/"+AttrsKey)
	assert.NotContains(t, meta, "tas/"+ArrayKey, "root holds no variables")
}

func TestEncodeFillValue(t *testing.T) {
	cases := []struct {
		name  string
		v     any
		dtype dataset.DType
		want  any
	}{
		{"nil", nil, dataset.Float64, nil},
		{"nan", math.NaN(), dataset.Float64, "NaN"},
		{"posinf", math.Inf(1), dataset.Float32, "Infinity"},
		{"neginf", math.Inf(-1), dataset.Float64, "-Infinity"},
		{"float", 1.5, dataset.Float64, 1.5},
		{"int", 7, dataset.Int32, int64(7)},
		{"bool", true, dataset.Bool, true},
		{"complex", complex(1.0, math.NaN()), dataset.DType("<c16"), []any{1.0, "NaN"}},
		{"bytes", []byte("ab"), dataset.DType("|S2"), "YWI="},
		{"unicode", "x", dataset.DType("<U1"), "x"},
		{"datetime", int64(123), dataset.DType("<M8[ns]"), int64(123)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := EncodeFillValue(c.v, c.dtype)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}

	_, err := EncodeFillValue("anything", dataset.Object)
	assert.Error(t, err, "object dtype needs a codec")
	_, err = EncodeFillValue("nope", dataset.Float64)
	assert.Error(t, err)
}

func TestParseChunkID(t *testing.T) {
	idx, err := ParseChunkID("2.0.1", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, idx)

	idx, err = ParseChunkID("0", 0)
	require.NoError(t, err)
	assert.Nil(t, idx)

	_, err = ParseChunkID("1", 0)
	assert.Error(t, err)
	_, err = ParseChunkID("1.2", 3)
	assert.Error(t, err)
	_, err = ParseChunkID("a.b", 2)
	assert.Error(t, err)
	_, err = ParseChunkID("-1.0", 2)
	assert.Error(t, err)
}

func decodeFloats(t *testing.T, b []byte) []float64 {
	t.Helper()
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out
}

func TestChunkBytes(t *testing.T) {
	ds := buildDataset(t) // tas is 2x3 with values 0..5, chunks {time:1, lat:2}
	v := ds.Var("tas")

	// Interior chunk: row 0, cols 0..1.
	raw, err := ChunkBytes(ds, v, "0.0")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, decodeFloats(t, raw))

	// Edge chunk along lat: col 2 only, padded to width 2.
	raw, err = ChunkBytes(ds, v, "1.1")
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 0}, decodeFloats(t, raw))

	_, err = ChunkBytes(ds, v, "2.0")
	assert.Error(t, err, "chunk index beyond the array")
	_, err = ChunkBytes(ds, v, "0.0.0")
	assert.Error(t, err)
}

func TestEncodeChunkZlib(t *testing.T) {
	raw := bytes.Repeat([]byte{1, 2, 3, 4}, 64)
	enc, err := EncodeChunk(raw, dataset.Float32, nil, &ZlibCodec{Level: 1})
	require.NoError(t, err)

	r, err := zlib.NewReader(bytes.NewReader(enc))
	require.NoError(t, err)
	round, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, raw, round)
}

func TestEncodeChunkZstd(t *testing.T) {
	raw := bytes.Repeat([]byte{9, 8, 7}, 100)
	enc, err := EncodeChunk(raw, dataset.Float64, nil, &ZstdCodec{Level: 3})
	require.NoError(t, err)

	dec, err := zstdlib.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	round, err := dec.DecodeAll(enc, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, round)
}

func TestEncodeChunkRules(t *testing.T) {
	raw := []byte{1, 2, 3}
	out, err := EncodeChunk(raw, dataset.Int32, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, raw, out, "no compressor passes bytes through")

	_, err = EncodeChunk(raw, dataset.Object, nil, nil)
	assert.Error(t, err)
}

func TestCodecConfigRoundTrip(t *testing.T) {
	c, err := CodecFromConfig(map[string]any{"id": "zlib", "level": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "zlib", "level": 4}, c.Config())

	z, err := CodecFromConfig(map[string]any{"id": "zstd"})
	require.NoError(t, err)
	assert.Equal(t, "zstd", z.ID())

	_, err = CodecFromConfig(map[string]any{"id": "blosc"})
	assert.Error(t, err)
}
