package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	ds := New()
	tas, err := Zeros(Float32, []int{4, 3, 5})
	require.NoError(t, err)
	require.NoError(t, ds.AddVar(&Variable{Name: "tas", Dims: []string{"time", "lat", "lon"}, DType: Float32, Data: tas}))
	lat, err := Zeros(Float64, []int{3})
	require.NoError(t, err)
	require.NoError(t, ds.AddCoord(&Variable{Name: "lat", Dims: []string{"lat"}, DType: Float64, Data: lat}))
	lon, err := Zeros(Float64, []int{5})
	require.NoError(t, err)
	require.NoError(t, ds.AddCoord(&Variable{Name: "lon", Dims: []string{"lon"}, DType: Float64, Data: lon}))
	return ds
}

func TestDatasetDimsInferredFromData(t *testing.T) {
	ds := testDataset(t)
	assert.Equal(t, []string{"time", "lat", "lon"}, ds.DimNames())
	n, ok := ds.DimSize("lat")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	_, ok = ds.DimSize("depth")
	assert.False(t, ok)
}

func TestDatasetDimConflict(t *testing.T) {
	ds := testDataset(t)
	bad, err := Zeros(Float32, []int{7, 3, 5})
	require.NoError(t, err)
	err = ds.AddVar(&Variable{Name: "pr", Dims: []string{"time", "lat", "lon"}, DType: Float32, Data: bad})
	assert.Error(t, err, "time redeclared with a different length")
}

func TestDatasetUndeclaredDim(t *testing.T) {
	ds := New()
	err := ds.AddVar(&Variable{Name: "x", Dims: []string{"ghost"}, DType: Float64})
	assert.Error(t, err)

	require.NoError(t, ds.AddDim("ghost", 2))
	assert.NoError(t, ds.AddVar(&Variable{Name: "x", Dims: []string{"ghost"}, DType: Float64}))
}

func TestDatasetLookup(t *testing.T) {
	ds := testDataset(t)
	assert.NotNil(t, ds.Var("tas"))
	assert.Nil(t, ds.Var("lat"))
	assert.NotNil(t, ds.Coord("lat"))
	assert.NotNil(t, ds.Variable("tas"))
	assert.NotNil(t, ds.Variable("lon"))
	assert.Nil(t, ds.Variable("missing"))

	all := ds.AllVariables()
	require.Len(t, all, 3)
	assert.Equal(t, "lat", all[0].Name)
	assert.Equal(t, "tas", all[2].Name)

	assert.Equal(t, []int{4, 3, 5}, ds.Shape(ds.Var("tas")))
}

func TestGridSignature(t *testing.T) {
	a := testDataset(t)
	b := testDataset(t)
	assert.Equal(t, a.GridSignature(), b.GridSignature())

	c := New()
	tas, err := Zeros(Float32, []int{4, 6, 5})
	require.NoError(t, err)
	require.NoError(t, c.AddVar(&Variable{Name: "tas", Dims: []string{"time", "lat", "lon"}, DType: Float32, Data: tas}))
	assert.NotEqual(t, a.GridSignature(), c.GridSignature())
}

func TestVarsSignature(t *testing.T) {
	ds := testDataset(t)
	pr, err := Zeros(Float32, []int{4, 3, 5})
	require.NoError(t, err)
	require.NoError(t, ds.AddVar(&Variable{Name: "pr", Dims: []string{"time", "lat", "lon"}, DType: Float32, Data: pr}))
	assert.Equal(t, "pr,tas", ds.VarsSignature())
}
