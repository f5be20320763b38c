package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/freva-org/freva-data-portal/internal/stats"
)

type fakeCollection struct {
	inserted []any
	err      error
}

func (f *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inserted = append(f.inserted, document)
	return &mongodriver.InsertOneResult{}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Client: &mongodriver.Client{}})
	assert.Error(t, err, "database name is required")
}

func TestRecord(t *testing.T) {
	coll := &fakeCollection{}
	sink := newSinkWithCollection(nil, coll, time.Second)

	err := sink.Record(context.Background(), &stats.Record{
		Endpoint: "/api/freva-nextgen/data-portal/zarr",
		Method:   "GET",
		Status:   200,
		User:     "jdoe",
		NumFiles: 2,
		Params:   map[string]string{"timeout": "10"},
	})
	require.NoError(t, err)
	require.Len(t, coll.inserted, 1)
	doc, ok := coll.inserted[0].(accessDocument)
	require.True(t, ok)
	assert.Equal(t, "/api/freva-nextgen/data-portal/zarr", doc.Endpoint)
	assert.Equal(t, 200, doc.Status)
	assert.Equal(t, "jdoe", doc.User)
	assert.False(t, doc.Timestamp.IsZero(), "timestamp defaults to now")
}

func TestRecordValidation(t *testing.T) {
	sink := newSinkWithCollection(nil, &fakeCollection{}, time.Second)
	assert.Error(t, sink.Record(context.Background(), nil))
	assert.Error(t, sink.Record(context.Background(), &stats.Record{}))
}
