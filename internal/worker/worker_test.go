package worker_test

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freva-org/freva-data-portal/internal/aggregate"
	"github.com/freva-org/freva-data-portal/internal/broker"
	"github.com/freva-org/freva-data-portal/internal/cache"
	"github.com/freva-org/freva-data-portal/internal/cache/cachetest"
	"github.com/freva-org/freva-data-portal/internal/dataset"
	"github.com/freva-org/freva-data-portal/internal/opener"
	"github.com/freva-org/freva-data-portal/internal/token"
	"github.com/freva-org/freva-data-portal/internal/worker"
)

func sampleDataset(t *testing.T, nt int) *dataset.Dataset {
	t.Helper()
	ds := dataset.New()
	vals := make([]byte, 8*nt*2)
	for i := 0; i < nt*2; i++ {
		binary.LittleEndian.PutUint64(vals[8*i:], math.Float64bits(float64(i)))
	}
	data, err := dataset.NewMemArray(dataset.Float64, []int{nt, 2}, vals)
	require.NoError(t, err)
	require.NoError(t, ds.AddVar(&dataset.Variable{
		Name: "tas", Dims: []string{"time", "lat"}, DType: dataset.Float64, Data: data,
	}))
	return ds
}

type fixture struct {
	store  *cachetest.Store
	cache  *cache.Cache
	broker *broker.Broker
	worker *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

func startWorker(t *testing.T, datasets map[string]*dataset.Dataset, opts worker.Options) *fixture {
	t.Helper()
	return startWorkerWith(t, opener.NewRegistry(&opener.MemOpener{Datasets: datasets}), opts)
}

func startWorkerWith(t *testing.T, reg *opener.Registry, opts worker.Options) *fixture {
	t.Helper()
	store := cachetest.New()
	c := cache.New(store)
	b := broker.New(store)
	w, err := worker.New(c, b, reg, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond) // let the subscription land
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{store: store, cache: c, broker: b, worker: w, cancel: cancel, done: done}
}

func waitStatus(t *testing.T, f *fixture, tok string, want cache.Status) {
	t.Helper()
	assert.Eventually(t, func() bool {
		st, err := f.cache.GetStatus(context.Background(), tok)
		return err == nil && st == want
	}, 3*time.Second, 20*time.Millisecond, "status never became %s", want)
}

func TestURIJobProducesMetadata(t *testing.T) {
	ctx := context.Background()
	f := startWorker(t, map[string]*dataset.Dataset{"/data/a.nc": sampleDataset(t, 4)}, worker.Options{})

	tok, err := token.Encode(token.Descriptor{Paths: []string{"/data/a.nc"}, TTLSeconds: 60})
	require.NoError(t, err)
	require.NoError(t, f.broker.PublishURI(ctx, "/data/a.nc", tok))

	waitStatus(t, f, tok, cache.StatusOK)

	env, found, err := f.cache.Entry(ctx, tok)
	require.NoError(t, err)
	require.True(t, found)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &doc))
	assert.EqualValues(t, 1, doc["zarr_consolidated_format"])
	meta := doc["metadata"].(map[string]any)
	assert.Contains(t, meta, ".zgroup")
	assert.Contains(t, meta, ".zattrs")
	assert.Contains(t, meta, "tas/.zarray")
	assert.Contains(t, meta, "tas/.zattrs")
}

func TestURIJobFailure(t *testing.T) {
	ctx := context.Background()
	f := startWorker(t, map[string]*dataset.Dataset{}, worker.Options{})

	tok, err := token.Encode(token.Descriptor{Paths: []string{"/missing.nc"}, TTLSeconds: 60})
	require.NoError(t, err)
	require.NoError(t, f.broker.PublishURI(ctx, "/missing.nc", tok))

	waitStatus(t, f, tok, cache.StatusFailed)
	env, _, err := f.cache.Entry(ctx, tok)
	require.NoError(t, err)
	assert.Contains(t, env.Reason, "format_unsupported")
}

func TestURIJobIdempotent(t *testing.T) {
	ctx := context.Background()
	f := startWorker(t, map[string]*dataset.Dataset{"/data/a.nc": sampleDataset(t, 4)}, worker.Options{})

	tok, err := token.Encode(token.Descriptor{Paths: []string{"/data/a.nc"}, TTLSeconds: 60})
	require.NoError(t, err)

	// Duplicate deliveries settle on one final state.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.broker.PublishURI(ctx, "/data/a.nc", tok))
	}
	waitStatus(t, f, tok, cache.StatusOK)
}

func TestChunkJob(t *testing.T) {
	ctx := context.Background()
	f := startWorker(t, map[string]*dataset.Dataset{"/data/a.nc": sampleDataset(t, 4)}, worker.Options{})

	tok, err := token.Encode(token.Descriptor{Paths: []string{"/data/a.nc"}, TTLSeconds: 60})
	require.NoError(t, err)
	require.NoError(t, f.broker.PublishURI(ctx, "/data/a.nc", tok))
	waitStatus(t, f, tok, cache.StatusOK)

	// Map access pins the time axis to one step per chunk, so chunk 2.0
	// holds row 2 of the array: values 4 and 5.
	require.NoError(t, f.broker.PublishChunk(ctx, tok, "tas", "2.0"))
	assert.Eventually(t, func() bool {
		_, found, err := f.cache.GetChunk(ctx, tok, "tas", "2.0")
		return err == nil && found
	}, 3*time.Second, 20*time.Millisecond)

	enc, _, err := f.cache.GetChunk(ctx, tok, "tas", "2.0")
	require.NoError(t, err)
	r, err := zlib.NewReader(bytes.NewReader(enc))
	require.NoError(t, err)
	raw, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Len(t, raw, 2*8)
	assert.Equal(t, float64(4), math.Float64frombits(binary.LittleEndian.Uint64(raw)))
	assert.Equal(t, float64(5), math.Float64frombits(binary.LittleEndian.Uint64(raw[8:])))
}

func TestChunkJobBeforeMetadataDropped(t *testing.T) {
	ctx := context.Background()
	f := startWorker(t, map[string]*dataset.Dataset{"/data/a.nc": sampleDataset(t, 4)}, worker.Options{})

	tok, err := token.Encode(token.Descriptor{Paths: []string{"/data/a.nc"}, TTLSeconds: 60})
	require.NoError(t, err)

	// No uri job has run: the chunk message is dropped, not served.
	require.NoError(t, f.broker.PublishChunk(ctx, tok, "tas", "0.0"))
	time.Sleep(200 * time.Millisecond)
	_, found, err := f.cache.GetChunk(ctx, tok, "tas", "0.0")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAggregatedJob(t *testing.T) {
	ctx := context.Background()
	f := startWorker(t, map[string]*dataset.Dataset{
		"/data/a.nc": sampleDataset(t, 4),
		"/data/b.nc": sampleDataset(t, 3),
	}, worker.Options{})

	tok, err := token.Encode(token.Descriptor{
		Paths:      []string{"/data/a.nc", "/data/b.nc"},
		Aggregate:  aggregate.Options{Dim: "time"},
		TTLSeconds: 60,
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.PublishURI(ctx, "/data/a.nc", tok))
	waitStatus(t, f, tok, cache.StatusOK)

	env, _, err := f.cache.Entry(ctx, tok)
	require.NoError(t, err)
	var doc struct {
		Metadata map[string]json.RawMessage `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &doc))
	var arr struct {
		Shape []int `json:"shape"`
	}
	require.Contains(t, doc.Metadata, "tas/.zarray")
	require.NoError(t, json.Unmarshal(doc.Metadata["tas/.zarray"], &arr))
	assert.Equal(t, []int{7, 2}, arr.Shape, "time axis is the sum of the inputs")
}

// slowOpener blocks every open until released, to hold a worker slot.
type slowOpener struct {
	release chan struct{}
	ds      *dataset.Dataset
}

func (o *slowOpener) Can(string) bool { return true }

func (o *slowOpener) Open(ctx context.Context, _ string) (*dataset.Dataset, error) {
	select {
	case <-o.release:
		return o.ds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestQueuedJobReportsWaiting(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	slow := &slowOpener{release: release, ds: sampleDataset(t, 4)}
	f := startWorkerWith(t, opener.NewRegistry(slow), worker.Options{Parallelism: 1})

	tokA, err := token.Encode(token.Descriptor{Paths: []string{"/slow/a.nc"}, TTLSeconds: 60})
	require.NoError(t, err)
	tokB, err := token.Encode(token.Descriptor{Paths: []string{"/slow/b.nc"}, TTLSeconds: 60})
	require.NoError(t, err)

	// The first job occupies the only slot.
	require.NoError(t, f.broker.PublishURI(ctx, "/slow/a.nc", tokA))
	waitStatus(t, f, tokA, cache.StatusProcessing)

	// The second job is accepted and marked waiting while queued.
	require.NoError(t, f.broker.PublishURI(ctx, "/slow/b.nc", tokB))
	waitStatus(t, f, tokB, cache.StatusWaiting)

	close(release)
	waitStatus(t, f, tokA, cache.StatusOK)
	waitStatus(t, f, tokB, cache.StatusOK)
}

func TestDevModeShutdown(t *testing.T) {
	ctx := context.Background()
	f := startWorker(t, nil, worker.Options{DevMode: true})

	require.NoError(t, f.broker.PublishShutdown(ctx))
	select {
	case <-f.done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop on shutdown message")
	}
}
