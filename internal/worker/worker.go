// Package worker consumes portal jobs: it materialises chunk-store
// metadata for convert requests and produces chunk payloads on demand.
// Workers are stateless apart from a dataset cache; any worker can
// serve any job, and duplicate deliveries converge on the same cache
// entries.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"goa.design/clue/log"

	"github.com/freva-org/freva-data-portal/internal/aggregate"
	"github.com/freva-org/freva-data-portal/internal/broker"
	"github.com/freva-org/freva-data-portal/internal/cache"
	"github.com/freva-org/freva-data-portal/internal/chunker"
	"github.com/freva-org/freva-data-portal/internal/dataset"
	"github.com/freva-org/freva-data-portal/internal/opener"
	"github.com/freva-org/freva-data-portal/internal/token"
	"github.com/freva-org/freva-data-portal/internal/zarr"
)

const (
	// DefaultTTL bounds cache entries when the descriptor does not
	// choose one.
	DefaultTTL = time.Hour
	// DefaultParallelism bounds concurrently processed messages.
	DefaultParallelism = 4
	// defaultDatasetCacheSize bounds the per-worker materialised
	// dataset cache.
	defaultDatasetCacheSize = 32
)

type (
	// Options configures a Worker.
	Options struct {
		// Parallelism bounds concurrent message handling.
		Parallelism int
		// DatasetCacheSize bounds the LRU of materialised datasets.
		DatasetCacheSize int
		// DefaultTarget is the chunk byte target when a job has none.
		DefaultTarget string
		// DevMode makes the worker honour shutdown messages.
		DevMode bool
	}

	// Worker subscribes to the broker and fulfils jobs.
	Worker struct {
		cache   *cache.Cache
		broker  *broker.Broker
		openers *opener.Registry
		opts    Options

		// datasets caches token → materialised store so chunk jobs skip
		// the open/aggregate/plan pipeline.
		datasets *lru.Cache[string, *store]

		sem    chan struct{}
		cancel context.CancelFunc
	}

	// store is one materialised chunk store: the combined datasets by
	// group key plus the codec pipeline its metadata advertises.
	store struct {
		datasets   map[string]*dataset.Dataset
		order      []string
		compressor zarr.Codec
	}
)

// New builds a worker.
func New(c *cache.Cache, b *broker.Broker, openers *opener.Registry, opts Options) (*Worker, error) {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.DatasetCacheSize <= 0 {
		opts.DatasetCacheSize = defaultDatasetCacheSize
	}
	datasets, err := lru.New[string, *store](opts.DatasetCacheSize)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cache:    c,
		broker:   b,
		openers:  openers,
		opts:     opts,
		datasets: datasets,
		sem:      make(chan struct{}, opts.Parallelism),
	}, nil
}

// Run consumes the broker until ctx ends. Messages are handled on
// bounded parallel goroutines.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel
	return w.broker.Run(ctx, func(ctx context.Context, msg broker.Message) {
		if msg.Shutdown {
			if w.opts.DevMode {
				log.Infof(ctx, "shutdown message received, stopping")
				cancel()
			}
			return
		}
		// Metadata jobs are visible as waiting from the moment they are
		// accepted, even while all slots are busy.
		if msg.URI != nil {
			w.markWaiting(ctx, msg.URI.UUID)
		}
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func() {
			defer func() { <-w.sem }()
			w.dispatch(ctx, msg)
		}()
	})
}

// markWaiting records receipt of a metadata job before a slot picks it
// up. Entries that already moved on keep their state.
func (w *Worker) markWaiting(ctx context.Context, tok string) {
	desc, err := token.Decode(tok)
	if err != nil {
		return
	}
	if err := w.cache.PutWaiting(ctx, tok, entryTTL(desc)); err != nil {
		log.Errorf(ctx, err, "marking job waiting")
	}
}

func (w *Worker) dispatch(ctx context.Context, msg broker.Message) {
	ctx = log.With(ctx, log.KV{K: "job", V: uuid.NewString()})
	switch {
	case msg.URI != nil:
		w.handleURI(ctx, msg.URI)
	case msg.Chunk != nil:
		w.handleChunk(ctx, msg.Chunk)
	}
}

// handleURI materialises the metadata entry for one job token.
func (w *Worker) handleURI(ctx context.Context, job *broker.URIJob) {
	tok := job.UUID
	ctx = log.With(ctx, log.KV{K: "token", V: tok})

	st, err := w.cache.GetStatus(ctx, tok)
	if err != nil {
		log.Errorf(ctx, err, "reading job status")
		return
	}
	// ok entries are done, processing ones are owned by a peer. failed
	// and waiting entries get (re)tried.
	if st == cache.StatusOK || st == cache.StatusProcessing {
		return
	}

	desc, err := token.Decode(tok)
	if err != nil {
		log.Errorf(ctx, err, "job token does not decode")
		return
	}
	ttl := entryTTL(desc)
	if err := w.cache.PutProcessing(ctx, tok, ttl); err != nil {
		log.Errorf(ctx, err, "marking job processing")
		return
	}

	s, err := w.materialise(ctx, desc)
	if err != nil {
		log.Errorf(ctx, err, "materialising store")
		if ferr := w.cache.PutFailed(ctx, tok, err.Error(), ttl); ferr != nil {
			log.Errorf(ctx, ferr, "marking job failed")
		}
		return
	}

	doc, err := zarr.ConsolidatedGrouped(s.datasets, s.order, aggregate.RootKey, s.compressor, nil)
	if err == nil {
		var raw json.RawMessage
		if raw, err = json.Marshal(doc); err == nil {
			err = w.cache.PutOK(ctx, tok, raw, ttl)
		}
	}
	if err != nil {
		log.Errorf(ctx, err, "storing metadata")
		if ferr := w.cache.PutFailed(ctx, tok, err.Error(), ttl); ferr != nil {
			log.Errorf(ctx, ferr, "marking job failed")
		}
		return
	}
	w.datasets.Add(tok, s)
	log.Infof(ctx, "store ready: %d group(s), %d source(s)", len(s.order), len(desc.Paths))
}

// handleChunk produces one chunk blob. Chunks only exist under ok
// entries; anything else is dropped and the client keeps polling until
// the metadata job settles.
func (w *Worker) handleChunk(ctx context.Context, job *broker.ChunkJob) {
	tok := job.UUID
	ctx = log.With(ctx, log.KV{K: "token", V: tok}, log.KV{K: "variable", V: job.Variable})

	st, err := w.cache.GetStatus(ctx, tok)
	if err != nil {
		log.Errorf(ctx, err, "reading job status")
		return
	}
	if st != cache.StatusOK {
		log.Infof(ctx, "dropping chunk job, store status is %s", st)
		return
	}

	s, err := w.storeFor(ctx, tok)
	if err != nil {
		log.Errorf(ctx, err, "rebuilding store for chunk job")
		return
	}
	ds, v, err := s.variable(job.Variable)
	if err != nil {
		log.Errorf(ctx, err, "resolving chunk variable")
		return
	}
	raw, err := zarr.ChunkBytes(ds, v, job.Chunk)
	if err != nil {
		log.Errorf(ctx, err, "materialising chunk")
		return
	}
	enc, err := zarr.EncodeChunk(raw, v.DType, nil, s.compressor)
	if err != nil {
		log.Errorf(ctx, err, "encoding chunk")
		return
	}
	desc, err := token.Decode(tok)
	if err != nil {
		log.Errorf(ctx, err, "job token does not decode")
		return
	}
	if err := w.cache.PutChunk(ctx, tok, job.Variable, job.Chunk, enc, entryTTL(desc)); err != nil {
		log.Errorf(ctx, err, "storing chunk")
	}
}

// storeFor returns the materialised store for a token, rebuilding it
// deterministically from the token itself on cache miss.
func (w *Worker) storeFor(ctx context.Context, tok string) (*store, error) {
	if s, ok := w.datasets.Get(tok); ok {
		return s, nil
	}
	desc, err := token.Decode(tok)
	if err != nil {
		return nil, err
	}
	s, err := w.materialise(ctx, desc)
	if err != nil {
		return nil, err
	}
	w.datasets.Add(tok, s)
	return s, nil
}

// materialise runs the full pipeline: open, aggregate, plan.
func (w *Worker) materialise(ctx context.Context, desc token.Descriptor) (*store, error) {
	inputs := make([]*dataset.Dataset, 0, len(desc.Paths))
	for _, p := range desc.Paths {
		ds, err := w.openers.Open(ctx, p)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, ds)
	}
	res, err := aggregate.Aggregate(inputs, desc.Aggregate)
	if err != nil {
		return nil, err
	}
	target := desc.Target
	if target == "" {
		target = w.opts.DefaultTarget
	}
	popts := chunker.Options{
		Target:        target,
		AccessPattern: chunker.AccessPattern(desc.AccessPattern),
	}
	for _, key := range res.Order {
		ds := res.Datasets[key]
		if len(ds.DimNames()) == 0 {
			continue
		}
		plan, err := chunker.Apply(ds, popts)
		if err != nil {
			return nil, err
		}
		for g, b := range plan.WorstBytesByGroup {
			log.Debugf(ctx, "chunk plan %s/%s: worst-case %d bytes", key, g, b)
		}
	}
	return &store{
		datasets:   res.Datasets,
		order:      res.Order,
		compressor: zarr.DefaultCompressor(),
	}, nil
}

// variable resolves a possibly group-prefixed variable path such as
// "group0/tas" against the store.
func (s *store) variable(path string) (*dataset.Dataset, *dataset.Variable, error) {
	group := aggregate.RootKey
	name := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		group, name = path[:i], path[i+1:]
	}
	ds, ok := s.datasets[group]
	if !ok {
		return nil, nil, fmt.Errorf("no group %q in store", group)
	}
	v := ds.Variable(name)
	if v == nil {
		return nil, nil, fmt.Errorf("no variable %q in group %q", name, group)
	}
	return ds, v, nil
}

func entryTTL(desc token.Descriptor) time.Duration {
	if desc.TTLSeconds > 0 {
		return time.Duration(desc.TTLSeconds) * time.Second
	}
	return DefaultTTL
}
