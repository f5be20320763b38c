// Package mongo implements the MongoDB usage-stats sink.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/freva-org/freva-data-portal/internal/stats"
)

type (
	// Options configures the Mongo sink.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Sink writes one document per access record.
	Sink struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	accessDocument struct {
		Endpoint  string            `bson:"endpoint"`
		Method    string            `bson:"method"`
		Status    int               `bson:"status"`
		User      string            `bson:"user,omitempty"`
		NumFiles  int               `bson:"num_files,omitempty"`
		Params    map[string]string `bson:"params,omitempty"`
		Timestamp time.Time         `bson:"timestamp"`
	}
)

const (
	defaultCollection = "portal_access"
	defaultTimeout    = 5 * time.Second
	sinkName          = "stats-mongo"
)

// New returns a Sink backed by the provided MongoDB client.
func New(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, mongoCollection{coll: mcoll}); err != nil {
		return nil, err
	}
	return newSinkWithCollection(opts.Client, mongoCollection{coll: mcoll}, timeout), nil
}

func (s *Sink) Name() string { return sinkName }

func (s *Sink) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Record implements stats.Sink.
func (s *Sink) Record(ctx context.Context, r *stats.Record) error {
	if r == nil {
		return errors.New("record is required")
	}
	if r.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.coll.InsertOne(ctx, accessDocument{
		Endpoint:  r.Endpoint,
		Method:    r.Method,
		Status:    r.Status,
		User:      r.User,
		NumFiles:  r.NumFiles,
		Params:    r.Params,
		Timestamp: ts.UTC(),
	})
	return err
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "endpoint", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newSinkWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sink{mongo: mongoClient, coll: coll, timeout: timeout}
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
