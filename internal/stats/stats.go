// Package stats records per-request usage of the portal endpoints.
// Recording is fire-and-forget: a failing sink never fails a request.
package stats

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

type (
	// Record is one endpoint access.
	Record struct {
		Endpoint  string
		Method    string
		Status    int
		User      string
		NumFiles  int
		Params    map[string]string
		Timestamp time.Time
	}

	// Sink persists access records.
	Sink interface {
		Record(ctx context.Context, r *Record) error
	}

	// NopSink drops everything.
	NopSink struct{}

	// AsyncSink decouples callers from sink latency: Record hands off to
	// a background drain and always succeeds. Failures are logged.
	AsyncSink struct {
		sink Sink
		ch   chan *Record
	}
)

func (NopSink) Record(context.Context, *Record) error { return nil }

// NewAsyncSink wraps sink with a bounded queue. When the queue is full
// the record is dropped; usage stats never apply backpressure.
func NewAsyncSink(ctx context.Context, sink Sink, depth int) *AsyncSink {
	if depth <= 0 {
		depth = 256
	}
	a := &AsyncSink{sink: sink, ch: make(chan *Record, depth)}
	go a.drain(ctx)
	return a
}

func (a *AsyncSink) Record(_ context.Context, r *Record) error {
	select {
	case a.ch <- r:
	default:
	}
	return nil
}

func (a *AsyncSink) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.ch:
			if err := a.sink.Record(ctx, r); err != nil {
				log.Errorf(ctx, err, "recording usage stats")
			}
		}
	}
}

// Metrics holds the request counters exported over OpenTelemetry.
type Metrics struct {
	requests metric.Int64Counter
	chunks   metric.Int64Counter
}

// NewMetrics registers the portal counters on the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter(
		"data_portal.requests",
		metric.WithDescription("Number of portal HTTP requests by endpoint and status."),
	)
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter(
		"data_portal.chunks_served",
		metric.WithDescription("Number of chunk payloads served."),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{requests: requests, chunks: chunks}, nil
}

// Request counts one request outcome.
func (m *Metrics) Request(ctx context.Context, endpoint string, status int) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Int("status", status),
		))
}

// Chunk counts one served chunk.
func (m *Metrics) Chunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
}
