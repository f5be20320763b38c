// Package broker is the job channel between gateway and workers: a
// single fan-out topic with two message shapes, no acknowledgements,
// and messages may arrive more than once. Idempotent workers make that
// safe.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/clue/log"

	"github.com/freva-org/freva-data-portal/internal/cache"
)

// Topic is the single logical channel all portal jobs travel on.
const Topic = "data-portal"

type (
	// URIJob asks workers to materialise store metadata for one source.
	URIJob struct {
		Path string `json:"path"`
		UUID string `json:"uuid"`
	}

	// ChunkJob asks workers to produce one chunk of one variable.
	ChunkJob struct {
		UUID     string `json:"uuid"`
		Variable string `json:"variable"`
		Chunk    string `json:"chunk"`
	}

	// Message is the wire envelope; exactly one field is set.
	Message struct {
		URI   *URIJob   `json:"uri,omitempty"`
		Chunk *ChunkJob `json:"chunk,omitempty"`
		// Shutdown asks dev-mode workers to exit. Ignored in production.
		Shutdown bool `json:"shutdown,omitempty"`
	}

	// Broker publishes and consumes portal jobs over a cache store.
	Broker struct {
		store cache.Store
		topic string
	}
)

// New builds a broker on the default topic.
func New(store cache.Store) *Broker {
	return &Broker{store: store, topic: Topic}
}

// WithTopic overrides the topic, for tests running side by side.
func (b *Broker) WithTopic(topic string) *Broker {
	c := *b
	c.topic = topic
	return &c
}

// PublishURI dispatches a metadata job.
func (b *Broker) PublishURI(ctx context.Context, path, token string) error {
	return b.publish(ctx, Message{URI: &URIJob{Path: path, UUID: token}})
}

// PublishChunk dispatches a chunk job.
func (b *Broker) PublishChunk(ctx context.Context, token, variable, chunkID string) error {
	return b.publish(ctx, Message{Chunk: &ChunkJob{UUID: token, Variable: variable, Chunk: chunkID}})
}

// PublishShutdown broadcasts the dev-mode stop signal.
func (b *Broker) PublishShutdown(ctx context.Context) error {
	return b.publish(ctx, Message{Shutdown: true})
}

func (b *Broker) publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.store.Publish(ctx, b.topic, raw); err != nil {
		return fmt.Errorf("publish to %s: %w", b.topic, err)
	}
	return nil
}

// Run subscribes and dispatches every message to handle until ctx ends.
// Malformed messages are logged and dropped; the stream stays up.
func (b *Broker) Run(ctx context.Context, handle func(context.Context, Message)) error {
	msgs, stop, err := b.store.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.topic, err)
	}
	defer stop()
	log.Infof(ctx, "subscribed to %s", b.topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				log.Errorf(ctx, err, "dropping malformed broker message")
				continue
			}
			if msg.URI == nil && msg.Chunk == nil && !msg.Shutdown {
				log.Error(ctx, fmt.Errorf("empty broker message"), log.KV{K: "raw", V: string(raw)})
				continue
			}
			handle(ctx, msg)
		}
	}
}
