package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a cached job entry.
type Status int

// Status codes are part of the wire contract of the status endpoint.
const (
	StatusOK         Status = 0
	StatusFailed     Status = 1
	StatusWaiting    Status = 2
	StatusProcessing Status = 3
	StatusGone       Status = 5
)

// String maps a status to its public name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusWaiting:
		return "waiting"
	case StatusProcessing:
		return "processing"
	case StatusGone:
		return "gone"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// envelopeVersion tags stored entries so the format can evolve.
const envelopeVersion = 1

type (
	// Envelope wraps every metadata cache entry. Payload carries the
	// consolidated metadata JSON once the status is ok; Reason carries
	// the failure description when it is failed.
	Envelope struct {
		V       int             `json:"v"`
		Status  Status          `json:"status"`
		Payload json.RawMessage `json:"payload,omitempty"`
		TS      int64           `json:"ts"`
		Reason  string          `json:"reason,omitempty"`
	}

	// Cache speaks the envelope protocol over a Store.
	Cache struct {
		store Store
		now   func() time.Time
	}
)

// New builds a Cache over a store.
func New(store Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// WithClock overrides the timestamp source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	cp := *c
	cp.now = now
	return &cp
}

// Store exposes the underlying transport for collaborators that share
// it (the broker).
func (c *Cache) Store() Store { return c.store }

// Entry reads a token's envelope. Absent keys return ok=false.
func (c *Cache) Entry(ctx context.Context, token string) (*Envelope, bool, error) {
	raw, found, err := c.store.Get(ctx, token)
	if err != nil || !found {
		return nil, false, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry for %s: %w", token, err)
	}
	return &env, true, nil
}

// GetStatus returns the entry status; missing and expired entries both
// read as gone.
func (c *Cache) GetStatus(ctx context.Context, token string) (Status, error) {
	env, found, err := c.Entry(ctx, token)
	if err != nil {
		return StatusGone, err
	}
	if !found {
		return StatusGone, nil
	}
	return env.Status, nil
}

// PutWaiting creates the entry in its initial state. An entry that has
// already moved on keeps its state.
func (c *Cache) PutWaiting(ctx context.Context, token string, ttl time.Duration) error {
	if _, found, err := c.Entry(ctx, token); err != nil {
		return err
	} else if found {
		return nil
	}
	return c.write(ctx, token, Envelope{Status: StatusWaiting}, ttl)
}

// PutProcessing marks the entry as being worked on. A finished ok entry
// is never demoted; failed and waiting entries may be retried.
func (c *Cache) PutProcessing(ctx context.Context, token string, ttl time.Duration) error {
	if env, found, err := c.Entry(ctx, token); err != nil {
		return err
	} else if found && env.Status == StatusOK {
		return nil
	}
	return c.write(ctx, token, Envelope{Status: StatusProcessing}, ttl)
}

// PutOK stores the finished metadata document.
func (c *Cache) PutOK(ctx context.Context, token string, meta json.RawMessage, ttl time.Duration) error {
	return c.write(ctx, token, Envelope{Status: StatusOK, Payload: meta}, ttl)
}

// PutFailed records a permanent failure with its reason. A completed
// entry is not overwritten.
func (c *Cache) PutFailed(ctx context.Context, token, reason string, ttl time.Duration) error {
	if env, found, err := c.Entry(ctx, token); err != nil {
		return err
	} else if found && env.Status == StatusOK {
		return nil
	}
	return c.write(ctx, token, Envelope{Status: StatusFailed, Reason: reason}, ttl)
}

func (c *Cache) write(ctx context.Context, token string, env Envelope, ttl time.Duration) error {
	env.V = envelopeVersion
	env.TS = c.now().Unix()
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.store.SetEx(ctx, token, raw, ttl)
}

// ChunkKey is the cache key of one chunk blob.
func ChunkKey(token, variable, chunkID string) string {
	return fmt.Sprintf("%s-%s-%s", token, variable, chunkID)
}

// PutChunk stores raw chunk bytes. Chunks skip the envelope: their
// content type is opaque bytes and their presence is their status.
func (c *Cache) PutChunk(ctx context.Context, token, variable, chunkID string, data []byte, ttl time.Duration) error {
	return c.store.SetEx(ctx, ChunkKey(token, variable, chunkID), data, ttl)
}

// GetChunk reads raw chunk bytes; ok=false when absent.
func (c *Cache) GetChunk(ctx context.Context, token, variable, chunkID string) ([]byte, bool, error) {
	return c.store.Get(ctx, ChunkKey(token, variable, chunkID))
}
