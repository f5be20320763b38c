// Package links tracks which path tokens are publicly readable. The
// registry is replicated across gateway instances so a public link
// created on one replica is honoured by all of them.
package links

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// mapName is the replicated map shared by all gateway replicas.
const mapName = "data-portal:public"

type (
	// Registry answers "may this token be read without a bearer".
	Registry interface {
		// Add marks a token public until expires (unix seconds).
		Add(ctx context.Context, token string, expires int64) error
		// IsPublic reports whether the token is currently public.
		IsPublic(token string) bool
	}

	// Replicated is the Redis-backed registry.
	Replicated struct {
		m   *rmap.Map
		now func() time.Time
	}

	// Memory is a process-local registry for tests and dev setups.
	Memory struct {
		mu      sync.Mutex
		entries map[string]int64
		now     func() time.Time
	}
)

// Join connects to the shared registry.
func Join(ctx context.Context, rdb *redis.Client) (*Replicated, error) {
	m, err := rmap.Join(ctx, mapName, rdb)
	if err != nil {
		return nil, err
	}
	return &Replicated{m: m, now: time.Now}, nil
}

func (r *Replicated) Add(ctx context.Context, token string, expires int64) error {
	_, err := r.m.Set(ctx, token, strconv.FormatInt(expires, 10))
	return err
}

func (r *Replicated) IsPublic(token string) bool {
	val, ok := r.m.Get(token)
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false
	}
	return r.now().Unix() <= exp
}

// NewMemory builds an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{entries: map[string]int64{}, now: time.Now}
}

// WithClock overrides the expiry clock, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Add(_ context.Context, token string, expires int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[token] = expires
	return nil
}

func (m *Memory) IsPublic(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[token]
	return ok && m.now().Unix() <= exp
}
