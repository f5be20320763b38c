// Package cache is the shared state plane of the portal: a TTL'd
// key/value store with pub/sub, plus the status envelope protocol that
// gateway and workers speak over it.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// Store is the transport under the cache: keyed TTL'd blobs and a
	// fire-and-forget broadcast channel. Implementations must be safe
	// for concurrent use.
	Store interface {
		// Get returns the value and whether the key exists.
		Get(ctx context.Context, key string) ([]byte, bool, error)
		// SetEx writes a value with a lifetime, overwriting.
		SetEx(ctx context.Context, key string, val []byte, ttl time.Duration) error
		// Publish broadcasts to every current subscriber of channel.
		Publish(ctx context.Context, channel string, payload []byte) error
		// Subscribe streams messages on channel until stop is called or
		// ctx ends.
		Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, stop func(), err error)
		// Ping probes liveness.
		Ping(ctx context.Context) error
	}

	// RedisStore adapts a Redis client to Store.
	RedisStore struct {
		client redis.UniversalClient
	}
)

// NewRedisStore wraps an existing client; the caller owns its lifecycle.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) SetEx(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, val, ttl).Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before we report success so
	// messages published right after are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan []byte)
	done := make(chan struct{})
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Name implements the health checker's pinger contract.
func (s *RedisStore) Name() string { return "redis" }
