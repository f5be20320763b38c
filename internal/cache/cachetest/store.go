// Package cachetest provides an in-memory cache.Store for tests: real
// TTL expiry against an adjustable clock and channel-backed pub/sub.
package cachetest

import (
	"context"
	"sync"
	"time"
)

type (
	entry struct {
		val     []byte
		expires time.Time
	}

	subscriber struct {
		ch   chan []byte
		done chan struct{}
	}

	// Store implements cache.Store in memory.
	Store struct {
		mu   sync.Mutex
		data map[string]entry
		subs map[string][]*subscriber
		now  func() time.Time

		// PingErr, when set, is returned by Ping.
		PingErr error
	}
)

// New builds an empty store on the wall clock.
func New() *Store {
	return &Store{
		data: map[string]entry{},
		subs: map[string][]*subscriber{},
		now:  time.Now,
	}
}

// WithClock replaces the time source used for expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		delete(s.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.val...), true, nil
}

func (s *Store) SetEx(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.data[key] = entry{val: append([]byte(nil), val...), expires: exp}
	return nil
}

func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	subs := append([]*subscriber(nil), s.subs[channel]...)
	s.mu.Unlock()
	msg := append([]byte(nil), payload...)
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := &subscriber{ch: make(chan []byte, 64), done: make(chan struct{})}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(sub.done)
			s.mu.Lock()
			list := s.subs[channel]
			for i, cur := range list {
				if cur == sub {
					s.subs[channel] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-sub.done:
		}
	}()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-sub.ch:
				select {
				case out <- msg:
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return out, stop, nil
}

func (s *Store) Ping(context.Context) error { return s.PingErr }

// Keys returns the live key set, for assertions.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if e.expires.IsZero() || !s.now().After(e.expires) {
			out = append(out, k)
		}
	}
	return out
}
