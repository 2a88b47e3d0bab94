// Package memory is the in-process kv.Store backend.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/flexstake/flexstake-backend/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface.
type Store struct {
	mu          sync.RWMutex
	strings     map[string][]byte
	lists       map[string][][]byte
	expirations map[string]time.Time

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// New creates an in-memory store. A positive janitorInterval starts a
// background sweep of expired keys; expired keys are dropped lazily on
// access either way.
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		strings:     make(map[string][]byte),
		lists:       make(map[string][][]byte),
		expirations: make(map[string]time.Time),
		janitorStop: make(chan struct{}),
	}
	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	}
	return s
}

func (s *Store) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, expiry := range s.expirations {
		if now.After(expiry) {
			s.deleteLocked(key)
		}
	}
}

// expiredLocked reports whether key has expired. Callers hold at least a
// read lock; actual deletion is deferred to writers.
func (s *Store) expiredLocked(key string) bool {
	expiry, ok := s.expirations[key]
	return ok && time.Now().After(expiry)
}

func (s *Store) deleteLocked(key string) {
	delete(s.strings, key)
	delete(s.lists, key)
	delete(s.expirations, key)
}

func (s *Store) existsLocked(key string) bool {
	if s.expiredLocked(key) {
		return false
	}
	if _, ok := s.strings[key]; ok {
		return true
	}
	_, ok := s.lists[key]
	return ok
}

func (s *Store) setTTLLocked(key string, ttl []time.Duration) {
	if len(ttl) > 0 && ttl[0] > 0 {
		s.expirations[key] = time.Now().Add(ttl[0])
	} else {
		delete(s.expirations, key)
	}
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = append([]byte(nil), value...)
	s.setTTLLocked(key, ttl)
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expiredLocked(key) {
		return nil, kv.ErrNotFound
	}
	value, ok := s.strings[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if s.existsLocked(key) {
			n++
		}
		s.deleteLocked(key)
	}
	return n, nil
}

func (s *Store) Exists(_ context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, key := range keys {
		if s.existsLocked(key) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.existsLocked(key) {
		return false, nil
	}
	s.setTTLLocked(key, []time.Duration{ttl})
	return true, nil
}

func (s *Store) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if !s.expiredLocked(key) {
		if raw, ok := s.strings[key]; ok {
			parsed, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return 0, err
			}
			cur = parsed
		}
	} else {
		s.deleteLocked(key)
	}
	cur += n
	s.strings[key] = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (s *Store) LPush(_ context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		s.deleteLocked(key)
	}
	list := s.lists[key]
	// LPUSH prepends values one at a time, so the last argument ends up
	// at the head.
	for _, v := range values {
		list = append([][]byte{append([]byte(nil), v...)}, list...)
	}
	s.lists[key] = list
	return int64(len(list)), nil
}

// normalizeRange resolves Redis-style negative indices against length n.
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expiredLocked(key) {
		return nil, nil
	}
	list := s.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		s.deleteLocked(key)
		return nil
	}
	list := s.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = list[lo : hi+1]
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error {
	s.janitorOnce.Do(func() { close(s.janitorStop) })
	return nil
}
