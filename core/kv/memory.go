package kv

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/VetIntegrations/devourer/core/devourererrors"
)

// MemStore is an in-process Store used by unit tests that exercise the
// checksum/watermark/wait-group stores without a live Redis. Locking is
// implemented with a per-key token channel since there is no
// cross-process contention to model.
type MemStore struct {
	mu     sync.Mutex
	values map[string]string
	hashes map[string]map[string]string
	locks  map[string]chan struct{}
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
		locks:  make(map[string]chan struct{}),
	}
}

func (s *MemStore) GetString(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemStore) SetString(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) HMSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.hashes, k)
	}
	return nil
}

func (s *MemStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.values {
		if ok, _ := filepath.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	for k := range s.hashes {
		if ok, _ := filepath.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// lockFor returns the 1-buffered token channel backing key's lock,
// creating and filling it (unlocked) on first use.
func (s *MemStore) lockFor(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		l <- struct{}{}
		s.locks[key] = l
	}
	return l
}

func (s *MemStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l := s.lockFor(key)

	select {
	case <-l:
		var once sync.Once
		unlock := func(context.Context) error {
			once.Do(func() { l <- struct{}{} })
			return nil
		}
		return unlock, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(ttl):
		return nil, errors.Annotatef(devourererrors.ErrKV, "lock %q: timed out waiting for lock", key)
	}
}
