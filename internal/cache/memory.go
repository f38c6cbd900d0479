package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore backs Store with a bounded in-process LRU. It serves tests and
// single-node deployments that do not run Redis; eviction of a cold snapshot
// just means the next read falls through to the archive.
type MemoryStore struct {
	cache *lru.Cache[string, []byte]
}

// DefaultMemoryEntries bounds the in-process store.
const DefaultMemoryEntries = 4096

// NewMemoryStore builds a bounded store (<= 0 uses the default size).
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: c}, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	s.cache.Add(key, buf)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string, out interface{}) error {
	buf, ok := s.cache.Get(key)
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
