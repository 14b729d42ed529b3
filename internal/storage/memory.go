package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryMetadata keeps the metadata record in process memory.
type MemoryMetadata struct {
	mu     sync.RWMutex
	record *Metadata
	subs   subscribers
}

// NewMemoryMetadata returns an empty in-memory metadata store.
func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{}
}

func (s *MemoryMetadata) Get(_ context.Context) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil {
		return DefaultMetadata(), nil
	}
	return s.record.Clone(), nil
}

func (s *MemoryMetadata) Set(ctx context.Context, record Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone := record.Clone()
	s.mu.Lock()
	s.record = &clone
	s.mu.Unlock()
	s.subs.notify()
	return nil
}

func (s *MemoryMetadata) Subscribe(fn func()) func() {
	return s.subs.add(fn)
}

// MemoryBlobs keeps blobs in process memory.
type MemoryBlobs struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryBlobs returns an empty in-memory blob store.
func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{items: make(map[string]string)}
}

func (s *MemoryBlobs) Get(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := s.items[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func (s *MemoryBlobs) Set(ctx context.Context, items map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range items {
		s.items[k] = v
	}
	return nil
}

func (s *MemoryBlobs) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryBlobs) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
