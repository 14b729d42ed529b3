// Package storage provides the two persistence tiers behind personas: a small
// change-notifying metadata record and a keyed blob store for images.
package storage

import (
	"context"
	"sync"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/model/settings"
)

// Metadata is the whole small tier: settings, persona records and the
// active persona pointer. It is always written as one unit.
type Metadata struct {
	Settings        settings.Settings `json:"settings"`
	Personas        []persona.Persona `json:"personas"`
	ActivePersonaID string            `json:"activePersonaId,omitempty"`
}

// DefaultMetadata is returned by stores that hold no record yet.
func DefaultMetadata() Metadata {
	return Metadata{
		Settings:        settings.Defaults(),
		Personas:        persona.Seed(),
		ActivePersonaID: persona.DefaultID,
	}
}

// Clone returns a copy that shares no slices with m.
func (m Metadata) Clone() Metadata {
	m.Personas = append([]persona.Persona(nil), m.Personas...)
	return m
}

// MetadataStore persists the metadata record.
type MetadataStore interface {
	Get(ctx context.Context) (Metadata, error)
	Set(ctx context.Context, record Metadata) error
	// Subscribe registers fn to run after the record changes, including
	// changes made outside this process. The returned func unsubscribes.
	Subscribe(fn func()) (cancel func())
}

// BlobStore persists image payloads by key.
type BlobStore interface {
	// Get returns the payloads of the keys that exist.
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, items map[string]string) error
	// Remove deletes keys; missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
}

// Tiers bundles both stores. Holders of the lock may read-modify-write
// across the two tiers without interleaving with other mutators.
type Tiers struct {
	sync.Mutex
	Meta  MetadataStore
	Blobs BlobStore
}

// NewTiers pairs a metadata store with a blob store.
func NewTiers(meta MetadataStore, blobs BlobStore) *Tiers {
	return &Tiers{Meta: meta, Blobs: blobs}
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func (s *subscribers) add(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func())
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
