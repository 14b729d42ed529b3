// Package cache keeps a read-through copy of persona metadata for the
// request surfaces.
package cache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/model/settings"
	"github.com/zhouzirui/personify/backend/internal/storage"
)

// PersonaCache serves personas, the active persona and settings from memory.
// The copy is dropped whenever the metadata store reports a change and is
// reloaded on the next read.
type PersonaCache struct {
	meta   storage.MetadataStore
	logger *zap.Logger

	mu     sync.Mutex
	record *storage.Metadata
	loads  int

	unsubscribe func()
}

// NewPersonaCache subscribes to meta. Call Close to unsubscribe.
func NewPersonaCache(meta storage.MetadataStore, logger *zap.Logger) *PersonaCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &PersonaCache{meta: meta, logger: logger}
	c.unsubscribe = meta.Subscribe(c.Invalidate)
	return c
}

// Invalidate drops the cached record.
func (c *PersonaCache) Invalidate() {
	c.mu.Lock()
	c.record = nil
	c.mu.Unlock()
	c.logger.Debug("persona cache invalidated")
}

// List returns the personas, default first.
func (c *PersonaCache) List(ctx context.Context) ([]persona.Persona, error) {
	record, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return record.Personas, nil
}

// FindByID looks up a persona by id.
func (c *PersonaCache) FindByID(ctx context.Context, id string) (persona.Persona, bool) {
	record, err := c.snapshot(ctx)
	if err != nil {
		return persona.Persona{}, false
	}
	for _, p := range record.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return persona.Persona{}, false
}

// Active resolves the active persona pointer, falling back to the default.
func (c *PersonaCache) Active(ctx context.Context) (persona.Persona, error) {
	record, err := c.snapshot(ctx)
	if err != nil {
		return persona.Persona{}, err
	}
	p, _ := persona.Resolve(record.Personas, record.ActivePersonaID)
	return p, nil
}

// Settings returns the endpoint settings with defaults applied.
func (c *PersonaCache) Settings(ctx context.Context) (settings.Settings, error) {
	record, err := c.snapshot(ctx)
	if err != nil {
		return settings.Settings{}, err
	}
	return record.Settings.WithDefaults(), nil
}

// Close unsubscribes from the metadata store.
func (c *PersonaCache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *PersonaCache) snapshot(ctx context.Context) (storage.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record != nil {
		return c.record.Clone(), nil
	}
	record, err := c.meta.Get(ctx)
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("failed to load persona metadata: %w", err)
	}
	record.Personas = persona.EnsureDefault(record.Personas)
	c.record = &record
	c.loads++
	return record.Clone(), nil
}
