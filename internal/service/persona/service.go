// Package persona manages persona records across the metadata and blob tiers.
package persona

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/model/settings"
	"github.com/zhouzirui/personify/backend/internal/storage"
)

// Service implements persona CRUD and the active persona pointer.
// Blob writes always precede the metadata write that references them, so a
// crash between the two leaves an orphaned blob rather than a dangling key.
type Service struct {
	tiers  *storage.Tiers
	newID  func() string
	logger *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithIDGenerator replaces the persona id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a persona service over the given tiers.
func NewService(tiers *storage.Tiers, opts ...Option) *Service {
	s := &Service{
		tiers:  tiers,
		newID:  persona.NewID,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns all personas, default first.
func (s *Service) List(ctx context.Context) ([]persona.Persona, error) {
	record, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return record.Personas, nil
}

// FindByID looks up a persona by identifier.
func (s *Service) FindByID(ctx context.Context, id string) (persona.Persona, bool) {
	p, err := s.Get(ctx, id)
	return p, err == nil
}

// Get returns the persona with the given id.
func (s *Service) Get(ctx context.Context, id string) (persona.Persona, error) {
	record, err := s.load(ctx)
	if err != nil {
		return persona.Persona{}, err
	}
	p, ok := lo.Find(record.Personas, func(p persona.Persona) bool { return p.ID == id })
	if !ok {
		return persona.Persona{}, fmt.Errorf("%w: %s", persona.ErrNotFound, id)
	}
	return p, nil
}

// Create adds a persona with a fresh id. A non-empty imageBlob is stored
// under the persona's image key before the metadata is saved.
func (s *Service) Create(ctx context.Context, fields persona.Fields, imageBlob string) (persona.Persona, error) {
	s.tiers.Lock()
	defer s.tiers.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return persona.Persona{}, err
	}

	id := s.uniqueID(record.Personas)
	fields = fields.Normalize()
	p := persona.Persona{
		ID:            id,
		Name:          fields.Name,
		Prefix:        fields.Prefix,
		System:        fields.System,
		SummaryPrompt: fields.SummaryPrompt,
	}

	if imageBlob != "" {
		key := persona.ImageKey(id)
		if err := s.tiers.Blobs.Set(ctx, map[string]string{key: imageBlob}); err != nil {
			return persona.Persona{}, fmt.Errorf("failed to store persona image: %w", err)
		}
		p.Image = key
	}

	record.Personas = append(record.Personas, p)
	if err := s.save(ctx, record); err != nil {
		return persona.Persona{}, err
	}

	s.logger.Info("persona created", zap.String("id", id), zap.Bool("image", p.HasImage()))
	return p, nil
}

// Update overwrites the editable fields of a persona and applies action to
// its image. Metadata is saved only after the blob mutation succeeded.
func (s *Service) Update(ctx context.Context, id string, fields persona.Fields, action persona.ImageAction) (persona.Persona, error) {
	s.tiers.Lock()
	defer s.tiers.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return persona.Persona{}, err
	}

	_, idx, ok := lo.FindIndexOf(record.Personas, func(p persona.Persona) bool { return p.ID == id })
	if !ok {
		return persona.Persona{}, fmt.Errorf("%w: %s", persona.ErrNotFound, id)
	}
	p := record.Personas[idx]

	switch action.Op {
	case persona.ImageReplace:
		key := p.Image
		if key == "" {
			key = persona.ImageKey(p.ID)
		}
		if err := s.tiers.Blobs.Set(ctx, map[string]string{key: action.Blob}); err != nil {
			return persona.Persona{}, fmt.Errorf("failed to store persona image: %w", err)
		}
		p.Image = key
	case persona.ImageClear:
		if p.Image != "" {
			if err := s.tiers.Blobs.Remove(ctx, p.Image); err != nil {
				return persona.Persona{}, fmt.Errorf("failed to remove persona image: %w", err)
			}
			p.Image = ""
		}
	}

	fields = fields.Normalize()
	p.Name = fields.Name
	p.Prefix = fields.Prefix
	p.System = fields.System
	p.SummaryPrompt = fields.SummaryPrompt
	record.Personas[idx] = p

	if err := s.save(ctx, record); err != nil {
		return persona.Persona{}, err
	}
	return p, nil
}

// Delete removes a persona and its image. The default persona is protected.
// If the deleted persona was active, the pointer falls back to the default.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == persona.DefaultID {
		return persona.ErrProtected
	}

	s.tiers.Lock()
	defer s.tiers.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return err
	}

	p, ok := lo.Find(record.Personas, func(p persona.Persona) bool { return p.ID == id })
	if !ok {
		return fmt.Errorf("%w: %s", persona.ErrNotFound, id)
	}

	if p.Image != "" {
		if err := s.tiers.Blobs.Remove(ctx, p.Image); err != nil {
			return fmt.Errorf("failed to remove persona image: %w", err)
		}
	}

	record.Personas = lo.Reject(record.Personas, func(p persona.Persona, _ int) bool { return p.ID == id })
	if record.ActivePersonaID == id {
		record.ActivePersonaID = persona.DefaultID
	}
	if err := s.save(ctx, record); err != nil {
		return err
	}

	s.logger.Info("persona deleted", zap.String("id", id))
	return nil
}

// SetActive points the active persona at id. An id that does not resolve
// selects the default persona; that is the defined recovery, not an error.
func (s *Service) SetActive(ctx context.Context, id string) (persona.Persona, error) {
	s.tiers.Lock()
	defer s.tiers.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return persona.Persona{}, err
	}

	p, ok := persona.Resolve(record.Personas, id)
	if !ok {
		s.logger.Debug("active persona does not resolve, using default", zap.String("id", id))
	}
	record.ActivePersonaID = p.ID
	if err := s.save(ctx, record); err != nil {
		return persona.Persona{}, err
	}
	return p, nil
}

// Active resolves the active persona pointer.
func (s *Service) Active(ctx context.Context) (persona.Persona, error) {
	record, err := s.load(ctx)
	if err != nil {
		return persona.Persona{}, err
	}
	p, _ := persona.Resolve(record.Personas, record.ActivePersonaID)
	return p, nil
}

// Image returns the image payload of a persona, or "" when it has none.
func (s *Service) Image(ctx context.Context, id string) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !p.HasImage() {
		return "", nil
	}
	blobs, err := s.tiers.Blobs.Get(ctx, p.Image)
	if err != nil {
		return "", fmt.Errorf("failed to load persona image: %w", err)
	}
	return blobs[p.Image], nil
}

func (s *Service) load(ctx context.Context) (storage.Metadata, error) {
	record, err := s.tiers.Meta.Get(ctx)
	if err != nil {
		return storage.Metadata{}, fmt.Errorf("failed to load personas: %w", err)
	}
	record.Personas = persona.EnsureDefault(record.Personas)
	return record, nil
}

func (s *Service) save(ctx context.Context, record storage.Metadata) error {
	record.Personas = persona.EnsureDefault(record.Personas)
	if _, ok := persona.Resolve(record.Personas, record.ActivePersonaID); !ok {
		record.ActivePersonaID = persona.DefaultID
	}
	if err := s.tiers.Meta.Set(ctx, record); err != nil {
		return fmt.Errorf("failed to save personas: %w", err)
	}
	return nil
}

func (s *Service) uniqueID(existing []persona.Persona) string {
	ids := lo.SliceToMap(existing, func(p persona.Persona) (string, struct{}) { return p.ID, struct{}{} })
	for {
		id := s.newID()
		if _, taken := ids[id]; !taken && id != "" {
			return id
		}
	}
}

// Settings returns the stored endpoint settings.
func (s *Service) Settings(ctx context.Context) (settings.Settings, error) {
	record, err := s.load(ctx)
	if err != nil {
		return settings.Settings{}, err
	}
	return record.Settings, nil
}

// SaveSettings replaces the stored endpoint settings.
func (s *Service) SaveSettings(ctx context.Context, next settings.Settings) (settings.Settings, error) {
	s.tiers.Lock()
	defer s.tiers.Unlock()

	record, err := s.load(ctx)
	if err != nil {
		return settings.Settings{}, err
	}
	record.Settings = next.WithDefaults()
	if err := s.save(ctx, record); err != nil {
		return settings.Settings{}, err
	}
	return record.Settings, nil
}
