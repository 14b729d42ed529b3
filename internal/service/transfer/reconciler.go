package transfer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/storage"
)

// DefaultWriteInterval spaces sequential blob writes during an import.
const DefaultWriteInterval = 60 * time.Millisecond

// Mode selects how an import integrates with the live store.
type Mode string

const (
	// ModeWipe replaces every persona and image.
	ModeWipe Mode = "wipe"
	// ModeMerge adds imported personas next to the existing ones.
	ModeMerge Mode = "merge"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeWipe, ModeMerge:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown import mode %q", s)
}

// Policy is the user's choice for one import.
type Policy struct {
	Mode        Mode
	PreserveIDs bool
	// IDMap overrides imported ids when PreserveIDs is set. Only ids present
	// in the document are affected.
	IDMap map[string]string
}

// Progress reports how many of Total import steps are done.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Fraction returns the completed share in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}

// ProgressFunc observes import progress. It is called synchronously.
type ProgressFunc func(Progress)

// ConfirmFunc is shown the parsed document and returns the policy to apply,
// or false to cancel the import.
type ConfirmFunc func(Document) (Policy, bool)

// Result summarizes a completed import.
type Result struct {
	Mode            Mode              `json:"mode"`
	Personas        int               `json:"personas"`
	Images          int               `json:"images"`
	IDMap           map[string]string `json:"idMap"`
	ActivePersonaID string            `json:"activePersonaId"`
}

// Reconciler moves persona data between the live tiers and export documents.
type Reconciler struct {
	tiers    *storage.Tiers
	newID    func() string
	now      func() time.Time
	interval time.Duration
	logger   *zap.Logger
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithIDGenerator replaces the id generator used for remapping.
func WithIDGenerator(fn func() string) Option {
	return func(r *Reconciler) { r.newID = fn }
}

// WithClock replaces the time source used for export stamps and fallback keys.
func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) { r.now = fn }
}

// WithWriteInterval sets the pause between blob writes. Zero disables pacing.
func WithWriteInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithLogger sets the reconciler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// NewReconciler creates a reconciler over tiers.
func NewReconciler(tiers *storage.Tiers, opts ...Option) *Reconciler {
	r := &Reconciler{
		tiers:    tiers,
		newID:    persona.NewID,
		now:      time.Now,
		interval: DefaultWriteInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Export snapshots personas, the settings subset, the active pointer and
// every referenced image that exists in the blob store.
func (r *Reconciler) Export(ctx context.Context) (Document, error) {
	r.tiers.Lock()
	defer r.tiers.Unlock()

	record, err := r.tiers.Meta.Get(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("failed to load personas: %w", err)
	}
	personas := persona.EnsureDefault(record.Personas)

	keys := lo.Uniq(lo.FilterMap(personas, func(p persona.Persona, _ int) (string, bool) {
		return p.Image, p.HasImage()
	}))
	images, err := r.tiers.Blobs.Get(ctx, keys...)
	if err != nil {
		return Document{}, fmt.Errorf("failed to load persona images: %w", err)
	}

	active, _ := persona.Resolve(personas, record.ActivePersonaID)
	return Document{
		Meta: Meta{
			ExportedAt: r.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Source:     Source,
		},
		APIURL:          record.Settings.APIURL,
		ActivePersonaID: active.ID,
		Personas:        personas,
		Images:          images,
	}, nil
}

// ImportFrom parses a document and an optional id map, asks confirm for the
// policy and runs the import. Nothing is mutated when parsing fails or the
// confirmation is declined.
func (r *Reconciler) ImportFrom(ctx context.Context, doc io.Reader, idMap io.Reader, confirm ConfirmFunc, progress ProgressFunc) (Result, error) {
	parsed, err := ParseDocument(doc)
	if err != nil {
		return Result{}, err
	}
	var mapping map[string]string
	if idMap != nil {
		if mapping, err = ParseIDMap(idMap); err != nil {
			return Result{}, err
		}
	}

	policy, ok := confirm(parsed)
	if !ok {
		return Result{}, ErrCancelled
	}
	if policy.IDMap == nil {
		policy.IDMap = mapping
	}
	return r.Import(ctx, parsed, policy, progress)
}

// Import integrates doc into the live store according to policy.
//
// Blob writes happen first and are not rolled back if the final metadata
// write fails; such blobs stay unreferenced. In wipe mode previously stored
// blobs are removed only after the new metadata is saved, so a failed import
// never leaves the old personas pointing at missing images.
func (r *Reconciler) Import(ctx context.Context, doc Document, policy Policy, progress ProgressFunc) (Result, error) {
	if policy.Mode != ModeWipe && policy.Mode != ModeMerge {
		return Result{}, fmt.Errorf("unknown import mode %q", policy.Mode)
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	r.tiers.Lock()
	defer r.tiers.Unlock()

	record, err := r.tiers.Meta.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load personas: %w", err)
	}
	live := persona.EnsureDefault(record.Personas)

	idMap := r.remapIDs(doc, policy, live)

	var stale []string
	target := live
	if policy.Mode == ModeWipe {
		stale, err = r.wipeCandidates(ctx, live)
		if err != nil {
			return Result{}, err
		}
		target = nil
	}

	keyMap := imageKeys(doc.Images, idMap, strconv.FormatInt(r.now().UnixMilli(), 10))
	total := len(doc.Images) + 1
	if err := r.writeImages(ctx, doc.Images, keyMap, total, progress); err != nil {
		return Result{}, err
	}

	for _, p := range doc.Personas {
		imported := p
		imported.ID = idMap[p.ID]
		imported.Image = ""
		if p.HasImage() {
			imported.Image = keyMap[p.Image]
		}
		if _, idx, found := lo.FindIndexOf(target, func(t persona.Persona) bool { return t.ID == imported.ID }); found {
			target[idx] = imported
		} else {
			target = append(target, imported)
		}
	}
	target = persona.EnsureDefault(target)

	active := record.ActivePersonaID
	if policy.Mode == ModeWipe {
		active = persona.DefaultID
		if mapped, ok := idMap[doc.ActivePersonaID]; ok {
			active = mapped
		}
	}
	if _, ok := persona.Resolve(target, active); !ok {
		active = persona.DefaultID
	}

	record.Personas = target
	record.ActivePersonaID = active
	if err := r.tiers.Meta.Set(ctx, record); err != nil {
		return Result{}, fmt.Errorf("failed to save imported personas: %w", err)
	}
	progress(Progress{Done: total, Total: total})

	if len(stale) > 0 {
		written := lo.Values(keyMap)
		obsolete := lo.Without(stale, written...)
		if err := r.tiers.Blobs.Remove(ctx, obsolete...); err != nil {
			r.logger.Warn("failed to remove replaced images", zap.Int("count", len(obsolete)), zap.Error(err))
		}
	}

	r.logger.Info("personas imported",
		zap.String("mode", string(policy.Mode)),
		zap.Int("personas", len(doc.Personas)),
		zap.Int("images", len(doc.Images)),
	)
	return Result{
		Mode:            policy.Mode,
		Personas:        len(doc.Personas),
		Images:          len(doc.Images),
		IDMap:           idMap,
		ActivePersonaID: active,
	}, nil
}

// remapIDs builds the old-to-new id table for every imported persona.
func (r *Reconciler) remapIDs(doc Document, policy Policy, live []persona.Persona) map[string]string {
	idMap := make(map[string]string, len(doc.Personas))
	order := make([]string, 0, len(doc.Personas))
	for _, p := range doc.Personas {
		if _, seen := idMap[p.ID]; seen {
			continue
		}
		idMap[p.ID] = p.ID
		order = append(order, p.ID)
	}

	if !policy.PreserveIDs {
		for _, id := range order {
			idMap[id] = r.newID()
		}
	} else {
		for from, to := range policy.IDMap {
			if _, ok := idMap[from]; ok && to != "" {
				idMap[from] = to
			}
		}
	}

	if policy.Mode == ModeMerge {
		taken := lo.SliceToMap(live, func(p persona.Persona) (string, struct{}) { return p.ID, struct{}{} })
		for _, id := range order {
			next := idMap[id]
			for {
				if _, clash := taken[next]; !clash && next != "" {
					break
				}
				next = r.newID()
			}
			idMap[id] = next
			taken[next] = struct{}{}
		}
	}
	return idMap
}

// wipeCandidates lists the blobs a wipe replaces: every image referenced by
// the live personas plus anything else left in the blob store.
func (r *Reconciler) wipeCandidates(ctx context.Context, live []persona.Persona) ([]string, error) {
	referenced := lo.FilterMap(live, func(p persona.Persona, _ int) (string, bool) {
		return p.Image, p.HasImage()
	})
	keys, err := r.tiers.Blobs.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored images: %w", err)
	}
	return lo.Union(referenced, keys), nil
}

// imageKeys assigns the storage key of every imported image. Keys following
// the persona image convention follow their persona's new id; anything else
// is prefixed with the import token.
func imageKeys(images map[string]string, idMap map[string]string, token string) map[string]string {
	keyMap := make(map[string]string, len(images))
	for key := range images {
		if oldID, ok := persona.ParseImageKey(key); ok {
			if newID, mapped := idMap[oldID]; mapped {
				keyMap[key] = persona.ImageKey(newID)
				continue
			}
		}
		keyMap[key] = persona.ImportKey(token, key)
	}
	return keyMap
}

func (r *Reconciler) writeImages(ctx context.Context, images, keyMap map[string]string, total int, progress ProgressFunc) error {
	limit := rate.Inf
	if r.interval > 0 {
		limit = rate.Every(r.interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	keys := lo.Keys(images)
	sort.Strings(keys)
	for i, key := range keys {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("import interrupted after %d of %d images: %w", i, len(keys), err)
		}
		if err := r.tiers.Blobs.Set(ctx, map[string]string{keyMap[key]: images[key]}); err != nil {
			return fmt.Errorf("failed to write image %s: %w", key, err)
		}
		progress(Progress{Done: i + 1, Total: total})
	}
	return nil
}
