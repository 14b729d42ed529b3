package persona_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/personify/backend/internal/model/persona"
	"github.com/zhouzirui/personify/backend/internal/model/settings"
	"github.com/zhouzirui/personify/backend/internal/service/persona"
	"github.com/zhouzirui/personify/backend/internal/storage"
)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func newService(t *testing.T) (*persona.Service, *storage.Tiers) {
	t.Helper()
	tiers := storage.NewTiers(storage.NewMemoryMetadata(), storage.NewMemoryBlobs())
	return persona.NewService(tiers, persona.WithIDGenerator(sequentialIDs("p"))), tiers
}

// assertInvariants checks default-first, unique ids and blob referential integrity.
func assertInvariants(t *testing.T, tiers *storage.Tiers) {
	t.Helper()
	ctx := context.Background()
	record, err := tiers.Meta.Get(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, record.Personas)
	assert.Equal(t, model.DefaultID, record.Personas[0].ID)

	seen := map[string]bool{}
	defaults := 0
	for _, p := range record.Personas {
		assert.False(t, seen[p.ID], "duplicate id %s", p.ID)
		seen[p.ID] = true
		if p.ID == model.DefaultID {
			defaults++
		}
		if p.Image != "" {
			blobs, err := tiers.Blobs.Get(ctx, p.Image)
			require.NoError(t, err)
			assert.Contains(t, blobs, p.Image, "persona %s references missing blob", p.ID)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestListStartsWithDefault(t *testing.T) {
	svc, _ := newService(t)
	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.Default(), list[0])
}

func TestCreateStoresImageUnderOwnedKey(t *testing.T) {
	ctx := context.Background()
	svc, tiers := newService(t)

	p, err := svc.Create(ctx, model.Fields{Name: "Pirate", System: "Talk like a pirate."}, "data:image/png;base64,AAA")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, model.ImageKey("p1"), p.Image)
	assert.Equal(t, model.DefaultPrefix, p.Prefix)

	img, err := svc.Image(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAA", img)
	assertInvariants(t, tiers)
}

func TestCreateDefaultsName(t *testing.T) {
	svc, _ := newService(t)
	p, err := svc.Create(context.Background(), model.Fields{}, "")
	require.NoError(t, err)
	assert.Equal(t, "Unnamed", p.Name)
	assert.False(t, p.HasImage())
}

func TestUpdateImageActions(t *testing.T) {
	ctx := context.Background()
	svc, tiers := newService(t)

	p, err := svc.Create(ctx, model.Fields{Name: "Bard"}, "")
	require.NoError(t, err)

	p, err = svc.Update(ctx, p.ID, model.Fields{Name: "Bard", Prefix: "Bard: "}, model.ReplaceImage("data:image/png;base64,NEW"))
	require.NoError(t, err)
	assert.Equal(t, model.ImageKey(p.ID), p.Image)
	assert.Equal(t, "Bard: ", p.Prefix)
	assertInvariants(t, tiers)

	p, err = svc.Update(ctx, p.ID, model.Fields{Name: "Bard 2"}, model.KeepImage())
	require.NoError(t, err)
	assert.Equal(t, model.ImageKey(p.ID), p.Image)
	assert.Equal(t, "Bard 2", p.Name)

	p, err = svc.Update(ctx, p.ID, model.Fields{Name: "Bard 2"}, model.ClearImage())
	require.NoError(t, err)
	assert.Empty(t, p.Image)

	keys, err := tiers.Blobs.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assertInvariants(t, tiers)
}

func TestUpdateMissingPersona(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Update(context.Background(), "nope", model.Fields{}, model.KeepImage())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteDefaultIsProtected(t *testing.T) {
	svc, tiers := newService(t)
	err := svc.Delete(context.Background(), model.DefaultID)
	assert.ErrorIs(t, err, model.ErrProtected)
	assertInvariants(t, tiers)
}

func TestDeleteRemovesBlobAndResetsActive(t *testing.T) {
	ctx := context.Background()
	svc, tiers := newService(t)

	p, err := svc.Create(ctx, model.Fields{Name: "Sage"}, "data:image/png;base64,AAA")
	require.NoError(t, err)
	_, err = svc.SetActive(ctx, p.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, p.ID))

	active, err := svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultID, active.ID)

	keys, err := tiers.Blobs.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = svc.Get(ctx, p.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assertInvariants(t, tiers)
}

func TestSetActiveUnknownFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	p, err := svc.SetActive(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultID, p.ID)

	record, err := svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultID, record.ID)
}

func TestActiveRecoversFromDanglingPointer(t *testing.T) {
	ctx := context.Background()
	svc, tiers := newService(t)

	record := storage.DefaultMetadata()
	record.ActivePersonaID = "deleted-elsewhere"
	require.NoError(t, tiers.Meta.Set(ctx, record))

	active, err := svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultID, active.ID)
}

func TestDefaultInvariantAcrossOperations(t *testing.T) {
	ctx := context.Background()
	svc, tiers := newService(t)

	// A stored list that lost its default and has it out of order is normalized on load.
	record := storage.DefaultMetadata()
	record.Personas = []model.Persona{{ID: "x", Name: "X"}}
	require.NoError(t, tiers.Meta.Set(ctx, record))

	for i := 0; i < 5; i++ {
		p, err := svc.Create(ctx, model.Fields{Name: fmt.Sprintf("n%d", i)}, "data:image/png;base64,AA")
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, svc.Delete(ctx, p.ID))
		}
		assertInvariants(t, tiers)
	}

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultID, list[0].ID)
	assert.Equal(t, "x", list[1].ID)
}

func TestSaveSettingsAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	svc := persona.NewService(storage.NewTiers(storage.NewMemoryMetadata(), storage.NewMemoryBlobs()))

	saved, err := svc.SaveSettings(ctx, settings.Settings{APIURL: " http://localhost:8080 ", Model: "llava"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", saved.APIURL)
	assert.Equal(t, "llava", saved.Model)
	assert.Equal(t, settings.DefaultMaxImages, saved.MaxImages)

	loaded, err := svc.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestSaveSettingsKeepsZeroSampling(t *testing.T) {
	ctx := context.Background()
	svc := persona.NewService(storage.NewTiers(storage.NewMemoryMetadata(), storage.NewMemoryBlobs()))

	saved, err := svc.SaveSettings(ctx, settings.Settings{APIURL: "http://x", Temperature: 0, TopP: 0})
	require.NoError(t, err)
	assert.Zero(t, saved.Temperature)
	assert.Zero(t, saved.TopP)

	loaded, err := svc.Settings(ctx)
	require.NoError(t, err)
	assert.Zero(t, loaded.Temperature)
	assert.Zero(t, loaded.TopP)
}
