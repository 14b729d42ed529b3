package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/personify/backend/internal/model/persona"
)

func blobStores(t *testing.T) map[string]BlobStore {
	t.Helper()
	sqlite, err := OpenSQLiteBlobs(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]BlobStore{
		"memory": NewMemoryBlobs(),
		"sqlite": sqlite,
	}
}

func TestBlobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range blobStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, map[string]string{
				"persona_img_a": "data:image/png;base64,AAA",
				"persona_img_b": "data:image/png;base64,BBB",
			}))
			require.NoError(t, store.Set(ctx, map[string]string{"persona_img_a": "data:image/png;base64,CCC"}))

			got, err := store.Get(ctx, "persona_img_a", "persona_img_b", "missing")
			require.NoError(t, err)
			assert.Equal(t, map[string]string{
				"persona_img_a": "data:image/png;base64,CCC",
				"persona_img_b": "data:image/png;base64,BBB",
			}, got)

			require.NoError(t, store.Remove(ctx, "persona_img_a", "missing"))
			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"persona_img_b"}, keys)
		})
	}
}

func TestFileMetadataDefaultsWhenMissing(t *testing.T) {
	store, err := OpenFileMetadata(filepath.Join(t.TempDir(), "metadata.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	record, err := store.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, record.Personas, 1)
	assert.Equal(t, persona.DefaultID, record.Personas[0].ID)
	assert.Equal(t, persona.DefaultID, record.ActivePersonaID)
}

func TestFileMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenFileMetadata(filepath.Join(t.TempDir(), "metadata.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	record := DefaultMetadata()
	record.Personas = append(record.Personas, persona.Persona{ID: "p1", Name: "Pirate", Image: persona.ImageKey("p1")})
	record.ActivePersonaID = "p1"
	require.NoError(t, store.Set(ctx, record))

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

func TestFileMetadataNotifiesExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	store, err := OpenFileMetadata(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	var calls atomic.Int32
	cancel := store.Subscribe(func() { calls.Add(1) })
	defer cancel()

	require.NoError(t, store.Set(context.Background(), DefaultMetadata()))
	assert.Equal(t, int32(1), calls.Load())

	external := []byte(`{"personas":[{"id":"x","name":"External"}],"activePersonaId":"x"}`)
	require.NoError(t, os.WriteFile(path, external, 0o644))

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	got, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", got.ActivePersonaID)
}

func TestMemoryMetadataUnsubscribe(t *testing.T) {
	store := NewMemoryMetadata()
	var calls atomic.Int32
	cancel := store.Subscribe(func() { calls.Add(1) })

	require.NoError(t, store.Set(context.Background(), DefaultMetadata()))
	cancel()
	require.NoError(t, store.Set(context.Background(), DefaultMetadata()))

	assert.Equal(t, int32(1), calls.Load())
}
