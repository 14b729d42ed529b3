package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/personify/backend/internal/config"
	"github.com/zhouzirui/personify/backend/internal/model/persona"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Storage: config.StorageConfig{
			DataDir:      dir,
			MetadataPath: filepath.Join(dir, "nested", "metadata.json"),
			BlobDBPath:   filepath.Join(dir, "blobs.db"),
		},
		Chat:    config.ChatConfig{Provider: config.ProviderOpenAI, FlushThreshold: 100, MaxFrame: 1024, HistoryLimit: 6},
		Capture: config.CaptureConfig{Headless: true, MaxImageWidth: 512},
	}
}

func TestOpenWiresServices(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	require.NotNil(t, a.Assistant)
	require.NotNil(t, a.AI)

	created, err := a.Personas.Create(ctx, persona.Fields{Name: "Pirate"}, "data:image/png;base64,AAAA")
	require.NoError(t, err)
	_, err = a.Personas.SetActive(ctx, created.ID)
	require.NoError(t, err)

	active, err := a.Cache.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)

	doc, err := a.Reconciler.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Personas, 2)
	assert.Len(t, doc.Images, 1)
}

func TestOpenWithoutArkCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.Provider = config.ProviderArk

	a, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Assistant)
	assert.NotNil(t, a.Personas)
}
