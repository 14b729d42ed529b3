// Package app assembles the services shared by the HTTP server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/cache"
	"github.com/zhouzirui/personify/backend/internal/config"
	"github.com/zhouzirui/personify/backend/internal/service/ai"
	"github.com/zhouzirui/personify/backend/internal/service/assistant"
	"github.com/zhouzirui/personify/backend/internal/service/capture"
	"github.com/zhouzirui/personify/backend/internal/service/chat"
	"github.com/zhouzirui/personify/backend/internal/service/persona"
	"github.com/zhouzirui/personify/backend/internal/service/transfer"
	"github.com/zhouzirui/personify/backend/internal/storage"
)

// App holds the wired services.
type App struct {
	Tiers      *storage.Tiers
	Personas   *persona.Service
	Cache      *cache.PersonaCache
	Chat       *chat.Service
	Reconciler *transfer.Reconciler
	AI         *ai.Service
	Assistant  *assistant.Service

	closers []func() error
	logger  *zap.Logger
}

// Open opens the storage tiers and builds every service. The assistant is
// nil when no chat model could be configured.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}

	if err := a.openStorage(cfg.Storage); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Personas = persona.NewService(a.Tiers, persona.WithLogger(logger.Named("persona")))
	a.Cache = cache.NewPersonaCache(a.Tiers.Meta, logger.Named("cache"))
	a.closers = append(a.closers, func() error { a.Cache.Close(); return nil })
	a.Chat = chat.NewService()
	a.Reconciler = transfer.NewReconciler(a.Tiers,
		transfer.WithWriteInterval(cfg.Import.WriteInterval),
		transfer.WithLogger(logger.Named("transfer")),
	)

	chatModel, err := a.chatModel(ctx, cfg)
	if err != nil {
		logger.Warn("chat model unavailable, continuing without assistant", zap.Error(err))
		return a, nil
	}

	a.AI, err = ai.NewService(ctx, chatModel, logger.Named("ai"))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	capturer := capture.NewRodCapturer(
		capture.WithHeadless(cfg.Capture.Headless),
		capture.WithTimeout(cfg.Capture.Timeout),
		capture.WithControlURL(cfg.Capture.ControlURL),
		capture.WithLogger(logger.Named("capture")),
	)
	a.closers = append(a.closers, capturer.Close)

	a.Assistant = assistant.NewService(capturer, a.AI, a.Chat, a.Cache,
		assistant.WithHistoryLimit(cfg.Chat.HistoryLimit),
		assistant.WithMaxImageWidth(cfg.Capture.MaxImageWidth),
		assistant.WithLogger(logger.Named("assistant")),
	)
	return a, nil
}

func (a *App) openStorage(cfg config.StorageConfig) error {
	for _, path := range []string{cfg.MetadataPath, cfg.BlobDBPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	meta, err := storage.OpenFileMetadata(cfg.MetadataPath, a.logger.Named("metadata"))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, meta.Close)

	blobs, err := storage.OpenSQLiteBlobs(cfg.BlobDBPath)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, blobs.Close)

	a.Tiers = storage.NewTiers(meta, blobs)
	return nil
}

func (a *App) chatModel(ctx context.Context, cfg *config.Config) (model.BaseChatModel, error) {
	if cfg.Chat.Provider == config.ProviderArk {
		return cfg.AI.NewChatModel(ctx)
	}

	client := ai.NewClient(
		ai.WithHTTPClient(&http.Client{Timeout: cfg.Chat.HTTPTimeout}),
		ai.WithDecoderOptions(
			ai.WithFlushThreshold(cfg.Chat.FlushThreshold),
			ai.WithMaxFrame(cfg.Chat.MaxFrame),
		),
		ai.WithClientLogger(a.logger.Named("client")),
	)
	return ai.NewChatModel(client, a.Cache.Settings), nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
