package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/app"
	"github.com/zhouzirui/personify/backend/internal/config"
	"github.com/zhouzirui/personify/backend/internal/handler"
	"github.com/zhouzirui/personify/backend/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()

	if a.Assistant != nil {
		logger.Info("assistant ready", zap.String("provider", cfg.Chat.Provider))
	}

	router := handler.NewRouter(a, logger)

	startServer(ctx, cfg.Server, router, logger)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("personify backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
