// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger at the given level ("" means info).
func New(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL value %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Console returns a human readable logger for interactive tools.
func Console(verbose bool) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.DisableStacktrace = true
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
