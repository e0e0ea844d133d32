// Package logging builds the process logger: slog call sites backed by zap.
package logging

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger in production and a coloured console logger
// otherwise, plus the flush function to defer.
func New(isProd bool) (*slog.Logger, func() error) {
	var zl *zap.Logger
	if isProd {
		zl = zap.Must(zap.NewProduction())
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zl = zap.Must(cfg.Build())
	}
	return slog.New(zapslog.NewHandler(zl.Core())), zl.Sync
}
