// Package logger bootstraps the process-wide zap logger, following this
// codebase's existing logging conventions: JSON encoding in production,
// console encoding in development, level driven by configuration.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given level ("debug"|"info"|"warn"|"error")
// and environment ("production"|"development").
func New(level, env string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if strings.ToLower(env) == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}
	return log, nil
}

// GormLogWriter adapts zap to the Printf-based Writer interface taken by
// GORM's logger.New(...) constructor, so SQL logs flow through the same
// structured sink.
type GormLogWriter struct {
	Log *zap.Logger
}

func (w GormLogWriter) Printf(format string, args ...interface{}) {
	w.Log.Sugar().Infof(format, args...)
}
