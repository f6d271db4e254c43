// Package logging builds the zap loggers used across aimesh and adapts them
// to the core's lifecycle event sink.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aimesh/internal/config"
	"aimesh/internal/types"
)

// New constructs a zap logger from the logging configuration.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn", "warning":
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zc.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return zc.Build()
}

// ZapSink forwards lifecycle events to a zap logger as structured fields.
// It is the default observability collaborator; callers with external
// metrics pipelines inject their own types.EventSink instead.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger as an event sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("events")}
}

// Emit implements types.EventSink.
func (s *ZapSink) Emit(ev types.Event) {
	fields := make([]zap.Field, 0, len(ev.Fields)+1)
	fields = append(fields, zap.Time("at", ev.At))
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info(string(ev.Type), fields...)
}

var _ types.EventSink = (*ZapSink)(nil)
