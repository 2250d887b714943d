package log

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a *zap.Logger to the Logger interface.
type ZapLogger struct {
	base  *zap.Logger
	level Level
}

// NewZap wraps an existing zap logger. A nil base yields a no-op zap core.
func NewZap(base *zap.Logger, level Level) *ZapLogger {
	if base == nil {
		base = zap.NewNop()
	}

	return &ZapLogger{base: base, level: level}
}

// NewProduction builds a production-configured zap logger at the given level.
func NewProduction(level Level) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{base: base, level: level}, nil
}

// Log emits the entry through zap when the level is enabled.
func (l *ZapLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if l == nil || l.base == nil || !l.Enabled(level) {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		if err, ok := field.Value.(error); ok {
			zapFields = append(zapFields, zap.NamedError(field.Key, err))
			continue
		}

		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}

	switch level {
	case LevelDebug:
		l.base.Debug(msg, zapFields...)
	case LevelInfo:
		l.base.Info(msg, zapFields...)
	case LevelWarn:
		l.base.Warn(msg, zapFields...)
	case LevelError:
		l.base.Error(msg, zapFields...)
	}
}

// With returns a logger carrying the additional fields on every entry.
//
//nolint:ireturn
func (l *ZapLogger) With(fields ...Field) Logger {
	if l == nil || l.base == nil {
		return NewNop()
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}

	return &ZapLogger{base: l.base.With(zapFields...), level: l.level}
}

// Enabled reports whether the level passes the logger's verbosity ceiling.
func (l *ZapLogger) Enabled(level Level) bool {
	if l == nil {
		return false
	}

	return l.level >= level
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync(_ context.Context) error {
	if l == nil || l.base == nil {
		return nil
	}

	return l.base.Sync()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
