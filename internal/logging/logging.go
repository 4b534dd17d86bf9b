// Package logging wires the structured logger used by the control plane
// (Manager, Dispatcher, Monitor). It exists so those packages depend on a
// tiny interface instead of importing zap directly.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the minimal structured-logging surface consumed across fleetpool.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	l *zap.Logger
}

// NewProduction builds a Logger backed by zap's production configuration
// (JSON encoding, info level, sampling).
func NewProduction() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken sink/encoder registration;
		// fall back to a logger that cannot fail rather than panic a library.
		l = zap.NewNop()
	}
	return &zapLogger{l: l}
}

// NewDevelopment builds a Logger backed by zap's development configuration
// (console encoding, debug level, stack traces on warn+).
func NewDevelopment() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		l = zap.NewNop()
	}
	return &zapLogger{l: l}
}

// NewNop returns a Logger that discards everything. Used as the default so a
// pool constructed without WithLogger never touches the filesystem/stderr.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop()}
}

// Wrap adapts a caller-supplied *zap.Logger.
func Wrap(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLogger{l: l}
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}
