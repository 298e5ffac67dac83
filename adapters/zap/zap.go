// Package zapadapter adapts a *zap.Logger to the core's logging.Logger
// interface.
package zapadapter

import (
	"go.uber.org/zap"
)

// Logger implements logging.Logger using a zap.SugaredLogger internally.
type Logger struct {
	logger *zap.SugaredLogger
}

// New creates a Logger from l. A nil l uses zap.NewNop, a no-op logger
// that discards all messages.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{logger: l.Sugar()}
}

// Debugf implements logging.Logger.
func (z *Logger) Debugf(format string, args ...interface{}) {
	z.logger.Debugf(format, args...)
}

// Infof implements logging.Logger.
func (z *Logger) Infof(format string, args ...interface{}) {
	z.logger.Infof(format, args...)
}

// Warnf implements logging.Logger.
func (z *Logger) Warnf(format string, args ...interface{}) {
	z.logger.Warnf(format, args...)
}

// Errorf implements logging.Logger.
func (z *Logger) Errorf(format string, args ...interface{}) {
	z.logger.Errorf(format, args...)
}
