// Package logrusadapter adapts a *logrus.Logger to the core's
// logging.Logger interface.
package logrusadapter

import (
	"github.com/sirupsen/logrus"
)

// Logger implements logging.Logger using logrus.
type Logger struct {
	logger *logrus.Entry
}

// New creates a Logger from l. A nil l uses a fresh logrus.New().
func New(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.New()
	}
	return &Logger{logger: logrus.NewEntry(l)}
}

// Debugf implements logging.Logger.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Infof implements logging.Logger.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Warnf implements logging.Logger.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Errorf implements logging.Logger.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}
