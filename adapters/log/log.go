// Package stdlogadapter adapts the standard library's *log.Logger to
// the core's logging.Logger interface.
package stdlogadapter

import (
	"log"
)

// Logger implements logging.Logger using the standard library logger.
type Logger struct {
	logger *log.Logger
}

// New creates a Logger from l. A nil l uses log.Default().
func New(l *log.Logger) *Logger {
	if l == nil {
		l = log.Default()
	}
	return &Logger{logger: l}
}

// Debugf implements logging.Logger.
func (s *Logger) Debugf(format string, args ...interface{}) {
	s.logger.Printf("[DEBUG] "+format, args...)
}

// Infof implements logging.Logger.
func (s *Logger) Infof(format string, args ...interface{}) {
	s.logger.Printf("[INFO] "+format, args...)
}

// Warnf implements logging.Logger.
func (s *Logger) Warnf(format string, args ...interface{}) {
	s.logger.Printf("[WARN] "+format, args...)
}

// Errorf implements logging.Logger.
func (s *Logger) Errorf(format string, args ...interface{}) {
	s.logger.Printf("[ERROR] "+format, args...)
}
