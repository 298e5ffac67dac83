// Package zerologadapter adapts a zerolog.Logger to the core's
// logging.Logger interface.
package zerologadapter

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger implements logging.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// New creates a Logger from l. A nil l uses zerolog's global logger.
func New(l *zerolog.Logger) *Logger {
	if l == nil {
		l = &log.Logger
	}
	return &Logger{logger: *l}
}

// Debugf implements logging.Logger.
func (z *Logger) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

// Infof implements logging.Logger.
func (z *Logger) Infof(format string, args ...interface{}) {
	z.logger.Info().Msgf(format, args...)
}

// Warnf implements logging.Logger.
func (z *Logger) Warnf(format string, args ...interface{}) {
	z.logger.Warn().Msgf(format, args...)
}

// Errorf implements logging.Logger.
func (z *Logger) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msgf(format, args...)
}
