// Package logging defines the logger contract shared by every policygate
// component. Components never import a concrete logging library directly;
// they accept a Logger and fall back to a no-op implementation when none is
// supplied, so the core stays free of any particular logging dependency.
//
// Concrete adapters (zap, zerolog, logrus, stdlib log) live under
// github.com/rivermint/policygate/adapters/* as independently versioned
// satellite modules.
package logging

// Logger is the minimal structured-logging contract used throughout
// policygate. Format strings follow the fmt verbs (%s, %v, ...).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Noop is a Logger that discards everything. It is the default used by
// every component that accepts a Logger but none is configured.
type Noop struct{}

func (Noop) Debugf(format string, args ...interface{}) {}
func (Noop) Infof(format string, args ...interface{})  {}
func (Noop) Warnf(format string, args ...interface{})  {}
func (Noop) Errorf(format string, args ...interface{}) {}

// Default is a shared Noop instance, handy as a zero-value fallback.
var Default Logger = Noop{}

// OrDefault returns l if non-nil, otherwise Default.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default
	}
	return l
}
