// Package log implements simple debug logging for the SDK. By default logging
// is disabled and the underlying logger is a no-op implementation; use the
// SetLogger helper function to supply one. The SDK never logs payload data or
// key material, only identifiers and control flow.
package log

// Interface is satisfied by any logger with a printf-style Debugf method.
type Interface interface {
	// Debugf logs v using a format string.
	Debugf(format string, v ...interface{})
}

var logger Interface = noopLogger{}

// SetLogger sets the logger used by the SDK and enables debug level logging.
// Passing nil restores the no-op logger, disabling debug logging.
func SetLogger(l Interface) {
	if l == nil {
		logger = noopLogger{}
		return
	}

	logger = l
}

// Debugf writes to the log using the configured logger.
func Debugf(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

// DebugEnabled returns true if a logger has been supplied via SetLogger.
func DebugEnabled() bool {
	_, noop := logger.(noopLogger)

	return !noop
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, v ...interface{}) {
	// do nothing
}
