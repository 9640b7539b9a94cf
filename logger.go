package fluent

// Logger defines the interface for framework logging.
// The registry, resolver, ordering engine and pipeline all log through this
// interface using key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// NewZapLogger adapts a *zap.Logger; NopLogger discards everything.
type Logger interface {
	// Info logs normal events such as committed registrations and the final
	// middleware order.
	Info(msg string, args ...any)

	// Error logs failures that were handled, e.g. a recovered condition panic.
	Error(msg string, args ...any)

	// Warn logs unusual but tolerated situations, e.g. a warn_and_replace
	// conflict or a dropped middleware dependency.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics such as individual ordering decisions.
	Debug(msg string, args ...any)
}

// NopLogger is a Logger that discards all output.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Debug(string, ...any) {}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
