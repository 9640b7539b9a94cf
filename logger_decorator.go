package fluent

// fieldLogger injects fixed key-value pairs ahead of every call's own args.
// Modules receive one scoped to their name through ModuleContext.
type fieldLogger struct {
	inner  Logger
	fields []any
}

// WithFields returns a Logger that prepends the given key-value pairs to every entry.
func WithFields(inner Logger, fields ...any) Logger {
	inner = loggerOrNop(inner)
	if fl, ok := inner.(*fieldLogger); ok {
		merged := make([]any, 0, len(fl.fields)+len(fields))
		merged = append(merged, fl.fields...)
		merged = append(merged, fields...)
		return &fieldLogger{inner: fl.inner, fields: merged}
	}
	return &fieldLogger{inner: inner, fields: fields}
}

// ModuleLogger scopes a logger to a module name.
func ModuleLogger(inner Logger, module string) Logger {
	return WithFields(inner, "module", module)
}

func (d *fieldLogger) combine(args []any) []any {
	out := make([]any, 0, len(d.fields)+len(args))
	out = append(out, d.fields...)
	return append(out, args...)
}

func (d *fieldLogger) Info(msg string, args ...any)  { d.inner.Info(msg, d.combine(args)...) }
func (d *fieldLogger) Error(msg string, args ...any) { d.inner.Error(msg, d.combine(args)...) }
func (d *fieldLogger) Warn(msg string, args ...any)  { d.inner.Warn(msg, d.combine(args)...) }
func (d *fieldLogger) Debug(msg string, args ...any) { d.inner.Debug(msg, d.combine(args)...) }
