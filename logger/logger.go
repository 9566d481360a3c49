package logger

// Logger is the structured logging surface used across the engine.
// keyvals are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for a check that arrived without one.
type TraceIDFunc func() string // must be safe for concurrent calls

// With returns a Logger that prepends keyvals to every entry.
func With(l Logger, keyvals ...any) Logger {
	if l == nil {
		l = NewNullLogger()
	}
	if len(keyvals) == 0 {
		return l
	}
	return &boundLogger{next: l, fields: append([]any(nil), keyvals...)}
}

type boundLogger struct {
	next   Logger
	fields []any
}

func (b *boundLogger) merge(keyvals []any) []any {
	out := make([]any, 0, len(b.fields)+len(keyvals))
	out = append(out, b.fields...)
	return append(out, keyvals...)
}

func (b *boundLogger) Debug(msg string, keyvals ...any) { b.next.Debug(msg, b.merge(keyvals)...) }
func (b *boundLogger) Info(msg string, keyvals ...any)  { b.next.Info(msg, b.merge(keyvals)...) }
func (b *boundLogger) Warn(msg string, keyvals ...any)  { b.next.Warn(msg, b.merge(keyvals)...) }
func (b *boundLogger) Error(msg string, keyvals ...any) { b.next.Error(msg, b.merge(keyvals)...) }
