package rbac

import "github.com/oarkflow/rbac/logger"

// Logger is re-exported for convenience.
type Logger = logger.Logger

// WithLogger installs a Logger on the Service via Option
func WithLogger(l logger.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithTraceIDFunc installs a custom correlation ID generator, used when the
// request context carries none.
func WithTraceIDFunc(f logger.TraceIDFunc) Option {
	return func(s *Service) error {
		s.traceIDFunc = f
		return nil
	}
}
