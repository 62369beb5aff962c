package dispute

import "log/slog"

type Option func(r *Resolver)

// WithLogger specifies the logger for the resolver
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}
