package limits

import "log/slog"

type Option func(g *Guard)

// WithLogger specifies the logger for the guard
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}
