package rating

import "log/slog"

type Option func(l *Ledger)

// WithLogger specifies the logger for the ledger
func WithLogger(l *slog.Logger) Option {
	return func(r *Ledger) {
		r.logger = l
	}
}
