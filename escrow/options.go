package escrow

import "log/slog"

type Option func(v *Vault)

// WithLogger specifies the logger for the vault
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = l
	}
}
