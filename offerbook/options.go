package offerbook

import (
	"log/slog"
	"time"
)

type Option func(b *Book)

// WithLogger specifies the logger for the book
func WithLogger(l *slog.Logger) Option {
	return func(b *Book) {
		b.logger = l
	}
}

// WithOfferTTL overrides how long new offers stay ACTIVE.
// Defaults to 7 days
func WithOfferTTL(ttl time.Duration) Option {
	return func(b *Book) {
		b.offerTTL = ttl
	}
}
