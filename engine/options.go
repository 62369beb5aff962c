package engine

import (
	"log/slog"
	"time"
)

type Option func(e *Engine)

// WithLogger specifies the logger for the engine
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCompensationPolicy overrides the retry attempts and initial
// backoff used for saga rollbacks and post-transition fund movements
func WithCompensationPolicy(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.compensationAttempts = attempts
		e.compensationBackoff = backoff
	}
}

// WithTradeCreatedHook registers a callback fired after a trade opens
// its payment window. The sweeper uses it to schedule the timeout
func WithTradeCreatedHook(fn func(tradeID string, deadline time.Time)) Option {
	return func(e *Engine) {
		e.onTradeCreated = fn
	}
}
