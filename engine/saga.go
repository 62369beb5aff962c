package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCompensationFailed flags a rollback that could not be applied even
// after retries. The operation's durable state needs operator attention;
// nothing is silently dropped
var ErrCompensationFailed = errors.New("compensation failed")

// compensation is one recorded undo action of a multi-step flow
type compensation struct {
	name string
	undo func(context.Context) error
}

// saga tracks the forward progress of a multi-subsystem operation so a
// failure can unwind the executed steps in reverse order. No single
// transaction spans the wallet ledger and the trading tables, so the
// undo log is the consistency mechanism
type saga struct {
	logger   *slog.Logger
	log      []compensation
	attempts int
	backoff  time.Duration
}

func newSaga(logger *slog.Logger, attempts int, backoff time.Duration) *saga {
	return &saga{
		logger:   logger,
		attempts: attempts,
		backoff:  backoff,
	}
}

// record registers the undo for a completed forward step
func (s *saga) record(name string, undo func(context.Context) error) {
	s.log = append(s.log, compensation{
		name: name,
		undo: undo,
	})
}

// rollback applies the recorded compensations in reverse order, each
// retried with backoff. Compensation failure is the one fatal class:
// the joined ErrCompensationFailed carries every undo that stuck
func (s *saga) rollback(ctx context.Context) error {
	var failed error

	for i := len(s.log) - 1; i >= 0; i-- {
		comp := s.log[i]

		if err := retry(ctx, s.attempts, s.backoff, comp.undo); err != nil {
			s.logger.Error(
				"compensation failed",
				"step", comp.name,
				"err", err,
			)

			failed = errors.Join(
				failed,
				fmt.Errorf("%w: %s: %w", ErrCompensationFailed, comp.name, err),
			)

			continue
		}

		s.logger.Info("compensated step", "step", comp.name)
	}

	return failed
}

// retry runs fn up to attempts times with exponentially growing backoff
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	var err error

	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff << i):
		}
	}

	return err
}
