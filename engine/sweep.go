package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sig-0/iq"

	"github.com/sig-0/p2pdesk/offerbook"
	"github.com/sig-0/p2pdesk/storage"
)

const (
	defaultTickInterval = time.Second
	defaultScanInterval = time.Minute
)

// scheduledTimeout is a single queued payment-deadline check
type scheduledTimeout struct {
	at      time.Time
	tradeID string
}

// Less orders timeouts by their due-time (earliest == first)
func (a scheduledTimeout) Less(b scheduledTimeout) bool {
	return a.at.Before(b.at)
}

// Sweeper runs the two background jobs of the engine: the offer-expiry
// sweep and the payment-claim timeout sweep. Both are idempotent and
// safe to run concurrently with user-initiated operations.
//
// In-process deadlines ride a priority queue fed by the engine's
// trade-created hook; a slower full storage scan backstops deadlines
// that were queued before a restart
type Sweeper struct {
	engine  *Engine
	book    *offerbook.Book
	storage storage.Storage
	logger  *slog.Logger

	q    iq.Queue[scheduledTimeout]
	qMux sync.Mutex

	tickInterval time.Duration
	scanInterval time.Duration
}

func NewSweeper(
	engine *Engine,
	book *offerbook.Book,
	storage storage.Storage,
	opts ...SweeperOption,
) *Sweeper {
	s := &Sweeper{
		engine:       engine,
		book:         book,
		storage:      storage,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		q:            iq.NewQueue[scheduledTimeout](),
		tickInterval: defaultTickInterval,
		scanInterval: defaultScanInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ScheduleTimeout queues a payment-deadline check for the trade.
// Wire it as the engine's trade-created hook
func (s *Sweeper) ScheduleTimeout(tradeID string, deadline time.Time) {
	s.qMux.Lock()
	defer s.qMux.Unlock()

	s.q.Push(scheduledTimeout{
		at:      deadline,
		tradeID: tradeID,
	})
}

// Start runs the sweep service loop [BLOCKING]
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	scanTicker := time.NewTicker(s.scanInterval)
	defer scanTicker.Stop()

	// Catch deadlines and expiries that predate this process
	s.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper shut down")

			return nil
		case <-ticker.C:
			s.drainDue(ctx)
		case <-scanTicker.C:
			s.scan(ctx)
		}
	}
}

// drainDue cancels every queued trade whose deadline has passed
func (s *Sweeper) drainDue(ctx context.Context) {
	now := time.Now().UTC()

	for {
		next := s.nextDue(now)
		if next == nil {
			return
		}

		if err := s.engine.CancelOverdue(ctx, next.tradeID, now); err != nil {
			s.logger.Error(
				"unable to cancel overdue trade",
				"trade", next.tradeID,
				"err", err,
			)
		}
	}
}

// nextDue pops the next due timeout, as of the moment of calling
func (s *Sweeper) nextDue(now time.Time) *scheduledTimeout {
	s.qMux.Lock()
	defer s.qMux.Unlock()

	if s.q.Len() == 0 {
		return nil
	}

	if s.q.Index(0).at.After(now) {
		return nil
	}

	return s.q.PopFront()
}

// scan runs the storage-backed sweeps: expired offers and overdue
// trades not present in the in-process queue
func (s *Sweeper) scan(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.book.ExpireDue(ctx, now)
	if err != nil {
		s.logger.Error("offer expiry sweep failed", "err", err)
	}

	if len(expired) > 0 {
		s.logger.Info("expired offers", "count", len(expired))
	}

	overdue, err := s.storage.ListOverdueTrades(ctx, now)
	if err != nil {
		s.logger.Error("overdue trade scan failed", "err", err)

		return
	}

	for _, trade := range overdue {
		if err := s.engine.CancelOverdue(ctx, trade.ID, now); err != nil {
			s.logger.Error(
				"unable to cancel overdue trade",
				"trade", trade.ID,
				"err", err,
			)
		}
	}
}

type SweeperOption func(s *Sweeper)

// WithSweeperLogger specifies the logger for the sweeper
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithTickInterval overrides the deadline-queue polling interval.
// Defaults to 1s
func WithTickInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.tickInterval = d
	}
}

// WithScanInterval overrides the full storage scan interval.
// Defaults to 1m
func WithScanInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.scanInterval = d
	}
}
