package rating

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	// ErrNotTerminal is returned when the trade did not settle as
	// COMPLETED or REFUNDED
	ErrNotTerminal = errors.New("trade not in a terminal state")

	// ErrDuplicateRating is returned on a second rating for the same
	// (trade, rater) pair
	ErrDuplicateRating = errors.New("trade already rated by this user")

	// ErrNotParticipant is returned when the rater is neither the
	// buyer nor the seller
	ErrNotParticipant = errors.New("not a trade participant")

	// ErrInvalidRating is returned for a score outside 1..5
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

// Summary aggregates a user's received feedback
type Summary struct {
	UserID  string  `json:"user_id"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

// Ledger records post-trade feedback. A rating can only follow a
// settled trade, only from a participant, only about the other party,
// and only once per (trade, rater) pair
type Ledger struct {
	storage storage.Storage
	logger  *slog.Logger
}

func NewLedger(storage storage.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: storage,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Submit records the rater's feedback about their trade counterparty
func (l *Ledger) Submit(
	ctx context.Context,
	tradeID, raterID string,
	score int,
	feedback string,
) (*types.TradeRating, error) {
	if score < 1 || score > 5 {
		return nil, ErrInvalidRating
	}

	trade, err := l.storage.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if !trade.Status.Rateable() {
		return nil, ErrNotTerminal
	}

	if !trade.Participant(raterID) {
		return nil, ErrNotParticipant
	}

	rating := &types.TradeRating{
		ID:        xid.New().String(),
		TradeID:   tradeID,
		RaterID:   raterID,
		RatedID:   trade.Counterparty(raterID),
		Rating:    score,
		Feedback:  feedback,
		CreatedAt: time.Now().UTC(),
	}

	if err := l.storage.SaveRating(ctx, rating); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrDuplicateRating
		}

		return nil, fmt.Errorf("unable to persist rating: %w", err)
	}

	l.logger.Info(
		"rating recorded",
		"trade", tradeID,
		"rater", raterID,
		"rated", rating.RatedID,
		"score", score,
	)

	return rating, nil
}

// SummaryFor aggregates the ratings received by a user
func (l *Ledger) SummaryFor(ctx context.Context, userID string) (*Summary, error) {
	ratings, err := l.storage.ListRatingsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{UserID: userID}
	if len(ratings) == 0 {
		return summary, nil
	}

	var total int
	for _, r := range ratings {
		total += r.Rating
	}

	summary.Count = len(ratings)
	summary.Average = float64(total) / float64(len(ratings))

	return summary, nil
}
