package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrStaleState is returned when a compare-and-swap transition does
	// not match the expected status
	ErrStaleState = errors.New("stale entity state")

	// ErrDuplicate is returned when a uniqueness constraint is violated
	ErrDuplicate = errors.New("duplicate record")
)

// Storage is an abstraction over the durable trading records.
//
// The Update* methods apply the given callback atomically against the
// current record state: no other writer observes the record between the
// read and the write. A callback error aborts the update and is
// returned verbatim. TransitionTrade is the single compare-and-swap
// point for the trade state machine, failing ErrStaleState when the
// trade is no longer in the expected status.
type Storage interface {
	// Offers
	SaveOffer(context.Context, *types.Offer) error
	GetOffer(context.Context, string) (*types.Offer, error)
	UpdateOffer(context.Context, string, func(*types.Offer) error) (*types.Offer, error)
	ListOffers(context.Context, *types.OfferQuery) (*types.Page[*types.Offer], error)
	ListDueOffers(context.Context, time.Time) ([]*types.Offer, error)

	// Trades
	SaveTrade(context.Context, *types.Trade) error
	GetTrade(context.Context, string) (*types.Trade, error)
	TransitionTrade(
		ctx context.Context,
		id string,
		expected types.TradeStatus,
		apply func(*types.Trade),
	) (*types.Trade, error)
	ListOverdueTrades(context.Context, time.Time) ([]*types.Trade, error)

	// Escrows
	SaveEscrow(context.Context, *types.Escrow) error
	GetEscrow(context.Context, string) (*types.Escrow, error)
	UpdateEscrow(context.Context, string, func(*types.Escrow) error) (*types.Escrow, error)

	// Disputes
	SaveDispute(context.Context, *types.Dispute) error
	GetDispute(context.Context, string) (*types.Dispute, error)
	GetDisputeByTrade(context.Context, string) (*types.Dispute, error)
	UpdateDispute(context.Context, string, func(*types.Dispute) error) (*types.Dispute, error)

	// Ratings
	SaveRating(context.Context, *types.TradeRating) error
	GetRating(ctx context.Context, tradeID, raterID string) (*types.TradeRating, error)
	ListRatingsForUser(context.Context, string) ([]*types.TradeRating, error)

	// Trading limits
	UpdateLimits(context.Context, string, func(*types.TradingLimits) error) (*types.TradingLimits, error)
	GetLimits(context.Context, string) (*types.TradingLimits, error)
}
