package mock

import (
	"context"
	"time"

	"github.com/sig-0/p2pdesk/storage/types"
)

type (
	SaveOfferDelegate    func(context.Context, *types.Offer) error
	GetOfferDelegate     func(context.Context, string) (*types.Offer, error)
	UpdateOfferDelegate  func(context.Context, string, func(*types.Offer) error) (*types.Offer, error)
	ListOffersDelegate   func(context.Context, *types.OfferQuery) (*types.Page[*types.Offer], error)
	ListDueOffersDelegate func(context.Context, time.Time) ([]*types.Offer, error)

	SaveTradeDelegate        func(context.Context, *types.Trade) error
	GetTradeDelegate         func(context.Context, string) (*types.Trade, error)
	TransitionTradeDelegate  func(context.Context, string, types.TradeStatus, func(*types.Trade)) (*types.Trade, error)
	ListOverdueTradesDelegate func(context.Context, time.Time) ([]*types.Trade, error)

	SaveEscrowDelegate   func(context.Context, *types.Escrow) error
	GetEscrowDelegate    func(context.Context, string) (*types.Escrow, error)
	UpdateEscrowDelegate func(context.Context, string, func(*types.Escrow) error) (*types.Escrow, error)

	SaveDisputeDelegate       func(context.Context, *types.Dispute) error
	GetDisputeDelegate        func(context.Context, string) (*types.Dispute, error)
	GetDisputeByTradeDelegate func(context.Context, string) (*types.Dispute, error)
	UpdateDisputeDelegate     func(context.Context, string, func(*types.Dispute) error) (*types.Dispute, error)

	SaveRatingDelegate         func(context.Context, *types.TradeRating) error
	GetRatingDelegate          func(context.Context, string, string) (*types.TradeRating, error)
	ListRatingsForUserDelegate func(context.Context, string) ([]*types.TradeRating, error)

	UpdateLimitsDelegate func(context.Context, string, func(*types.TradingLimits) error) (*types.TradingLimits, error)
	GetLimitsDelegate    func(context.Context, string) (*types.TradingLimits, error)
)

type Storage struct {
	SaveOfferFn     SaveOfferDelegate
	GetOfferFn      GetOfferDelegate
	UpdateOfferFn   UpdateOfferDelegate
	ListOffersFn    ListOffersDelegate
	ListDueOffersFn ListDueOffersDelegate

	SaveTradeFn         SaveTradeDelegate
	GetTradeFn          GetTradeDelegate
	TransitionTradeFn   TransitionTradeDelegate
	ListOverdueTradesFn ListOverdueTradesDelegate

	SaveEscrowFn   SaveEscrowDelegate
	GetEscrowFn    GetEscrowDelegate
	UpdateEscrowFn UpdateEscrowDelegate

	SaveDisputeFn       SaveDisputeDelegate
	GetDisputeFn        GetDisputeDelegate
	GetDisputeByTradeFn GetDisputeByTradeDelegate
	UpdateDisputeFn     UpdateDisputeDelegate

	SaveRatingFn         SaveRatingDelegate
	GetRatingFn          GetRatingDelegate
	ListRatingsForUserFn ListRatingsForUserDelegate

	UpdateLimitsFn UpdateLimitsDelegate
	GetLimitsFn    GetLimitsDelegate
}

func (m *Storage) SaveOffer(ctx context.Context, o *types.Offer) error {
	if m.SaveOfferFn != nil {
		return m.SaveOfferFn(ctx, o)
	}

	return nil
}

func (m *Storage) GetOffer(ctx context.Context, id string) (*types.Offer, error) {
	if m.GetOfferFn != nil {
		return m.GetOfferFn(ctx, id)
	}

	return nil, nil
}

func (m *Storage) UpdateOffer(
	ctx context.Context,
	id string,
	apply func(*types.Offer) error,
) (*types.Offer, error) {
	if m.UpdateOfferFn != nil {
		return m.UpdateOfferFn(ctx, id, apply)
	}

	return nil, nil
}

func (m *Storage) ListOffers(
	ctx context.Context,
	query *types.OfferQuery,
) (*types.Page[*types.Offer], error) {
	if m.ListOffersFn != nil {
		return m.ListOffersFn(ctx, query)
	}

	return nil, nil
}

func (m *Storage) ListDueOffers(ctx context.Context, now time.Time) ([]*types.Offer, error) {
	if m.ListDueOffersFn != nil {
		return m.ListDueOffersFn(ctx, now)
	}

	return nil, nil
}

func (m *Storage) SaveTrade(ctx context.Context, t *types.Trade) error {
	if m.SaveTradeFn != nil {
		return m.SaveTradeFn(ctx, t)
	}

	return nil
}

func (m *Storage) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	if m.GetTradeFn != nil {
		return m.GetTradeFn(ctx, id)
	}

	return nil, nil
}

func (m *Storage) TransitionTrade(
	ctx context.Context,
	id string,
	expected types.TradeStatus,
	apply func(*types.Trade),
) (*types.Trade, error) {
	if m.TransitionTradeFn != nil {
		return m.TransitionTradeFn(ctx, id, expected, apply)
	}

	return nil, nil
}

func (m *Storage) ListOverdueTrades(ctx context.Context, now time.Time) ([]*types.Trade, error) {
	if m.ListOverdueTradesFn != nil {
		return m.ListOverdueTradesFn(ctx, now)
	}

	return nil, nil
}

func (m *Storage) SaveEscrow(ctx context.Context, e *types.Escrow) error {
	if m.SaveEscrowFn != nil {
		return m.SaveEscrowFn(ctx, e)
	}

	return nil
}

func (m *Storage) GetEscrow(ctx context.Context, id string) (*types.Escrow, error) {
	if m.GetEscrowFn != nil {
		return m.GetEscrowFn(ctx, id)
	}

	return nil, nil
}

func (m *Storage) UpdateEscrow(
	ctx context.Context,
	id string,
	apply func(*types.Escrow) error,
) (*types.Escrow, error) {
	if m.UpdateEscrowFn != nil {
		return m.UpdateEscrowFn(ctx, id, apply)
	}

	return nil, nil
}

func (m *Storage) SaveDispute(ctx context.Context, d *types.Dispute) error {
	if m.SaveDisputeFn != nil {
		return m.SaveDisputeFn(ctx, d)
	}

	return nil
}

func (m *Storage) GetDispute(ctx context.Context, id string) (*types.Dispute, error) {
	if m.GetDisputeFn != nil {
		return m.GetDisputeFn(ctx, id)
	}

	return nil, nil
}

func (m *Storage) GetDisputeByTrade(ctx context.Context, tradeID string) (*types.Dispute, error) {
	if m.GetDisputeByTradeFn != nil {
		return m.GetDisputeByTradeFn(ctx, tradeID)
	}

	return nil, nil
}

func (m *Storage) UpdateDispute(
	ctx context.Context,
	id string,
	apply func(*types.Dispute) error,
) (*types.Dispute, error) {
	if m.UpdateDisputeFn != nil {
		return m.UpdateDisputeFn(ctx, id, apply)
	}

	return nil, nil
}

func (m *Storage) SaveRating(ctx context.Context, r *types.TradeRating) error {
	if m.SaveRatingFn != nil {
		return m.SaveRatingFn(ctx, r)
	}

	return nil
}

func (m *Storage) GetRating(
	ctx context.Context,
	tradeID, raterID string,
) (*types.TradeRating, error) {
	if m.GetRatingFn != nil {
		return m.GetRatingFn(ctx, tradeID, raterID)
	}

	return nil, nil
}

func (m *Storage) ListRatingsForUser(
	ctx context.Context,
	userID string,
) ([]*types.TradeRating, error) {
	if m.ListRatingsForUserFn != nil {
		return m.ListRatingsForUserFn(ctx, userID)
	}

	return nil, nil
}

func (m *Storage) UpdateLimits(
	ctx context.Context,
	userID string,
	apply func(*types.TradingLimits) error,
) (*types.TradingLimits, error) {
	if m.UpdateLimitsFn != nil {
		return m.UpdateLimitsFn(ctx, userID, apply)
	}

	return nil, nil
}

func (m *Storage) GetLimits(ctx context.Context, userID string) (*types.TradingLimits, error) {
	if m.GetLimitsFn != nil {
		return m.GetLimitsFn(ctx, userID)
	}

	return nil, nil
}
