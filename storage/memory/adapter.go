package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

type ratingKey struct {
	tradeID, raterID string
}

// Storage is a mutex-guarded, map-backed implementation of
// storage.Storage. A single lock covers all entity maps, which keeps
// the Update* callbacks and trade CAS transitions trivially atomic
type Storage struct {
	offers   map[string]types.Offer
	trades   map[string]types.Trade
	escrows  map[string]types.Escrow
	disputes map[string]types.Dispute
	ratings  map[ratingKey]types.TradeRating
	limits   map[string]types.TradingLimits

	mu sync.RWMutex
}

func NewStorage() *Storage {
	return &Storage{
		offers:   make(map[string]types.Offer),
		trades:   make(map[string]types.Trade),
		escrows:  make(map[string]types.Escrow),
		disputes: make(map[string]types.Dispute),
		ratings:  make(map[ratingKey]types.TradeRating),
		limits:   make(map[string]types.TradingLimits),
	}
}

func (s *Storage) SaveOffer(_ context.Context, o *types.Offer) error {
	s.mu.Lock()
	s.offers[o.ID] = cloneOffer(o)
	s.mu.Unlock()

	return nil
}

func (s *Storage) GetOffer(_ context.Context, id string) (*types.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := cloneOffer(&o)

	return &cp, nil
}

func (s *Storage) UpdateOffer(
	_ context.Context,
	id string,
	apply func(*types.Offer) error,
) (*types.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := cloneOffer(&o)
	if err := apply(&cp); err != nil {
		return nil, err
	}

	s.offers[id] = cloneOffer(&cp)

	return &cp, nil
}

func (s *Storage) ListOffers(
	_ context.Context,
	query *types.OfferQuery,
) (*types.Page[*types.Offer], error) {
	s.mu.RLock()

	out := make([]*types.Offer, 0, len(s.offers))

	for _, o := range s.offers {
		if query.Side != nil && o.Side != *query.Side {
			continue
		}

		if query.Asset != nil && o.Asset != *query.Asset {
			continue
		}

		if query.Fiat != nil && o.FiatCurrency != *query.Fiat {
			continue
		}

		if query.Status != nil && o.Status != *query.Status {
			continue
		}

		if query.OwnerID != nil && o.OwnerID != *query.OwnerID {
			continue
		}

		cp := cloneOffer(&o)
		out = append(out, &cp)
	}

	s.mu.RUnlock()

	// Newest offers first, ID as the tie-breaker
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return paginate(out, query.Limit, query.Offset), nil
}

func (s *Storage) ListDueOffers(_ context.Context, now time.Time) ([]*types.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Offer

	for _, o := range s.offers {
		if o.Status != types.OfferActive {
			continue
		}

		if o.ExpiresAt.After(now) {
			continue
		}

		cp := cloneOffer(&o)
		out = append(out, &cp)
	}

	return out, nil
}

func (s *Storage) SaveTrade(_ context.Context, t *types.Trade) error {
	s.mu.Lock()
	s.trades[t.ID] = cloneTrade(t)
	s.mu.Unlock()

	return nil
}

func (s *Storage) GetTrade(_ context.Context, id string) (*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := cloneTrade(&t)

	return &cp, nil
}

func (s *Storage) TransitionTrade(
	_ context.Context,
	id string,
	expected types.TradeStatus,
	apply func(*types.Trade),
) (*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if t.Status != expected {
		return nil, storage.ErrStaleState
	}

	cp := cloneTrade(&t)
	apply(&cp)

	s.trades[id] = cloneTrade(&cp)

	return &cp, nil
}

func (s *Storage) ListOverdueTrades(_ context.Context, now time.Time) ([]*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Trade

	for _, t := range s.trades {
		if t.Status != types.TradeAwaitingPayment {
			continue
		}

		if t.PaymentDeadline.After(now) {
			continue
		}

		cp := cloneTrade(&t)
		out = append(out, &cp)
	}

	return out, nil
}

func (s *Storage) SaveEscrow(_ context.Context, e *types.Escrow) error {
	s.mu.Lock()
	s.escrows[e.ID] = cloneEscrow(e)
	s.mu.Unlock()

	return nil
}

func (s *Storage) GetEscrow(_ context.Context, id string) (*types.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := cloneEscrow(&e)

	return &cp, nil
}

func (s *Storage) UpdateEscrow(
	_ context.Context,
	id string,
	apply func(*types.Escrow) error,
) (*types.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := cloneEscrow(&e)
	if err := apply(&cp); err != nil {
		return nil, err
	}

	s.escrows[id] = cloneEscrow(&cp)

	return &cp, nil
}

func (s *Storage) SaveDispute(_ context.Context, d *types.Dispute) error {
	s.mu.Lock()
	s.disputes[d.ID] = cloneDispute(d)
	s.mu.Unlock()

	return nil
}

func (s *Storage) GetDispute(_ context.Context, id string) (*types.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := cloneDispute(&d)

	return &cp, nil
}

func (s *Storage) GetDisputeByTrade(_ context.Context, tradeID string) (*types.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.disputes {
		if d.TradeID == tradeID {
			cp := cloneDispute(&d)

			return &cp, nil
		}
	}

	return nil, storage.ErrNotFound
}

func (s *Storage) UpdateDispute(
	_ context.Context,
	id string,
	apply func(*types.Dispute) error,
) (*types.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := cloneDispute(&d)
	if err := apply(&cp); err != nil {
		return nil, err
	}

	s.disputes[id] = cloneDispute(&cp)

	return &cp, nil
}

func (s *Storage) SaveRating(_ context.Context, r *types.TradeRating) error {
	k := ratingKey{
		tradeID: r.TradeID,
		raterID: r.RaterID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ratings[k]; ok {
		return storage.ErrDuplicate
	}

	s.ratings[k] = *r

	return nil
}

func (s *Storage) GetRating(
	_ context.Context,
	tradeID, raterID string,
) (*types.TradeRating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.ratings[ratingKey{tradeID: tradeID, raterID: raterID}]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := r

	return &cp, nil
}

func (s *Storage) ListRatingsForUser(_ context.Context, userID string) ([]*types.TradeRating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TradeRating

	for _, r := range s.ratings {
		if r.RatedID != userID {
			continue
		}

		cp := r
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

func (s *Storage) UpdateLimits(
	_ context.Context,
	userID string,
	apply func(*types.TradingLimits) error,
) (*types.TradingLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[userID]
	if !ok {
		l = types.TradingLimits{UserID: userID}
	}

	cp := l
	if err := apply(&cp); err != nil {
		return nil, err
	}

	s.limits[userID] = cp
	out := cp

	return &out, nil
}

func (s *Storage) GetLimits(_ context.Context, userID string) (*types.TradingLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.limits[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := l

	return &cp, nil
}

func paginate(offers []*types.Offer, limit int32, offset int64) *types.Page[*types.Offer] {
	total := int64(len(offers))

	if offset < 0 {
		offset = 0
	}

	lim := limit
	if lim <= 0 {
		lim = 100
	}

	if lim > 500 {
		lim = 500
	}

	if offset > total {
		return &types.Page[*types.Offer]{
			Results: nil,
			Total:   total,
		}
	}

	start := int(offset)

	end := start + int(lim)
	if end > len(offers) {
		end = len(offers)
	}

	return &types.Page[*types.Offer]{
		Results: offers[start:end],
		Total:   total,
	}
}

func cloneOffer(o *types.Offer) types.Offer {
	cp := *o
	cp.PaymentMethods = append([]types.PaymentMethod(nil), o.PaymentMethods...)

	return cp
}

func cloneTrade(t *types.Trade) types.Trade {
	cp := *t
	cp.PaymentConfirmedAt = cloneTime(t.PaymentConfirmedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.CancelledAt = cloneTime(t.CancelledAt)

	return cp
}

func cloneEscrow(e *types.Escrow) types.Escrow {
	cp := *e
	cp.ReleasedAt = cloneTime(e.ReleasedAt)

	return cp
}

func cloneDispute(d *types.Dispute) types.Dispute {
	cp := *d
	cp.ResolvedAt = cloneTime(d.ResolvedAt)

	if d.Shares != nil {
		cp.Shares = make(map[string]float64, len(d.Shares))
		for k, v := range d.Shares {
			cp.Shares[k] = v
		}
	}

	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	cp := *t

	return &cp
}
