package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

func testOffer(id string) *types.Offer {
	return &types.Offer{
		ID:           id,
		OwnerID:      "alice",
		Side:         types.SideSell,
		Asset:        types.AssetBTC,
		FiatCurrency: types.FiatUSD,
		PricePerUnit: 100,
		MinAmount:    1,
		MaxAmount:    5,
		TotalAmount:  10,
		Remaining:    10,
		Status:       types.OfferActive,
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		CreatedAt:    time.Now().UTC(),
	}
}

func TestStorage_Offers(t *testing.T) {
	t.Parallel()

	t.Run("missing offer", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		_, err := s.GetOffer(context.Background(), "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("round trip is isolated from the caller", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		offer := testOffer("o-1")
		require.NoError(t, s.SaveOffer(context.Background(), offer))

		// Mutating the saved value must not leak into the store
		offer.Remaining = 0

		fetched, err := s.GetOffer(context.Background(), "o-1")
		require.NoError(t, err)

		assert.Equal(t, float64(10), fetched.Remaining)
	})

	t.Run("update applies atomically", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()
		require.NoError(t, s.SaveOffer(context.Background(), testOffer("o-1")))

		updated, err := s.UpdateOffer(context.Background(), "o-1", func(o *types.Offer) error {
			o.Remaining -= 4

			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, float64(6), updated.Remaining)

		fetched, err := s.GetOffer(context.Background(), "o-1")
		require.NoError(t, err)

		assert.Equal(t, float64(6), fetched.Remaining)
	})

	t.Run("update callback error leaves state untouched", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()
		require.NoError(t, s.SaveOffer(context.Background(), testOffer("o-1")))

		boom := errors.New("boom")

		_, err := s.UpdateOffer(context.Background(), "o-1", func(o *types.Offer) error {
			o.Remaining = 0

			return boom
		})
		require.ErrorIs(t, err, boom)

		fetched, err := s.GetOffer(context.Background(), "o-1")
		require.NoError(t, err)

		assert.Equal(t, float64(10), fetched.Remaining)
	})

	t.Run("list filters and paginates", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		for _, id := range []string{"o-1", "o-2", "o-3"} {
			offer := testOffer(id)
			if id == "o-3" {
				offer.Side = types.SideBuy
			}

			require.NoError(t, s.SaveOffer(context.Background(), offer))
		}

		side := types.SideSell

		page, err := s.ListOffers(context.Background(), &types.OfferQuery{
			Side:  &side,
			Limit: 1,
		})
		require.NoError(t, err)

		assert.Equal(t, int64(2), page.Total)
		assert.Len(t, page.Results, 1)
	})

	t.Run("negative offset reads from the start", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()
		require.NoError(t, s.SaveOffer(context.Background(), testOffer("o-1")))

		page, err := s.ListOffers(context.Background(), &types.OfferQuery{
			Offset: -5,
		})
		require.NoError(t, err)

		assert.Equal(t, int64(1), page.Total)
		assert.Len(t, page.Results, 1)
	})

	t.Run("due offers exclude active unexpired", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		now := time.Now().UTC()

		fresh := testOffer("o-fresh")
		stale := testOffer("o-stale")
		stale.ExpiresAt = now.Add(-time.Minute)

		require.NoError(t, s.SaveOffer(context.Background(), fresh))
		require.NoError(t, s.SaveOffer(context.Background(), stale))

		due, err := s.ListDueOffers(context.Background(), now)
		require.NoError(t, err)

		require.Len(t, due, 1)
		assert.Equal(t, "o-stale", due[0].ID)
	})
}

func TestStorage_TransitionTrade(t *testing.T) {
	t.Parallel()

	newTrade := func(id string, status types.TradeStatus) *types.Trade {
		return &types.Trade{
			ID:              id,
			OfferID:         "o-1",
			BuyerID:         "bob",
			SellerID:        "alice",
			Status:          status,
			PaymentDeadline: time.Now().UTC().Add(time.Hour),
		}
	}

	t.Run("missing trade", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		_, err := s.TransitionTrade(
			context.Background(),
			"nope",
			types.TradeCreated,
			func(*types.Trade) {},
		)

		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("stale expected status", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()
		require.NoError(t, s.SaveTrade(context.Background(), newTrade("t-1", types.TradeCompleted)))

		_, err := s.TransitionTrade(
			context.Background(),
			"t-1",
			types.TradeAwaitingPayment,
			func(tr *types.Trade) {
				tr.Status = types.TradeCancelled
			},
		)

		require.ErrorIs(t, err, storage.ErrStaleState)

		fetched, err := s.GetTrade(context.Background(), "t-1")
		require.NoError(t, err)

		assert.Equal(t, types.TradeCompleted, fetched.Status)
	})

	t.Run("valid transition", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()
		require.NoError(t, s.SaveTrade(context.Background(), newTrade("t-1", types.TradeAwaitingPayment)))

		updated, err := s.TransitionTrade(
			context.Background(),
			"t-1",
			types.TradeAwaitingPayment,
			func(tr *types.Trade) {
				tr.Status = types.TradePaymentClaimed
			},
		)
		require.NoError(t, err)

		assert.Equal(t, types.TradePaymentClaimed, updated.Status)
	})

	t.Run("overdue trades", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		now := time.Now().UTC()

		overdue := newTrade("t-overdue", types.TradeAwaitingPayment)
		overdue.PaymentDeadline = now.Add(-time.Minute)

		pending := newTrade("t-pending", types.TradeAwaitingPayment)
		done := newTrade("t-done", types.TradeCompleted)
		done.PaymentDeadline = now.Add(-time.Minute)

		for _, tr := range []*types.Trade{overdue, pending, done} {
			require.NoError(t, s.SaveTrade(context.Background(), tr))
		}

		trades, err := s.ListOverdueTrades(context.Background(), now)
		require.NoError(t, err)

		require.Len(t, trades, 1)
		assert.Equal(t, "t-overdue", trades[0].ID)
	})
}

func TestStorage_Ratings(t *testing.T) {
	t.Parallel()

	t.Run("duplicate pair is rejected", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		rating := &types.TradeRating{
			ID:      "r-1",
			TradeID: "t-1",
			RaterID: "bob",
			RatedID: "alice",
			Rating:  5,
		}

		require.NoError(t, s.SaveRating(context.Background(), rating))

		dup := *rating
		dup.ID = "r-2"

		assert.ErrorIs(t, s.SaveRating(context.Background(), &dup), storage.ErrDuplicate)
	})

	t.Run("ratings are listed for the rated user", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		for i, rater := range []string{"bob", "carol"} {
			require.NoError(t, s.SaveRating(context.Background(), &types.TradeRating{
				ID:      "r-" + rater,
				TradeID: "t-" + rater,
				RaterID: rater,
				RatedID: "alice",
				Rating:  i + 4,
			}))
		}

		ratings, err := s.ListRatingsForUser(context.Background(), "alice")
		require.NoError(t, err)

		assert.Len(t, ratings, 2)

		none, err := s.ListRatingsForUser(context.Background(), "bob")
		require.NoError(t, err)

		assert.Empty(t, none)
	})
}

func TestStorage_Limits(t *testing.T) {
	t.Parallel()

	t.Run("update creates the record on first touch", func(t *testing.T) {
		t.Parallel()

		s := NewStorage()

		_, err := s.GetLimits(context.Background(), "alice")
		require.ErrorIs(t, err, storage.ErrNotFound)

		updated, err := s.UpdateLimits(context.Background(), "alice", func(l *types.TradingLimits) error {
			l.DailyVolume += 100

			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, "alice", updated.UserID)
		assert.Equal(t, float64(100), updated.DailyVolume)

		fetched, err := s.GetLimits(context.Background(), "alice")
		require.NoError(t, err)

		assert.Equal(t, float64(100), fetched.DailyVolume)
	})
}
