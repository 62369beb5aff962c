package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sig-0/p2pdesk/dispute"
	"github.com/sig-0/p2pdesk/escrow"
	"github.com/sig-0/p2pdesk/events"
	"github.com/sig-0/p2pdesk/kyc"
	"github.com/sig-0/p2pdesk/ledger"
	ledgermem "github.com/sig-0/p2pdesk/ledger/memory"
	"github.com/sig-0/p2pdesk/limits"
	"github.com/sig-0/p2pdesk/offerbook"
	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/memory"
	"github.com/sig-0/p2pdesk/storage/types"
)

// flakyStore fails the first trade transition it sees, recording the
// trade it refused, and delegates everything else to the wrapped storage
type flakyStore struct {
	storage.Storage

	mu      sync.Mutex
	tradeID string
}

func (s *flakyStore) TransitionTrade(
	ctx context.Context,
	id string,
	expected types.TradeStatus,
	apply func(*types.Trade),
) (*types.Trade, error) {
	s.mu.Lock()
	first := s.tradeID == ""
	if first {
		s.tradeID = id
	}
	s.mu.Unlock()

	if first {
		return nil, errors.New("storage offline")
	}

	return s.Storage.TransitionTrade(ctx, id, expected, apply)
}

// testEnv wires the full settlement core over in-memory adapters
type testEnv struct {
	store  *memory.Storage
	funds  *ledgermem.Ledger
	bus    *events.Bus
	book   *offerbook.Book
	vault  *escrow.Vault
	guard  *limits.Guard
	engine *Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	var (
		store    = memory.NewStorage()
		funds    = ledgermem.NewLedger()
		bus      = events.NewBus()
		book     = offerbook.NewBook(store, bus)
		vault    = escrow.NewVault(store, funds)
		guard    = limits.NewGuard(store, kyc.NewStatic(2))
		resolver = dispute.NewResolver(store, vault, bus)
	)

	return &testEnv{
		store:  store,
		funds:  funds,
		bus:    bus,
		book:   book,
		vault:  vault,
		guard:  guard,
		engine: New(store, book, vault, guard, resolver, bus, opts...),
	}
}

// sellOffer creates an ACTIVE SELL offer for alice and funds her wallet
func (env *testEnv) sellOffer(t *testing.T) *types.Offer {
	t.Helper()

	env.funds.Fund("alice", types.AssetBTC, 10)

	offer, err := env.book.Create(context.Background(), "alice", &offerbook.Spec{
		Side:           types.SideSell,
		Asset:          types.AssetBTC,
		FiatCurrency:   types.FiatUSD,
		PricePerUnit:   100,
		MinAmount:      1,
		MaxAmount:      5,
		TotalAmount:    10,
		PaymentMethods: []types.PaymentMethod{types.PaymentBankTransfer},
	})
	require.NoError(t, err)

	return offer
}

func (env *testEnv) available(t *testing.T, userID string) float64 {
	t.Helper()

	balance, err := env.funds.AvailableBalance(context.Background(), userID, types.AssetBTC)
	require.NoError(t, err)

	return balance
}

func (env *testEnv) locked(t *testing.T, userID string) float64 {
	t.Helper()

	balance, err := env.funds.LockedBalance(context.Background(), userID, types.AssetBTC)
	require.NoError(t, err)

	return balance
}

func (env *testEnv) dailyVolume(t *testing.T, userID string) float64 {
	t.Helper()

	usage, err := env.guard.Usage(context.Background(), userID)
	if err != nil {
		return 0
	}

	return usage.DailyVolume
}

func TestEngine_AcceptOffer(t *testing.T) {
	t.Parallel()

	t.Run("valid accept", func(t *testing.T) {
		t.Parallel()

		var (
			firedID       string
			firedDeadline time.Time
		)

		env := newTestEnv(t, WithTradeCreatedHook(func(tradeID string, deadline time.Time) {
			firedID = tradeID
			firedDeadline = deadline
		}))

		offer := env.sellOffer(t)

		ch, unsub := env.bus.Subscribe(events.TopicTradeCreated, 1)
		defer unsub()

		trade, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)
		require.NoError(t, err)

		assert.Equal(t, types.TradeAwaitingPayment, trade.Status)
		assert.Equal(t, "bob", trade.BuyerID)
		assert.Equal(t, "alice", trade.SellerID)
		assert.Equal(t, float64(2), trade.AmountCrypto)
		assert.Equal(t, float64(200), trade.TotalFiat)
		assert.Equal(t, trade.CreatedAt.Add(offer.PaymentWindow), trade.PaymentDeadline)

		// Seller's crypto moved into the locked escrow
		assert.Equal(t, float64(8), env.available(t, "alice"))
		assert.Equal(t, float64(2), env.locked(t, "alice"))

		// The accepting party's volume is counted
		assert.Equal(t, float64(200), env.dailyVolume(t, "bob"))

		// Inventory consumed
		updated, err := env.book.Get(context.Background(), offer.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(8), updated.Remaining)

		event, ok := (<-ch).(events.TradeCreated)
		require.True(t, ok)
		assert.Equal(t, trade.ID, event.TradeID)

		assert.Equal(t, trade.ID, firedID)
		assert.Equal(t, trade.PaymentDeadline, firedDeadline)
	})

	t.Run("buy offer swaps the sides", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)

		// alice wants to buy, so the accepting bob is the seller
		env.funds.Fund("bob", types.AssetBTC, 5)

		offer, err := env.book.Create(context.Background(), "alice", &offerbook.Spec{
			Side:           types.SideBuy,
			Asset:          types.AssetBTC,
			FiatCurrency:   types.FiatUSD,
			PricePerUnit:   100,
			MinAmount:      1,
			MaxAmount:      5,
			TotalAmount:    5,
			PaymentMethods: []types.PaymentMethod{types.PaymentCash},
		})
		require.NoError(t, err)

		trade, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			3,
			types.PaymentCash,
		)
		require.NoError(t, err)

		assert.Equal(t, "alice", trade.BuyerID)
		assert.Equal(t, "bob", trade.SellerID)
		assert.Equal(t, float64(3), env.locked(t, "bob"))
	})

	t.Run("rejections", func(t *testing.T) {
		t.Parallel()

		testTable := []struct {
			name         string
			counterparty string
			amount       float64
			method       types.PaymentMethod
			expected     error
		}{
			{"own offer", "alice", 2, types.PaymentBankTransfer, ErrSameParty},
			{"below min", "bob", 0.5, types.PaymentBankTransfer, ErrAmountOutOfRange},
			{"above max", "bob", 6, types.PaymentBankTransfer, ErrAmountOutOfRange},
			{"unknown method", "bob", 2, types.PaymentPayPal, ErrPaymentMethodNotOffered},
		}

		for _, testCase := range testTable {
			t.Run(testCase.name, func(t *testing.T) {
				t.Parallel()

				env := newTestEnv(t)
				offer := env.sellOffer(t)

				_, err := env.engine.AcceptOffer(
					context.Background(),
					offer.ID,
					testCase.counterparty,
					testCase.amount,
					testCase.method,
				)

				assert.ErrorIs(t, err, testCase.expected)

				// Nothing was consumed on rejection
				assert.Equal(t, float64(10), env.available(t, "alice"))
				assert.Equal(t, float64(0), env.dailyVolume(t, testCase.counterparty))
			})
		}
	})

	t.Run("cancelled offer is not acceptable", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		_, err := env.book.Cancel(context.Background(), offer.ID, "alice")
		require.NoError(t, err)

		_, err = env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)

		assert.ErrorIs(t, err, offerbook.ErrOfferNotAcceptable)
	})

	t.Run("limit breach blocks the accept", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)

		env.funds.Fund("alice", types.AssetBTC, 1_000)

		offer, err := env.book.Create(context.Background(), "alice", &offerbook.Spec{
			Side:           types.SideSell,
			Asset:          types.AssetBTC,
			FiatCurrency:   types.FiatUSD,
			PricePerUnit:   100,
			MinAmount:      1,
			MaxAmount:      1_000,
			TotalAmount:    1_000,
			PaymentMethods: []types.PaymentMethod{types.PaymentBankTransfer},
		})
		require.NoError(t, err)

		// 500 * 100 = 50k fiat, above the level-2 daily ceiling
		_, err = env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			500,
			types.PaymentBankTransfer,
		)

		require.ErrorIs(t, err, limits.ErrLimitExceeded)

		// Inventory and funds untouched
		fetched, err := env.book.Get(context.Background(), offer.ID)
		require.NoError(t, err)

		assert.Equal(t, float64(1_000), fetched.Remaining)
		assert.Equal(t, float64(1_000), env.available(t, "alice"))
	})

	t.Run("underfunded seller rolls the saga back", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		// Drain the seller's wallet so the escrow lock fails
		require.NoError(
			t,
			env.funds.DebitAvailable(context.Background(), "alice", types.AssetBTC, 10),
		)

		_, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)

		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

		// The offer regained its inventory and the volume rolled back
		fetched, err := env.book.Get(context.Background(), offer.ID)
		require.NoError(t, err)

		assert.Equal(t, float64(10), fetched.Remaining)
		assert.Equal(t, float64(0), env.dailyVolume(t, "bob"))
	})

	t.Run("failed payment window open cancels the trade", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		flaky := &flakyStore{Storage: env.store}
		eng := New(
			flaky,
			env.book,
			env.vault,
			env.guard,
			dispute.NewResolver(env.store, env.vault, env.bus),
			env.bus,
		)

		_, err := eng.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)
		require.Error(t, err)

		// The persisted row landed on CANCELLED, not CREATED
		require.NotEmpty(t, flaky.tradeID)

		orphan, err := env.store.GetTrade(context.Background(), flaky.tradeID)
		require.NoError(t, err)
		assert.Equal(t, types.TradeCancelled, orphan.Status)

		fetched, err := env.book.Get(context.Background(), offer.ID)
		require.NoError(t, err)

		assert.Equal(t, float64(10), fetched.Remaining)
		assert.Equal(t, float64(10), env.available(t, "alice"))
		assert.Equal(t, float64(0), env.dailyVolume(t, "bob"))

		// A participant cancel cannot re-run the compensations
		_, err = eng.Cancel(context.Background(), flaky.tradeID, "bob", "never started")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("concurrent accepts cannot overdraw the offer", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)

		env.funds.Fund("alice", types.AssetBTC, 5)

		offer, err := env.book.Create(context.Background(), "alice", &offerbook.Spec{
			Side:           types.SideSell,
			Asset:          types.AssetBTC,
			FiatCurrency:   types.FiatUSD,
			PricePerUnit:   100,
			MinAmount:      1,
			MaxAmount:      5,
			TotalAmount:    5,
			PaymentMethods: []types.PaymentMethod{types.PaymentBankTransfer},
		})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			successes = make([]bool, 4)
			buyers    = []string{"bob", "carol", "dave", "erin"}
		)

		for i, buyer := range buyers {
			wg.Add(1)

			go func(i int, buyer string) {
				defer wg.Done()

				_, err := env.engine.AcceptOffer(
					context.Background(),
					offer.ID,
					buyer,
					5,
					types.PaymentBankTransfer,
				)

				successes[i] = err == nil
			}(i, buyer)
		}

		wg.Wait()

		var won int

		for _, ok := range successes {
			if ok {
				won++
			}
		}

		// Exactly one buyer takes the full inventory; the rest roll back
		assert.Equal(t, 1, won)
		assert.Equal(t, float64(5), env.locked(t, "alice"))
		assert.Equal(t, float64(0), env.available(t, "alice"))
	})
}

func TestEngine_ClaimPayment(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*testEnv, *types.Trade) {
		t.Helper()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		trade, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)
		require.NoError(t, err)

		return env, trade
	}

	t.Run("seller cannot claim", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		_, err := env.engine.ClaimPayment(context.Background(), trade.ID, "alice")
		assert.ErrorIs(t, err, ErrWrongActor)
	})

	t.Run("buyer claims once", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		claimed, err := env.engine.ClaimPayment(context.Background(), trade.ID, "bob")
		require.NoError(t, err)

		assert.Equal(t, types.TradePaymentClaimed, claimed.Status)
		require.NotNil(t, claimed.PaymentConfirmedAt)

		_, err = env.engine.ClaimPayment(context.Background(), trade.ID, "bob")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestEngine_ConfirmReceipt(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*testEnv, *types.Trade) {
		t.Helper()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		trade, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)
		require.NoError(t, err)

		_, err = env.engine.ClaimPayment(context.Background(), trade.ID, "bob")
		require.NoError(t, err)

		return env, trade
	}

	t.Run("buyer cannot confirm", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		_, err := env.engine.ConfirmReceipt(context.Background(), trade.ID, "bob")
		assert.ErrorIs(t, err, ErrWrongActor)
	})

	t.Run("confirm before claim is rejected", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		trade, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)
		require.NoError(t, err)

		_, err = env.engine.ConfirmReceipt(context.Background(), trade.ID, "alice")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("confirm completes and pays the buyer", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		ch, unsub := env.bus.Subscribe(events.TopicTradeCompleted, 1)
		defer unsub()

		completed, err := env.engine.ConfirmReceipt(context.Background(), trade.ID, "alice")
		require.NoError(t, err)

		assert.Equal(t, types.TradeCompleted, completed.Status)
		require.NotNil(t, completed.CompletedAt)

		// The crypto conserved: buyer holds the escrowed amount
		assert.Equal(t, float64(2), env.available(t, "bob"))
		assert.Equal(t, float64(8), env.available(t, "alice"))
		assert.Equal(t, float64(0), env.locked(t, "alice"))

		event, ok := (<-ch).(events.TradeCompleted)
		require.True(t, ok)
		assert.Equal(t, trade.ID, event.TradeID)
	})
}

func TestEngine_Cancel(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*testEnv, *types.Trade) {
		t.Helper()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		trade, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)
		require.NoError(t, err)

		return env, trade
	}

	t.Run("outsider cannot cancel", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		_, err := env.engine.Cancel(context.Background(), trade.ID, "mallory", "nope")
		assert.ErrorIs(t, err, ErrWrongActor)
	})

	t.Run("claimed payment blocks cancel", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		_, err := env.engine.ClaimPayment(context.Background(), trade.ID, "bob")
		require.NoError(t, err)

		_, err = env.engine.Cancel(context.Background(), trade.ID, "alice", "changed my mind")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("cancel unwinds the accept", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		cancelled, err := env.engine.Cancel(context.Background(), trade.ID, "bob", "no longer needed")
		require.NoError(t, err)

		assert.Equal(t, types.TradeCancelled, cancelled.Status)
		assert.Equal(t, "no longer needed", cancelled.CancelReason)

		// Escrow refunded to the seller
		assert.Equal(t, float64(10), env.available(t, "alice"))
		assert.Equal(t, float64(0), env.locked(t, "alice"))

		// Inventory restored
		offer, err := env.book.Get(context.Background(), cancelled.OfferID)
		require.NoError(t, err)
		assert.Equal(t, float64(10), offer.Remaining)

		// Volume released
		assert.Equal(t, float64(0), env.dailyVolume(t, "bob"))
	})
}

func TestEngine_CancelOverdue(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (*testEnv, *types.Trade) {
		t.Helper()

		env := newTestEnv(t)
		offer := env.sellOffer(t)

		trade, err := env.engine.AcceptOffer(
			context.Background(),
			offer.ID,
			"bob",
			2,
			types.PaymentBankTransfer,
		)
		require.NoError(t, err)

		return env, trade
	}

	t.Run("missing trade is a no-op", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)

		assert.NoError(t, env.engine.CancelOverdue(context.Background(), "nope", time.Now()))
	})

	t.Run("not yet due is a no-op", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		require.NoError(
			t,
			env.engine.CancelOverdue(context.Background(), trade.ID, trade.PaymentDeadline.Add(-time.Minute)),
		)

		fetched, err := env.engine.Trade(context.Background(), trade.ID)
		require.NoError(t, err)

		assert.Equal(t, types.TradeAwaitingPayment, fetched.Status)
	})

	t.Run("claimed trade is left alone", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		_, err := env.engine.ClaimPayment(context.Background(), trade.ID, "bob")
		require.NoError(t, err)

		require.NoError(
			t,
			env.engine.CancelOverdue(context.Background(), trade.ID, trade.PaymentDeadline.Add(time.Hour)),
		)

		fetched, err := env.engine.Trade(context.Background(), trade.ID)
		require.NoError(t, err)

		assert.Equal(t, types.TradePaymentClaimed, fetched.Status)
	})

	t.Run("overdue trade cancels with compensation", func(t *testing.T) {
		t.Parallel()

		env, trade := setup(t)

		require.NoError(
			t,
			env.engine.CancelOverdue(context.Background(), trade.ID, trade.PaymentDeadline.Add(time.Second)),
		)

		fetched, err := env.engine.Trade(context.Background(), trade.ID)
		require.NoError(t, err)

		assert.Equal(t, types.TradeCancelled, fetched.Status)
		assert.Equal(t, float64(10), env.available(t, "alice"))
		assert.Equal(t, float64(0), env.dailyVolume(t, "bob"))
	})
}

func TestEngine_RaiseDispute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	offer := env.sellOffer(t)

	trade, err := env.engine.AcceptOffer(
		context.Background(),
		offer.ID,
		"bob",
		2,
		types.PaymentBankTransfer,
	)
	require.NoError(t, err)

	opened, err := env.engine.RaiseDispute(
		context.Background(),
		trade.ID,
		"bob",
		"no response",
		"seller went quiet after I sent the transfer",
	)
	require.NoError(t, err)

	assert.Equal(t, types.DisputeOpen, opened.Status)

	fetched, err := env.engine.Trade(context.Background(), trade.ID)
	require.NoError(t, err)

	assert.Equal(t, types.TradeDisputed, fetched.Status)
	assert.Equal(t, opened.ID, fetched.DisputeID)

	// A frozen trade rejects the normal settlement paths
	_, err = env.engine.Cancel(context.Background(), trade.ID, "bob", "nevermind")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
