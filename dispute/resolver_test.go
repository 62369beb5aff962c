package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sig-0/p2pdesk/escrow"
	"github.com/sig-0/p2pdesk/events"
	ledgermem "github.com/sig-0/p2pdesk/ledger/memory"
	"github.com/sig-0/p2pdesk/storage/memory"
	"github.com/sig-0/p2pdesk/storage/types"
)

// disputeEnv is a resolver wired over in-memory adapters, with one
// AWAITING_PAYMENT trade and its locked escrow in place
type disputeEnv struct {
	store    *memory.Storage
	funds    *ledgermem.Ledger
	bus      *events.Bus
	vault    *escrow.Vault
	resolver *Resolver

	trade *types.Trade
}

func newDisputeEnv(t *testing.T) *disputeEnv {
	t.Helper()

	var (
		store = memory.NewStorage()
		funds = ledgermem.NewLedger()
		bus   = events.NewBus()
		vault = escrow.NewVault(store, funds)
	)

	funds.Fund("alice", types.AssetBTC, 2)

	locked, err := vault.Lock(context.Background(), "t-1", "alice", types.AssetBTC, 2)
	require.NoError(t, err)

	trade := &types.Trade{
		ID:              "t-1",
		OfferID:         "o-1",
		BuyerID:         "bob",
		SellerID:        "alice",
		Asset:           types.AssetBTC,
		AmountCrypto:    2,
		Status:          types.TradeAwaitingPayment,
		EscrowID:        locked.ID,
		PaymentDeadline: time.Now().UTC().Add(time.Hour),
		CreatedAt:       time.Now().UTC(),
	}

	require.NoError(t, store.SaveTrade(context.Background(), trade))

	return &disputeEnv{
		store:    store,
		funds:    funds,
		bus:      bus,
		vault:    vault,
		resolver: NewResolver(store, vault, bus),
		trade:    trade,
	}
}

func (env *disputeEnv) available(t *testing.T, userID string) float64 {
	t.Helper()

	balance, err := env.funds.AvailableBalance(context.Background(), userID, types.AssetBTC)
	require.NoError(t, err)

	return balance
}

func (env *disputeEnv) tradeStatus(t *testing.T) types.TradeStatus {
	t.Helper()

	trade, err := env.store.GetTrade(context.Background(), env.trade.ID)
	require.NoError(t, err)

	return trade.Status
}

func TestResolver_Open(t *testing.T) {
	t.Parallel()

	t.Run("outsider cannot dispute", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)

		_, err := env.resolver.Open(context.Background(), env.trade.ID, "mallory", "scam", "")
		assert.ErrorIs(t, err, ErrNotParticipant)
	})

	t.Run("terminal trade is not disputable", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)

		_, err := env.store.TransitionTrade(
			context.Background(),
			env.trade.ID,
			types.TradeAwaitingPayment,
			func(tr *types.Trade) {
				tr.Status = types.TradeCompleted
			},
		)
		require.NoError(t, err)

		_, err = env.resolver.Open(context.Background(), env.trade.ID, "bob", "late", "")
		assert.ErrorIs(t, err, ErrTradeNotDisputable)
	})

	t.Run("open freezes the trade", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)

		ch, unsub := env.bus.Subscribe(events.TopicDisputeOpened, 1)
		defer unsub()

		opened, err := env.resolver.Open(
			context.Background(),
			env.trade.ID,
			"bob",
			"no crypto received",
			"paid an hour ago, nothing released",
		)
		require.NoError(t, err)

		assert.Equal(t, types.DisputeOpen, opened.Status)
		assert.Equal(t, "bob", opened.RaisedBy)
		assert.Equal(t, types.TradeDisputed, env.tradeStatus(t))

		event, ok := (<-ch).(events.DisputeOpened)
		require.True(t, ok)
		assert.Equal(t, opened.ID, event.DisputeID)

		// A second open on the frozen trade is rejected
		_, err = env.resolver.Open(context.Background(), env.trade.ID, "alice", "counter", "")
		assert.ErrorIs(t, err, ErrDisputeAlreadyOpen)
	})
}

func TestResolver_Lifecycle(t *testing.T) {
	t.Parallel()

	t.Run("investigate and escalate", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)

		opened, err := env.resolver.Open(context.Background(), env.trade.ID, "bob", "late", "")
		require.NoError(t, err)

		investigating, err := env.resolver.Investigate(context.Background(), opened.ID, "arb-1")
		require.NoError(t, err)
		assert.Equal(t, types.DisputeInvestigating, investigating.Status)

		escalated, err := env.resolver.Escalate(context.Background(), opened.ID, "arb-1")
		require.NoError(t, err)
		assert.Equal(t, types.DisputeEscalated, escalated.Status)
	})

	t.Run("escalated dispute still resolves", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)

		opened, err := env.resolver.Open(context.Background(), env.trade.ID, "bob", "late", "")
		require.NoError(t, err)

		_, err = env.resolver.Escalate(context.Background(), opened.ID, "arb-1")
		require.NoError(t, err)

		resolved, err := env.resolver.Resolve(context.Background(), opened.ID, "arb-2", Outcome{
			Resolution: types.ResolutionRefund,
		})
		require.NoError(t, err)

		assert.Equal(t, types.DisputeResolved, resolved.Status)
		assert.Equal(t, float64(2), env.available(t, "alice"))
		assert.Equal(t, types.TradeRefunded, env.tradeStatus(t))
	})

	t.Run("resolved dispute is immutable", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)

		opened, err := env.resolver.Open(context.Background(), env.trade.ID, "bob", "late", "")
		require.NoError(t, err)

		_, err = env.resolver.Resolve(context.Background(), opened.ID, "arb-1", Outcome{
			Resolution: types.ResolutionRefund,
		})
		require.NoError(t, err)

		_, err = env.resolver.Investigate(context.Background(), opened.ID, "arb-1")
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		_, err = env.resolver.Resolve(context.Background(), opened.ID, "arb-1", Outcome{
			Resolution: types.ResolutionRelease,
		})
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	open := func(t *testing.T, env *disputeEnv) *types.Dispute {
		t.Helper()

		opened, err := env.resolver.Open(context.Background(), env.trade.ID, "bob", "late", "")
		require.NoError(t, err)

		return opened
	}

	t.Run("unknown outcome", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)
		opened := open(t, env)

		_, err := env.resolver.Resolve(context.Background(), opened.ID, "arb-1", Outcome{
			Resolution: "SHRED",
		})
		assert.ErrorIs(t, err, ErrInvalidOutcome)
	})

	t.Run("release pays the buyer", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)
		opened := open(t, env)

		ch, unsub := env.bus.Subscribe(events.TopicDisputeResolved, 1)
		defer unsub()

		resolved, err := env.resolver.Resolve(context.Background(), opened.ID, "arb-1", Outcome{
			Resolution: types.ResolutionRelease,
		})
		require.NoError(t, err)

		assert.Equal(t, types.DisputeResolved, resolved.Status)
		assert.Equal(t, "arb-1", resolved.ResolvedBy)
		require.NotNil(t, resolved.ResolvedAt)

		assert.Equal(t, float64(2), env.available(t, "bob"))
		assert.Equal(t, types.TradeCompleted, env.tradeStatus(t))

		event, ok := (<-ch).(events.DisputeResolved)
		require.True(t, ok)
		assert.Equal(t, types.ResolutionRelease, event.Resolution)
	})

	t.Run("refund returns to the seller", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)
		opened := open(t, env)

		resolved, err := env.resolver.Resolve(context.Background(), opened.ID, "arb-1", Outcome{
			Resolution: types.ResolutionRefund,
		})
		require.NoError(t, err)

		assert.Equal(t, types.ResolutionRefund, resolved.Resolution)
		assert.Equal(t, float64(2), env.available(t, "alice"))
		assert.Equal(t, types.TradeRefunded, env.tradeStatus(t))
	})

	t.Run("split rejects outsiders", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)
		opened := open(t, env)

		_, err := env.resolver.Resolve(context.Background(), opened.ID, "arb-1", Outcome{
			Resolution: types.ResolutionSplit,
			Shares: map[string]float64{
				"bob":     0.5,
				"mallory": 0.5,
			},
		})
		assert.ErrorIs(t, err, escrow.ErrInvalidShares)
	})

	t.Run("split divides between the parties", func(t *testing.T) {
		t.Parallel()

		env := newDisputeEnv(t)
		opened := open(t, env)

		resolved, err := env.resolver.Resolve(context.Background(), opened.ID, "arb-1", Outcome{
			Resolution: types.ResolutionSplit,
			Shares: map[string]float64{
				"alice": 0.5,
				"bob":   0.5,
			},
		})
		require.NoError(t, err)

		assert.Equal(t, types.ResolutionSplit, resolved.Resolution)
		assert.Equal(t, float64(1), env.available(t, "alice"))
		assert.Equal(t, float64(1), env.available(t, "bob"))
		assert.Equal(t, types.TradeCompleted, env.tradeStatus(t))
	})
}
