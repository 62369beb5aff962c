package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/sig-0/p2pdesk/dispute"
	"github.com/sig-0/p2pdesk/escrow"
	"github.com/sig-0/p2pdesk/events"
	"github.com/sig-0/p2pdesk/limits"
	"github.com/sig-0/p2pdesk/offerbook"
	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	// ErrWrongActor is returned when a transition is attempted by the
	// wrong party (e.g. the seller claiming payment)
	ErrWrongActor = errors.New("wrong actor for transition")

	// ErrInvalidTransition is returned for a transition outside the
	// trade state machine
	ErrInvalidTransition = errors.New("invalid trade transition")

	// ErrSameParty is returned when a user accepts their own offer
	ErrSameParty = errors.New("cannot trade against own offer")

	// ErrAmountOutOfRange is returned when the accept amount falls
	// outside the offer's min/max bounds
	ErrAmountOutOfRange = errors.New("amount outside offer bounds")

	// ErrPaymentMethodNotOffered is returned when the chosen payment
	// method is not on the offer
	ErrPaymentMethodNotOffered = errors.New("payment method not offered")
)

const (
	defaultCompensationAttempts = 3
	defaultCompensationBackoff  = 100 * time.Millisecond
)

// Engine drives the trade state machine:
//
//	CREATED -> AWAITING_PAYMENT -> PAYMENT_CLAIMED -> COMPLETED
//
// with side branches to CANCELLED (before payment is claimed) and
// DISPUTED (from either payment state). Every transition is a single
// compare-and-swap at the storage layer, so concurrent confirms,
// cancels and timeout sweeps race safely
type Engine struct {
	storage  storage.Storage
	book     *offerbook.Book
	vault    *escrow.Vault
	guard    *limits.Guard
	resolver *dispute.Resolver
	bus      *events.Bus
	logger   *slog.Logger

	compensationAttempts int
	compensationBackoff  time.Duration

	onTradeCreated func(tradeID string, deadline time.Time)
}

func New(
	storage storage.Storage,
	book *offerbook.Book,
	vault *escrow.Vault,
	guard *limits.Guard,
	resolver *dispute.Resolver,
	bus *events.Bus,
	opts ...Option,
) *Engine {
	e := &Engine{
		storage:              storage,
		book:                 book,
		vault:                vault,
		guard:                guard,
		resolver:             resolver,
		bus:                  bus,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		compensationAttempts: defaultCompensationAttempts,
		compensationBackoff:  defaultCompensationBackoff,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// AcceptOffer turns (part of) a standing offer into a live trade.
// The reserve / decrement / lock sequence is a saga: any failure after
// the limits reservation unwinds every executed step in reverse order,
// so no escrow is left locked without a trade and no volume stays
// reserved for a trade that never existed
func (e *Engine) AcceptOffer(
	ctx context.Context,
	offerID, counterpartyID string,
	amount float64,
	method types.PaymentMethod,
) (*types.Trade, error) {
	offer, err := e.book.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}

	if err := validateAccept(offer, counterpartyID, amount, method); err != nil {
		return nil, err
	}

	// The offer owner's side determines who buys and who sells
	buyerID, sellerID := counterpartyID, offer.OwnerID
	if offer.Side == types.SideBuy {
		buyerID, sellerID = offer.OwnerID, counterpartyID
	}

	var (
		now       = time.Now().UTC()
		fiat      = amount * offer.PricePerUnit
		tradeID   = xid.New().String()
		sagaLog   = newSaga(e.logger, e.compensationAttempts, e.compensationBackoff)
		rollback  = func(cause error) error {
			if compErr := sagaLog.rollback(ctx); compErr != nil {
				return errors.Join(cause, compErr)
			}

			return cause
		}
	)

	// Step 1: reserve trading volume for the accepting party
	reservation, err := e.guard.CheckAndReserve(ctx, counterpartyID, fiat, now)
	if err != nil {
		return nil, err
	}

	sagaLog.record("release limits reservation", func(ctx context.Context) error {
		return e.guard.Release(ctx, reservation)
	})

	// Step 2: consume the offer's remaining amount
	if _, err := e.book.DecrementRemaining(ctx, offerID, amount); err != nil {
		return nil, rollback(err)
	}

	sagaLog.record("restore offer remaining", func(ctx context.Context) error {
		_, err := e.book.RestoreRemaining(ctx, offerID, amount)

		return err
	})

	// Step 3: lock the seller's crypto
	lockedEscrow, err := e.vault.Lock(ctx, tradeID, sellerID, offer.Asset, amount)
	if err != nil {
		return nil, rollback(err)
	}

	sagaLog.record("refund escrow", func(ctx context.Context) error {
		return e.vault.Refund(ctx, lockedEscrow.ID)
	})

	// Step 4: persist the trade and open the payment window
	trade := &types.Trade{
		ID:              tradeID,
		OfferID:         offer.ID,
		BuyerID:         buyerID,
		SellerID:        sellerID,
		Asset:           offer.Asset,
		AmountCrypto:    amount,
		PricePerUnit:    offer.PricePerUnit,
		TotalFiat:       fiat,
		FiatCurrency:    offer.FiatCurrency,
		PaymentMethod:   method,
		Status:          types.TradeCreated,
		EscrowID:        lockedEscrow.ID,
		PaymentDeadline: now.Add(offer.PaymentWindow),
		CreatedAt:       now,
	}

	if err := e.storage.SaveTrade(ctx, trade); err != nil {
		return nil, rollback(fmt.Errorf("unable to persist trade: %w", err))
	}

	// The persisted row must not survive a failed open as CREATED, or a
	// later participant cancel would re-run the compensations
	sagaLog.record("cancel orphaned trade", func(ctx context.Context) error {
		cancelledAt := time.Now().UTC()

		_, err := e.storage.TransitionTrade(
			ctx,
			tradeID,
			types.TradeCreated,
			func(t *types.Trade) {
				t.Status = types.TradeCancelled
				t.CancelReason = "trade creation failed"
				t.CancelledAt = &cancelledAt
			},
		)

		return err
	})

	trade, err = e.storage.TransitionTrade(
		ctx,
		tradeID,
		types.TradeCreated,
		func(t *types.Trade) {
			t.Status = types.TradeAwaitingPayment
		},
	)
	if err != nil {
		return nil, rollback(fmt.Errorf("unable to open payment window: %w", err))
	}

	e.guard.Commit(ctx, reservation)

	e.logger.Info(
		"trade created",
		"trade", trade.ID,
		"offer", offer.ID,
		"buyer", buyerID,
		"seller", sellerID,
		"amount", amount,
		"fiat", fiat,
	)

	e.bus.Publish(events.TopicTradeCreated, events.TradeCreated{
		TradeID:  trade.ID,
		OfferID:  offer.ID,
		BuyerID:  buyerID,
		SellerID: sellerID,
		Amount:   amount,
	})

	if e.onTradeCreated != nil {
		e.onTradeCreated(trade.ID, trade.PaymentDeadline)
	}

	return trade, nil
}

// ClaimPayment records the buyer's claim of having sent the fiat.
// Buyer only, AWAITING_PAYMENT only
func (e *Engine) ClaimPayment(ctx context.Context, tradeID, actorID string) (*types.Trade, error) {
	trade, err := e.storage.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if actorID != trade.BuyerID {
		return nil, ErrWrongActor
	}

	if trade.Status != types.TradeAwaitingPayment {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()

	trade, err = e.storage.TransitionTrade(
		ctx,
		tradeID,
		types.TradeAwaitingPayment,
		func(t *types.Trade) {
			t.Status = types.TradePaymentClaimed
			t.PaymentConfirmedAt = &now
		},
	)
	if err != nil {
		return nil, err
	}

	e.logger.Info("payment claimed", "trade", tradeID, "buyer", actorID)

	e.bus.Publish(events.TopicPaymentClaimed, events.PaymentClaimed{
		TradeID:   tradeID,
		BuyerID:   actorID,
		ClaimedAt: now,
	})

	return trade, nil
}

// ConfirmReceipt is the seller acknowledging the fiat arrived; it
// completes the trade and releases the escrow to the buyer
func (e *Engine) ConfirmReceipt(ctx context.Context, tradeID, actorID string) (*types.Trade, error) {
	trade, err := e.storage.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if actorID != trade.SellerID {
		return nil, ErrWrongActor
	}

	if trade.Status != types.TradePaymentClaimed {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()

	// Win the state race first, then move funds. The escrow release is
	// idempotent, so a crash here is recovered by replaying it
	trade, err = e.storage.TransitionTrade(
		ctx,
		tradeID,
		types.TradePaymentClaimed,
		func(t *types.Trade) {
			t.Status = types.TradeCompleted
			t.CompletedAt = &now
		},
	)
	if err != nil {
		return nil, err
	}

	releaseEscrow := func(ctx context.Context) error {
		return e.vault.Release(ctx, trade.EscrowID, trade.BuyerID)
	}

	if err := retry(ctx, e.compensationAttempts, e.compensationBackoff, releaseEscrow); err != nil {
		return nil, fmt.Errorf("%w: escrow release for trade %s: %w", ErrCompensationFailed, tradeID, err)
	}

	e.logger.Info("trade completed", "trade", tradeID, "seller", actorID)

	e.bus.Publish(events.TopicTradeCompleted, events.TradeCompleted{
		TradeID:     tradeID,
		BuyerID:     trade.BuyerID,
		SellerID:    trade.SellerID,
		CompletedAt: now,
	})

	return trade, nil
}

// Cancel aborts a trade before payment is claimed. Either party may
// cancel; the escrow refunds to the seller, the offer regains its
// remaining amount, and the limits reservation rolls back
func (e *Engine) Cancel(
	ctx context.Context,
	tradeID, actorID, reason string,
) (*types.Trade, error) {
	trade, err := e.storage.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if !trade.Participant(actorID) {
		return nil, ErrWrongActor
	}

	if trade.Status != types.TradeCreated && trade.Status != types.TradeAwaitingPayment {
		return nil, ErrInvalidTransition
	}

	return e.cancel(ctx, trade, actorID, reason)
}

// CancelOverdue is the payment-timeout path: the one system-initiated
// transition. It no-ops when the trade already moved on, making it
// idempotent against a concurrent manual cancel
func (e *Engine) CancelOverdue(ctx context.Context, tradeID string, now time.Time) error {
	trade, err := e.storage.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}

		return err
	}

	if trade.Status != types.TradeAwaitingPayment {
		return nil
	}

	if trade.PaymentDeadline.After(now) {
		return nil
	}

	_, err = e.cancel(ctx, trade, "", "payment window elapsed")
	if errors.Is(err, storage.ErrStaleState) {
		// Lost the race to a manual cancel or a payment claim
		return nil
	}

	return err
}

func (e *Engine) cancel(
	ctx context.Context,
	trade *types.Trade,
	actorID, reason string,
) (*types.Trade, error) {
	now := time.Now().UTC()

	cancelled, err := e.storage.TransitionTrade(
		ctx,
		trade.ID,
		trade.Status,
		func(t *types.Trade) {
			t.Status = types.TradeCancelled
			t.CancelReason = reason
			t.CancelledAt = &now
		},
	)
	if err != nil {
		return nil, err
	}

	// Compensations mirror the accept saga, in reverse order. Each one
	// is idempotent and retried; a stuck rollback is fatal-to-the-
	// operation and escalates instead of being dropped
	undo := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"refund escrow", func(ctx context.Context) error {
			return e.vault.Refund(ctx, cancelled.EscrowID)
		}},
		{"restore offer remaining", func(ctx context.Context) error {
			_, err := e.book.RestoreRemaining(ctx, cancelled.OfferID, cancelled.AmountCrypto)

			return err
		}},
		{"release limits volume", func(ctx context.Context) error {
			return e.guard.ReleaseVolume(ctx, e.acceptingParty(ctx, cancelled), cancelled.TotalFiat)
		}},
	}

	for _, step := range undo {
		if err := retry(ctx, e.compensationAttempts, e.compensationBackoff, step.fn); err != nil {
			return nil, fmt.Errorf(
				"%w: %s for trade %s: %w",
				ErrCompensationFailed, step.name, cancelled.ID, err,
			)
		}
	}

	e.logger.Info(
		"trade cancelled",
		"trade", cancelled.ID,
		"actor", actorID,
		"reason", reason,
	)

	e.bus.Publish(events.TopicTradeCancelled, events.TradeCancelled{
		TradeID:     cancelled.ID,
		CancelledBy: actorID,
		Reason:      reason,
		CancelledAt: now,
	})

	return cancelled, nil
}

// acceptingParty resolves which participant carried the limits
// reservation: the one who accepted, i.e. not the offer owner
func (e *Engine) acceptingParty(ctx context.Context, trade *types.Trade) string {
	offer, err := e.storage.GetOffer(ctx, trade.OfferID)
	if err != nil {
		// Fall back to the buyer, the accepting party for SELL offers
		return trade.BuyerID
	}

	return trade.Counterparty(offer.OwnerID)
}

// RaiseDispute freezes the trade and hands it to arbitration. Legal
// from AWAITING_PAYMENT or PAYMENT_CLAIMED; while DISPUTED, no release,
// refund or cancel is accepted
func (e *Engine) RaiseDispute(
	ctx context.Context,
	tradeID, actorID, reason, description string,
) (*types.Dispute, error) {
	return e.resolver.Open(ctx, tradeID, actorID, reason, description)
}

// Trade fetches a trade by ID
func (e *Engine) Trade(ctx context.Context, tradeID string) (*types.Trade, error) {
	return e.storage.GetTrade(ctx, tradeID)
}

func validateAccept(
	offer *types.Offer,
	counterpartyID string,
	amount float64,
	method types.PaymentMethod,
) error {
	if offer.Status != types.OfferActive {
		return offerbook.ErrOfferNotAcceptable
	}

	if counterpartyID == offer.OwnerID {
		return ErrSameParty
	}

	if amount < offer.MinAmount || amount > offer.MaxAmount {
		return ErrAmountOutOfRange
	}

	if amount > offer.Remaining {
		return offerbook.ErrInsufficientRemaining
	}

	if !offer.HasPaymentMethod(method) {
		return ErrPaymentMethodNotOffered
	}

	return nil
}
