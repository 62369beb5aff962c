package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/sig-0/p2pdesk/escrow"
	"github.com/sig-0/p2pdesk/events"
	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	// ErrDisputeAlreadyOpen is returned when the trade already has a
	// non-terminal dispute
	ErrDisputeAlreadyOpen = errors.New("dispute already open for trade")

	// ErrTradeNotDisputable is returned when the trade is not in a
	// payment state
	ErrTradeNotDisputable = errors.New("trade not disputable")

	// ErrAlreadyResolved is returned on re-resolving a RESOLVED dispute
	ErrAlreadyResolved = errors.New("dispute already resolved")

	// ErrNotParticipant is returned when the raiser is neither the
	// buyer nor the seller
	ErrNotParticipant = errors.New("not a trade participant")

	// ErrInvalidOutcome is returned for an unknown resolution outcome
	ErrInvalidOutcome = errors.New("invalid resolution outcome")
)

// Outcome is an arbitrator's verdict
type Outcome struct {
	Resolution types.Resolution
	// Shares applies to SPLIT only: userID -> fraction of the escrow
	Shares map[string]float64
}

// Resolver freezes a disputed trade's escrow and later applies the
// arbitrator's verdict back through the escrow vault. There is no
// engine-enforced deadline on resolution; arbitration is human-paced
type Resolver struct {
	storage storage.Storage
	vault   *escrow.Vault
	bus     *events.Bus
	logger  *slog.Logger
}

func NewResolver(storage storage.Storage, vault *escrow.Vault, bus *events.Bus, opts ...Option) *Resolver {
	r := &Resolver{
		storage: storage,
		vault:   vault,
		bus:     bus,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Open records a dispute and moves the trade to DISPUTED, freezing its
// escrow against any engine-driven release or refund
func (r *Resolver) Open(
	ctx context.Context,
	tradeID, raisedBy, reason, description string,
) (*types.Dispute, error) {
	trade, err := r.storage.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if !trade.Participant(raisedBy) {
		return nil, ErrNotParticipant
	}

	if trade.Status != types.TradeAwaitingPayment && trade.Status != types.TradePaymentClaimed {
		if trade.Status == types.TradeDisputed {
			return nil, ErrDisputeAlreadyOpen
		}

		return nil, ErrTradeNotDisputable
	}

	existing, err := r.storage.GetDisputeByTrade(ctx, tradeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if existing != nil && existing.Status != types.DisputeResolved {
		return nil, ErrDisputeAlreadyOpen
	}

	dispute := &types.Dispute{
		ID:          xid.New().String(),
		TradeID:     tradeID,
		RaisedBy:    raisedBy,
		Reason:      reason,
		Description: description,
		Status:      types.DisputeOpen,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.storage.SaveDispute(ctx, dispute); err != nil {
		return nil, fmt.Errorf("unable to persist dispute: %w", err)
	}

	_, err = r.storage.TransitionTrade(
		ctx,
		tradeID,
		trade.Status,
		func(t *types.Trade) {
			t.Status = types.TradeDisputed
			t.DisputeID = dispute.ID
		},
	)
	if err != nil {
		return nil, err
	}

	r.logger.Info(
		"dispute opened",
		"dispute", dispute.ID,
		"trade", tradeID,
		"raised_by", raisedBy,
	)

	r.bus.Publish(events.TopicDisputeOpened, events.DisputeOpened{
		DisputeID: dispute.ID,
		TradeID:   tradeID,
		RaisedBy:  raisedBy,
		Reason:    reason,
	})

	return dispute, nil
}

// Investigate marks an OPEN dispute as under investigation
func (r *Resolver) Investigate(ctx context.Context, disputeID, resolverID string) (*types.Dispute, error) {
	return r.storage.UpdateDispute(ctx, disputeID, func(d *types.Dispute) error {
		if d.Status == types.DisputeResolved {
			return ErrAlreadyResolved
		}

		d.Status = types.DisputeInvestigating

		return nil
	})
}

// Escalate flags a dispute for senior review without resolving it
func (r *Resolver) Escalate(ctx context.Context, disputeID, resolverID string) (*types.Dispute, error) {
	return r.storage.UpdateDispute(ctx, disputeID, func(d *types.Dispute) error {
		if d.Status == types.DisputeResolved {
			return ErrAlreadyResolved
		}

		d.Status = types.DisputeEscalated

		return nil
	})
}

// Resolve applies the arbitrator's verdict: the escrow releases,
// refunds, or splits, and the parent trade lands on COMPLETED
// (RELEASE/SPLIT) or REFUNDED (REFUND). Any non-resolved dispute
// qualifies, escalated ones included, since escalation only routes
// the case to senior review
func (r *Resolver) Resolve(
	ctx context.Context,
	disputeID, resolverID string,
	outcome Outcome,
) (*types.Dispute, error) {
	dispute, err := r.storage.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if dispute.Status == types.DisputeResolved {
		return nil, ErrAlreadyResolved
	}

	trade, err := r.storage.GetTrade(ctx, dispute.TradeID)
	if err != nil {
		return nil, err
	}

	var final types.TradeStatus

	switch outcome.Resolution {
	case types.ResolutionRelease:
		if err := r.vault.Release(ctx, trade.EscrowID, trade.BuyerID); err != nil {
			return nil, err
		}

		final = types.TradeCompleted
	case types.ResolutionRefund:
		if err := r.vault.Refund(ctx, trade.EscrowID); err != nil {
			return nil, err
		}

		final = types.TradeRefunded
	case types.ResolutionSplit:
		for userID := range outcome.Shares {
			if !trade.Participant(userID) {
				return nil, fmt.Errorf("%w: %s is not a participant", escrow.ErrInvalidShares, userID)
			}
		}

		if err := r.vault.Split(ctx, trade.EscrowID, outcome.Shares); err != nil {
			return nil, err
		}

		final = types.TradeCompleted
	default:
		return nil, ErrInvalidOutcome
	}

	now := time.Now().UTC()

	dispute, err = r.storage.UpdateDispute(ctx, disputeID, func(d *types.Dispute) error {
		if d.Status == types.DisputeResolved {
			return ErrAlreadyResolved
		}

		d.Status = types.DisputeResolved
		d.Resolution = outcome.Resolution
		d.Shares = outcome.Shares
		d.ResolvedBy = resolverID
		d.ResolvedAt = &now

		return nil
	})
	if err != nil {
		return nil, err
	}

	_, err = r.storage.TransitionTrade(
		ctx,
		trade.ID,
		types.TradeDisputed,
		func(t *types.Trade) {
			t.Status = final

			if final == types.TradeCompleted {
				t.CompletedAt = &now
			} else {
				t.CancelledAt = &now
			}
		},
	)
	if err != nil && !errors.Is(err, storage.ErrStaleState) {
		return nil, err
	}

	r.logger.Info(
		"dispute resolved",
		"dispute", disputeID,
		"trade", trade.ID,
		"resolution", outcome.Resolution,
		"resolved_by", resolverID,
	)

	r.bus.Publish(events.TopicDisputeResolved, events.DisputeResolved{
		DisputeID:  disputeID,
		TradeID:    trade.ID,
		ResolvedBy: resolverID,
		Resolution: outcome.Resolution,
	})

	return dispute, nil
}

// Get fetches a dispute by ID
func (r *Resolver) Get(ctx context.Context, disputeID string) (*types.Dispute, error) {
	return r.storage.GetDispute(ctx, disputeID)
}
