package offerbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/sig-0/p2pdesk/events"
	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	// ErrInvalidOfferSpec is returned when the offer violates a
	// structural invariant (price, size bounds, payment methods)
	ErrInvalidOfferSpec = errors.New("invalid offer spec")

	// ErrNotOwner is returned when a non-owner attempts to cancel
	ErrNotOwner = errors.New("not the offer owner")

	// ErrOfferNotCancellable is returned when the offer is not ACTIVE
	ErrOfferNotCancellable = errors.New("offer not cancellable")

	// ErrOfferNotAcceptable is returned when the offer cannot take
	// new trades (expired, cancelled, exhausted)
	ErrOfferNotAcceptable = errors.New("offer not acceptable")

	// ErrInsufficientRemaining is returned when a decrement exceeds
	// the offer's remaining amount
	ErrInsufficientRemaining = errors.New("insufficient remaining amount")
)

const (
	// DefaultOfferTTL is how long a fresh offer stays ACTIVE
	DefaultOfferTTL = 7 * 24 * time.Hour

	// DefaultPaymentWindow bounds the buyer's time to claim payment
	DefaultPaymentWindow = 30 * time.Minute
)

// Spec is the caller-supplied shape of a new offer
type Spec struct {
	Side           types.OfferSide
	Asset          types.Asset
	FiatCurrency   types.FiatCurrency
	PricePerUnit   float64
	MinAmount      float64
	MaxAmount      float64
	TotalAmount    float64
	PaymentMethods []types.PaymentMethod
	Terms          string
	AutoReply      string
	PaymentWindow  time.Duration
}

// Book manages the standing offer inventory: creation, listing,
// cancellation, expiry, and the remaining-amount bookkeeping that the
// trade engine drives at accept time
type Book struct {
	storage storage.Storage
	bus     *events.Bus
	logger  *slog.Logger

	offerTTL time.Duration
}

func NewBook(storage storage.Storage, bus *events.Bus, opts ...Option) *Book {
	b := &Book{
		storage:  storage,
		bus:      bus,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		offerTTL: DefaultOfferTTL,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Create validates and persists a new ACTIVE offer
func (b *Book) Create(ctx context.Context, ownerID string, spec *Spec) (*types.Offer, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	window := spec.PaymentWindow
	if window == 0 {
		window = DefaultPaymentWindow
	}

	now := time.Now().UTC()

	offer := &types.Offer{
		ID:             xid.New().String(),
		OwnerID:        ownerID,
		Side:           spec.Side,
		Asset:          spec.Asset,
		FiatCurrency:   spec.FiatCurrency,
		PricePerUnit:   spec.PricePerUnit,
		MinAmount:      spec.MinAmount,
		MaxAmount:      spec.MaxAmount,
		TotalAmount:    spec.TotalAmount,
		Remaining:      spec.TotalAmount,
		PaymentMethods: append([]types.PaymentMethod(nil), spec.PaymentMethods...),
		Terms:          spec.Terms,
		AutoReply:      spec.AutoReply,
		PaymentWindow:  window,
		Status:         types.OfferActive,
		ExpiresAt:      now.Add(b.offerTTL),
		CreatedAt:      now,
	}

	if err := b.storage.SaveOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("unable to persist offer: %w", err)
	}

	b.logger.Info(
		"offer created",
		"offer", offer.ID,
		"owner", ownerID,
		"side", offer.Side,
		"asset", offer.Asset,
		"total", offer.TotalAmount,
	)

	return offer, nil
}

// Get fetches an offer, lazily expiring it when the deadline has passed
func (b *Book) Get(ctx context.Context, id string) (*types.Offer, error) {
	offer, err := b.storage.GetOffer(ctx, id)
	if err != nil {
		return nil, err
	}

	if offer.Status == types.OfferActive && !offer.ExpiresAt.After(time.Now().UTC()) {
		return b.expireOffer(ctx, id)
	}

	return offer, nil
}

// List returns offers matching the query
func (b *Book) List(ctx context.Context, query *types.OfferQuery) (*types.Page[*types.Offer], error) {
	return b.storage.ListOffers(ctx, query)
}

// Cancel withdraws an ACTIVE offer. Owner only
func (b *Book) Cancel(ctx context.Context, offerID, actorID string) (*types.Offer, error) {
	return b.storage.UpdateOffer(ctx, offerID, func(o *types.Offer) error {
		if o.OwnerID != actorID {
			return ErrNotOwner
		}

		if o.Status != types.OfferActive {
			return ErrOfferNotCancellable
		}

		o.Status = types.OfferCancelled

		return nil
	})
}

// ExpireDue sweeps ACTIVE offers whose deadline has passed. Idempotent
// and safe to run concurrently with user-initiated operations; the list
// of expired IDs feeds the notification collaborators
func (b *Book) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	due, err := b.storage.ListDueOffers(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("unable to list due offers: %w", err)
	}

	var expired []string

	for _, offer := range due {
		if _, err := b.expireOffer(ctx, offer.ID); err != nil {
			// Lost the race to another sweep or a cancel, move on
			if errors.Is(err, storage.ErrStaleState) {
				continue
			}

			return expired, err
		}

		expired = append(expired, offer.ID)
	}

	return expired, nil
}

// DecrementRemaining consumes part of the offer's remaining amount at
// trade-accept time. Runs under the storage layer's per-offer update
// lock so two buyers cannot both take the last unit. Remaining zero
// flips the offer to EXHAUSTED
func (b *Book) DecrementRemaining(
	ctx context.Context,
	offerID string,
	amount float64,
) (*types.Offer, error) {
	return b.storage.UpdateOffer(ctx, offerID, func(o *types.Offer) error {
		if o.Status != types.OfferActive {
			return ErrOfferNotAcceptable
		}

		if !o.ExpiresAt.After(time.Now().UTC()) {
			return ErrOfferNotAcceptable
		}

		if amount <= 0 || o.Remaining < amount {
			return ErrInsufficientRemaining
		}

		o.Remaining -= amount
		if o.Remaining == 0 {
			o.Status = types.OfferExhausted
		}

		return nil
	})
}

// RestoreRemaining gives back a previously decremented amount, the
// compensation for a failed or cancelled trade. An EXHAUSTED offer
// that regains inventory before its deadline turns ACTIVE again
func (b *Book) RestoreRemaining(
	ctx context.Context,
	offerID string,
	amount float64,
) (*types.Offer, error) {
	return b.storage.UpdateOffer(ctx, offerID, func(o *types.Offer) error {
		o.Remaining += amount
		if o.Remaining > o.TotalAmount {
			o.Remaining = o.TotalAmount
		}

		if o.Status == types.OfferExhausted && o.ExpiresAt.After(time.Now().UTC()) {
			o.Status = types.OfferActive
		}

		return nil
	})
}

func (b *Book) expireOffer(ctx context.Context, id string) (*types.Offer, error) {
	offer, err := b.storage.UpdateOffer(ctx, id, func(o *types.Offer) error {
		if o.Status != types.OfferActive {
			return storage.ErrStaleState
		}

		o.Status = types.OfferExpired

		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("offer expired", "offer", offer.ID)

	b.bus.Publish(events.TopicOfferExpired, events.OfferExpired{
		OfferID:   offer.ID,
		OwnerID:   offer.OwnerID,
		ExpiredAt: time.Now().UTC(),
	})

	return offer, nil
}

func validateSpec(spec *Spec) error {
	switch {
	case spec == nil:
		return fmt.Errorf("%w: missing spec", ErrInvalidOfferSpec)
	case spec.Side != types.SideBuy && spec.Side != types.SideSell:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOfferSpec, spec.Side)
	case spec.Asset == "":
		return fmt.Errorf("%w: missing asset", ErrInvalidOfferSpec)
	case spec.FiatCurrency == "":
		return fmt.Errorf("%w: missing fiat currency", ErrInvalidOfferSpec)
	case spec.PricePerUnit <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidOfferSpec)
	case spec.MinAmount <= 0:
		return fmt.Errorf("%w: min amount must be positive", ErrInvalidOfferSpec)
	case spec.MinAmount > spec.MaxAmount:
		return fmt.Errorf("%w: min amount above max", ErrInvalidOfferSpec)
	case spec.MaxAmount > spec.TotalAmount:
		return fmt.Errorf("%w: max amount above total", ErrInvalidOfferSpec)
	case len(spec.PaymentMethods) == 0:
		return fmt.Errorf("%w: no payment methods", ErrInvalidOfferSpec)
	case spec.PaymentWindow < 0:
		return fmt.Errorf("%w: negative payment window", ErrInvalidOfferSpec)
	}

	return nil
}
