package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/rs/xid"

	"github.com/sig-0/p2pdesk/ledger"
	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	// ErrEscrowClosed is returned on an operation that conflicts with
	// the escrow's terminal state (e.g. Release after Refund)
	ErrEscrowClosed = errors.New("escrow already closed")

	// ErrInvalidShares is returned when split fractions do not sum to 1
	// or name a non-participant
	ErrInvalidShares = errors.New("invalid split shares")

	// errReplayed marks an idempotent replay inside an update callback;
	// it never escapes the vault
	errReplayed = errors.New("escrow operation replayed")
)

// sharesTolerance is the allowed deviation of a share sum from 1.0
const sharesTolerance = 1e-9

// Vault is the only component allowed to move crypto between available
// and locked balances. Every mutating operation is idempotent per
// escrow ID: replaying a call after success is a no-op, not an error
type Vault struct {
	storage storage.Storage
	ledger  ledger.Ledger
	logger  *slog.Logger
}

func NewVault(storage storage.Storage, ldg ledger.Ledger, opts ...Option) *Vault {
	v := &Vault{
		storage: storage,
		ledger:  ldg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Lock debits the seller's available balance and holds the amount in a
// fresh LOCKED escrow. The balance check and debit are a single atomic
// ledger operation, so two concurrent trades cannot lock the same funds
func (v *Vault) Lock(
	ctx context.Context,
	tradeID, sellerID string,
	asset types.Asset,
	amount float64,
) (*types.Escrow, error) {
	if err := v.ledger.DebitAvailable(ctx, sellerID, asset, amount); err != nil {
		return nil, err
	}

	if err := v.ledger.CreditLocked(ctx, sellerID, asset, amount); err != nil {
		// Undo the debit; the ledger accepted it a moment ago
		_ = v.ledger.CreditAvailable(ctx, sellerID, asset, amount)

		return nil, fmt.Errorf("unable to credit locked balance: %w", err)
	}

	escrow := &types.Escrow{
		ID:       xid.New().String(),
		TradeID:  tradeID,
		SellerID: sellerID,
		Asset:    asset,
		Amount:   amount,
		Status:   types.EscrowLocked,
		LockedAt: time.Now().UTC(),
	}

	if err := v.storage.SaveEscrow(ctx, escrow); err != nil {
		_ = v.ledger.DebitLocked(ctx, sellerID, asset, amount)
		_ = v.ledger.CreditAvailable(ctx, sellerID, asset, amount)

		return nil, fmt.Errorf("unable to persist escrow: %w", err)
	}

	v.logger.Info(
		"escrow locked",
		"escrow", escrow.ID,
		"trade", tradeID,
		"seller", sellerID,
		"amount", amount,
	)

	return escrow, nil
}

// Release moves the locked amount to the recipient's available balance
// and closes the escrow as RELEASED. Only legal from LOCKED
func (v *Vault) Release(ctx context.Context, escrowID, toUserID string) error {
	return v.close(ctx, escrowID, types.EscrowReleased, func(e *types.Escrow) error {
		return v.move(ctx, e, toUserID, e.Amount)
	})
}

// Refund moves the locked amount back to the seller's available balance
// and closes the escrow as REFUNDED. Only legal from LOCKED
func (v *Vault) Refund(ctx context.Context, escrowID string) error {
	return v.close(ctx, escrowID, types.EscrowRefunded, func(e *types.Escrow) error {
		return v.move(ctx, e, e.SellerID, e.Amount)
	})
}

// Split divides the locked amount according to the share fractions and
// closes the escrow as SPLIT. Fractions must sum to 1 within tolerance
func (v *Vault) Split(ctx context.Context, escrowID string, shares map[string]float64) error {
	if err := validateShares(shares); err != nil {
		return err
	}

	return v.close(ctx, escrowID, types.EscrowSplit, func(e *types.Escrow) error {
		for userID, fraction := range shares {
			if err := v.move(ctx, e, userID, e.Amount*fraction); err != nil {
				return err
			}
		}

		return nil
	})
}

// Get fetches the escrow record
func (v *Vault) Get(ctx context.Context, escrowID string) (*types.Escrow, error) {
	return v.storage.GetEscrow(ctx, escrowID)
}

// close drives the escrow to the target terminal status, running the
// fund movement inside the storage layer's atomic update. A replay of
// an already-applied close returns nil without touching the ledger
func (v *Vault) close(
	ctx context.Context,
	escrowID string,
	target types.EscrowStatus,
	transfer func(*types.Escrow) error,
) error {
	_, err := v.storage.UpdateEscrow(ctx, escrowID, func(e *types.Escrow) error {
		if e.Status == target {
			return errReplayed
		}

		if e.Status != types.EscrowLocked {
			return ErrEscrowClosed
		}

		if err := transfer(e); err != nil {
			return err
		}

		now := time.Now().UTC()
		e.Status = target
		e.ReleasedAt = &now

		return nil
	})
	if err != nil {
		if errors.Is(err, errReplayed) {
			return nil
		}

		return err
	}

	v.logger.Info(
		"escrow closed",
		"escrow", escrowID,
		"status", target,
	)

	return nil
}

// move transfers part of the escrowed amount from the seller's locked
// balance to the recipient's available balance
func (v *Vault) move(ctx context.Context, e *types.Escrow, toUserID string, amount float64) error {
	if err := v.ledger.DebitLocked(ctx, e.SellerID, e.Asset, amount); err != nil {
		return fmt.Errorf("unable to debit locked balance: %w", err)
	}

	if err := v.ledger.CreditAvailable(ctx, toUserID, e.Asset, amount); err != nil {
		_ = v.ledger.CreditLocked(ctx, e.SellerID, e.Asset, amount)

		return fmt.Errorf("unable to credit recipient: %w", err)
	}

	return nil
}

func validateShares(shares map[string]float64) error {
	if len(shares) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidShares)
	}

	var sum float64

	for userID, fraction := range shares {
		if userID == "" {
			return fmt.Errorf("%w: missing user", ErrInvalidShares)
		}

		if fraction < 0 {
			return fmt.Errorf("%w: negative fraction", ErrInvalidShares)
		}

		sum += fraction
	}

	if math.Abs(sum-1) > sharesTolerance {
		return fmt.Errorf("%w: fractions sum to %v", ErrInvalidShares, sum)
	}

	return nil
}
