package ledger

import (
	"context"
	"errors"

	"github.com/sig-0/p2pdesk/storage/types"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the
	// user's available balance
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("invalid amount")
)

// Ledger is the external wallet boundary. The escrow vault is its only
// caller within the engine; every operation is atomic on the ledger
// side, so a check-and-debit can never double-spend across concurrent
// calls
type Ledger interface {
	// DebitAvailable atomically checks and debits the user's available
	// balance, failing ErrInsufficientBalance without mutating state
	DebitAvailable(ctx context.Context, userID string, asset types.Asset, amount float64) error

	// CreditAvailable credits the user's available balance
	CreditAvailable(ctx context.Context, userID string, asset types.Asset, amount float64) error

	// CreditLocked credits the user's locked balance
	CreditLocked(ctx context.Context, userID string, asset types.Asset, amount float64) error

	// DebitLocked atomically checks and debits the user's locked balance
	DebitLocked(ctx context.Context, userID string, asset types.Asset, amount float64) error

	// AvailableBalance returns the user's available balance for the asset
	AvailableBalance(ctx context.Context, userID string, asset types.Asset) (float64, error)

	// LockedBalance returns the user's locked balance for the asset
	LockedBalance(ctx context.Context, userID string, asset types.Asset) (float64, error)
}
