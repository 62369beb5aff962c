package memory

import (
	"context"
	"sync"

	"github.com/sig-0/p2pdesk/ledger"
	"github.com/sig-0/p2pdesk/storage/types"
)

type balanceKey struct {
	userID string
	asset  string
}

// Ledger is an in-memory wallet ledger. It backs the memory deployment
// and the engine test suites; production deployments point the engine
// at the real wallet service instead
type Ledger struct {
	available map[balanceKey]float64
	locked    map[balanceKey]float64

	mu sync.RWMutex
}

func NewLedger() *Ledger {
	return &Ledger{
		available: make(map[balanceKey]float64),
		locked:    make(map[balanceKey]float64),
	}
}

// Fund seeds the user's available balance. Test and bootstrap helper
func (l *Ledger) Fund(userID string, asset types.Asset, amount float64) {
	l.mu.Lock()
	l.available[key(userID, asset)] += amount
	l.mu.Unlock()
}

func (l *Ledger) DebitAvailable(
	_ context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(userID, asset)

	if l.available[k] < amount {
		return ledger.ErrInsufficientBalance
	}

	l.available[k] -= amount

	return nil
}

func (l *Ledger) CreditAvailable(
	_ context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}

	l.mu.Lock()
	l.available[key(userID, asset)] += amount
	l.mu.Unlock()

	return nil
}

func (l *Ledger) CreditLocked(
	_ context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}

	l.mu.Lock()
	l.locked[key(userID, asset)] += amount
	l.mu.Unlock()

	return nil
}

func (l *Ledger) DebitLocked(
	_ context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(userID, asset)

	if l.locked[k] < amount {
		return ledger.ErrInsufficientBalance
	}

	l.locked[k] -= amount

	return nil
}

func (l *Ledger) AvailableBalance(
	_ context.Context,
	userID string,
	asset types.Asset,
) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.available[key(userID, asset)], nil
}

func (l *Ledger) LockedBalance(
	_ context.Context,
	userID string,
	asset types.Asset,
) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.locked[key(userID, asset)], nil
}

func key(userID string, asset types.Asset) balanceKey {
	return balanceKey{
		userID: userID,
		asset:  asset.String(),
	}
}
