package mock

import (
	"context"

	"github.com/sig-0/p2pdesk/storage/types"
)

type (
	MoveDelegate    func(context.Context, string, types.Asset, float64) error
	BalanceDelegate func(context.Context, string, types.Asset) (float64, error)
)

type Ledger struct {
	DebitAvailableFn   MoveDelegate
	CreditAvailableFn  MoveDelegate
	CreditLockedFn     MoveDelegate
	DebitLockedFn      MoveDelegate
	AvailableBalanceFn BalanceDelegate
	LockedBalanceFn    BalanceDelegate
}

func (m *Ledger) DebitAvailable(
	ctx context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if m.DebitAvailableFn != nil {
		return m.DebitAvailableFn(ctx, userID, asset, amount)
	}

	return nil
}

func (m *Ledger) CreditAvailable(
	ctx context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if m.CreditAvailableFn != nil {
		return m.CreditAvailableFn(ctx, userID, asset, amount)
	}

	return nil
}

func (m *Ledger) CreditLocked(
	ctx context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if m.CreditLockedFn != nil {
		return m.CreditLockedFn(ctx, userID, asset, amount)
	}

	return nil
}

func (m *Ledger) DebitLocked(
	ctx context.Context,
	userID string,
	asset types.Asset,
	amount float64,
) error {
	if m.DebitLockedFn != nil {
		return m.DebitLockedFn(ctx, userID, asset, amount)
	}

	return nil
}

func (m *Ledger) AvailableBalance(
	ctx context.Context,
	userID string,
	asset types.Asset,
) (float64, error) {
	if m.AvailableBalanceFn != nil {
		return m.AvailableBalanceFn(ctx, userID, asset)
	}

	return 0, nil
}

func (m *Ledger) LockedBalance(
	ctx context.Context,
	userID string,
	asset types.Asset,
) (float64, error) {
	if m.LockedBalanceFn != nil {
		return m.LockedBalanceFn(ctx, userID, asset)
	}

	return 0, nil
}
