package limits

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/sig-0/p2pdesk/kyc"
	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

// ErrLimitExceeded is the sentinel for limit breaches. Match the
// carried remainders with errors.As on *LimitExceededError
var ErrLimitExceeded = errors.New("trading limit exceeded")

var errInvalidAmount = errors.New("invalid fiat amount")

// LimitExceededError carries the headroom left in each window at the
// time of the failed reservation
type LimitExceededError struct {
	RemainingDaily   float64
	RemainingMonthly float64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf(
		"trading limit exceeded (remaining daily %.2f, monthly %.2f)",
		e.RemainingDaily,
		e.RemainingMonthly,
	)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// Base fiat ceilings, scaled by the KYC tier multiplier
const (
	baseDailyLimit   = 20_000
	baseMonthlyLimit = 200_000
)

// kycMultipliers maps KYC level to the limit scale factor.
// Unverified users trade at a tenth of the base ceiling
var kycMultipliers = []float64{0.1, 0.5, 1.0, 2.0}

// Reservation is a provisional volume hold, committed or released by
// the trade engine once the accept flow settles
type Reservation struct {
	ID     string
	UserID string
	Fiat   float64

	released atomic.Bool
}

// Guard tracks and enforces per-user daily and monthly trading-volume
// ceilings keyed by KYC level. All volume arithmetic happens inside the
// storage layer's atomic update, never as a read-then-write here
type Guard struct {
	storage storage.Storage
	kyc     kyc.Provider
	logger  *slog.Logger
}

// NewGuard creates a limits guard on top of the given storage and KYC source
func NewGuard(storage storage.Storage, kycProvider kyc.Provider, opts ...Option) *Guard {
	g := &Guard{
		storage: storage,
		kyc:     kycProvider,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// CheckAndReserve atomically verifies the user's window headroom and
// provisionally adds the fiat amount to both windows. On a breach it
// returns *LimitExceededError without mutating state
func (g *Guard) CheckAndReserve(
	ctx context.Context,
	userID string,
	fiatAmount float64,
	now time.Time,
) (*Reservation, error) {
	if fiatAmount <= 0 {
		return nil, errInvalidAmount
	}

	level, err := g.kyc.Level(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve KYC level: %w", err)
	}

	daily, monthly := limitsForLevel(level)

	_, err = g.storage.UpdateLimits(ctx, userID, func(l *types.TradingLimits) error {
		rollWindows(l, now)

		// The KYC tier can move between trades, re-derive on every check
		l.KycLevel = level
		l.DailyLimit = daily
		l.MonthlyLimit = monthly

		if l.DailyVolume+fiatAmount > l.DailyLimit ||
			l.MonthlyVolume+fiatAmount > l.MonthlyLimit {
			return &LimitExceededError{
				RemainingDaily:   l.DailyLimit - l.DailyVolume,
				RemainingMonthly: l.MonthlyLimit - l.MonthlyVolume,
			}
		}

		l.DailyVolume += fiatAmount
		l.MonthlyVolume += fiatAmount

		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Reservation{
		ID:     xid.New().String(),
		UserID: userID,
		Fiat:   fiatAmount,
	}

	g.logger.Debug(
		"reserved trading volume",
		"user", userID,
		"fiat", fiatAmount,
		"reservation", res.ID,
	)

	return res, nil
}

// Commit finalizes a reservation. The provisional volume already counts
// against the windows, so the commit only seals the token
func (g *Guard) Commit(_ context.Context, res *Reservation) {
	res.released.Store(true)
}

// Release rolls a provisional reservation back. Safe to call more than
// once; only the first call mutates the stored volumes
func (g *Guard) Release(ctx context.Context, res *Reservation) error {
	if !res.released.CompareAndSwap(false, true) {
		return nil
	}

	_, err := g.storage.UpdateLimits(ctx, res.UserID, func(l *types.TradingLimits) error {
		l.DailyVolume = clampZero(l.DailyVolume - res.Fiat)
		l.MonthlyVolume = clampZero(l.MonthlyVolume - res.Fiat)

		return nil
	})
	if err != nil {
		// Allow the caller to retry the rollback
		res.released.Store(false)

		return fmt.Errorf("unable to release reservation: %w", err)
	}

	g.logger.Debug(
		"released trading volume",
		"user", res.UserID,
		"fiat", res.Fiat,
		"reservation", res.ID,
	)

	return nil
}

// ReleaseVolume rolls back a known fiat amount without a reservation
// token, used when the token did not survive a restart
func (g *Guard) ReleaseVolume(ctx context.Context, userID string, fiatAmount float64) error {
	if fiatAmount <= 0 {
		return errInvalidAmount
	}

	_, err := g.storage.UpdateLimits(ctx, userID, func(l *types.TradingLimits) error {
		l.DailyVolume = clampZero(l.DailyVolume - fiatAmount)
		l.MonthlyVolume = clampZero(l.MonthlyVolume - fiatAmount)

		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to release volume: %w", err)
	}

	return nil
}

// Usage returns the user's current limits record, if any
func (g *Guard) Usage(ctx context.Context, userID string) (*types.TradingLimits, error) {
	return g.storage.GetLimits(ctx, userID)
}

// rollWindows resets the volume counters whose window boundary has passed
func rollWindows(l *types.TradingLimits, now time.Time) {
	now = now.UTC()

	if l.DayResetAt.IsZero() || !now.Before(l.DayResetAt) {
		l.DailyVolume = 0
		l.DayResetAt = nextMidnight(now)
	}

	if l.MonthResetAt.IsZero() || !now.Before(l.MonthResetAt) {
		l.MonthlyVolume = 0
		l.MonthResetAt = nextMonthStart(now)
	}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()

	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func nextMonthStart(now time.Time) time.Time {
	y, m, _ := now.Date()

	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}

func limitsForLevel(level int) (daily, monthly float64) {
	if level < 0 {
		level = 0
	}

	if level >= len(kycMultipliers) {
		level = len(kycMultipliers) - 1
	}

	mul := kycMultipliers[level]

	return baseDailyLimit * mul, baseMonthlyLimit * mul
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}

	return v
}
