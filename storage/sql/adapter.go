package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sig-0/p2pdesk/storage"
	"github.com/sig-0/p2pdesk/storage/types"
)

// uniqueViolation is the PostgreSQL error code for unique constraint breaches
const uniqueViolation = "23505"

type Storage struct {
	pool *pgxpool.Pool
}

func NewStorage(pool *pgxpool.Pool) *Storage {
	return &Storage{
		pool: pool,
	}
}

const offerColumns = `id, owner_id, side, asset, fiat_currency, price_per_unit,
	min_amount, max_amount, total_amount, remaining, payment_methods, terms,
	auto_reply, payment_window_ns, status, expires_at, created_at`

func (s *Storage) SaveOffer(ctx context.Context, o *types.Offer) error {
	methods := make([]string, 0, len(o.PaymentMethods))
	for _, m := range o.PaymentMethods {
		methods = append(methods, m.String())
	}

	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			status = EXCLUDED.status`,
		o.ID, o.OwnerID, o.Side.String(), o.Asset.String(), o.FiatCurrency.String(),
		o.PricePerUnit, o.MinAmount, o.MaxAmount, o.TotalAmount, o.Remaining,
		methods, o.Terms, o.AutoReply, o.PaymentWindow.Nanoseconds(),
		o.Status.String(), o.ExpiresAt.UTC(), o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("unable to save offer: %w", err)
	}

	return nil
}

func (s *Storage) GetOffer(ctx context.Context, id string) (*types.Offer, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`,
		id,
	)

	return scanOffer(row)
}

func (s *Storage) UpdateOffer(
	ctx context.Context,
	id string,
	apply func(*types.Offer) error,
) (*types.Offer, error) {
	var out *types.Offer

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(
			ctx,
			`SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`,
			id,
		)

		offer, err := scanOffer(row)
		if err != nil {
			return err
		}

		if err := apply(offer); err != nil {
			return err
		}

		methods := make([]string, 0, len(offer.PaymentMethods))
		for _, m := range offer.PaymentMethods {
			methods = append(methods, m.String())
		}

		_, err = tx.Exec(
			ctx,
			`UPDATE offers SET
				remaining = $2, status = $3, expires_at = $4, terms = $5,
				auto_reply = $6, payment_methods = $7
			WHERE id = $1`,
			id, offer.Remaining, offer.Status.String(), offer.ExpiresAt.UTC(),
			offer.Terms, offer.AutoReply, methods,
		)
		if err != nil {
			return fmt.Errorf("unable to update offer: %w", err)
		}

		out = offer

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Storage) ListOffers(
	ctx context.Context,
	query *types.OfferQuery,
) (*types.Page[*types.Offer], error) {
	lim := query.Limit
	if lim == 0 {
		lim = 100
	}

	if lim > 500 {
		lim = 500
	}

	rows, err := s.pool.Query(
		ctx,
		`SELECT `+offerColumns+`, COUNT(*) OVER() AS total
		FROM offers
		WHERE ($1::TEXT IS NULL OR side = $1)
		  AND ($2::TEXT IS NULL OR asset = $2)
		  AND ($3::TEXT IS NULL OR fiat_currency = $3)
		  AND ($4::TEXT IS NULL OR status = $4)
		  AND ($5::TEXT IS NULL OR owner_id = $5)
		ORDER BY created_at DESC, id
		LIMIT $6 OFFSET $7`,
		optString((*string)(query.Side)),
		optString((*string)(query.Asset)),
		optString((*string)(query.Fiat)),
		optString((*string)(query.Status)),
		optString(query.OwnerID),
		lim, query.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list offers: %w", err)
	}

	defer rows.Close()

	var (
		out   []*types.Offer
		total int64
	)

	for rows.Next() {
		var (
			o         types.Offer
			methods   []string
			windowNS  int64
			side      string
			asset     string
			fiat      string
			status    string
		)

		err := rows.Scan(
			&o.ID, &o.OwnerID, &side, &asset, &fiat, &o.PricePerUnit,
			&o.MinAmount, &o.MaxAmount, &o.TotalAmount, &o.Remaining,
			&methods, &o.Terms, &o.AutoReply, &windowNS, &status,
			&o.ExpiresAt, &o.CreatedAt, &total,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to scan offer: %w", err)
		}

		applyOfferEnums(&o, side, asset, fiat, status, methods, windowNS)

		out = append(out, &o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to list offers: %w", err)
	}

	return &types.Page[*types.Offer]{
		Results: out,
		Total:   total,
	}, nil
}

func (s *Storage) ListDueOffers(ctx context.Context, now time.Time) ([]*types.Offer, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE status = $1 AND expires_at <= $2`,
		types.OfferActive.String(), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list due offers: %w", err)
	}

	defer rows.Close()

	return collectOffers(rows)
}

const tradeColumns = `id, offer_id, buyer_id, seller_id, asset, amount_crypto,
	price_per_unit, total_fiat, fiat_currency, payment_method, status, escrow_id,
	dispute_id, cancel_reason, payment_deadline, created_at, payment_confirmed_at,
	completed_at, cancelled_at`

func (s *Storage) SaveTrade(ctx context.Context, t *types.Trade) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19)`,
		t.ID, t.OfferID, t.BuyerID, t.SellerID, t.Asset.String(), t.AmountCrypto,
		t.PricePerUnit, t.TotalFiat, t.FiatCurrency.String(), t.PaymentMethod.String(),
		t.Status.String(), t.EscrowID, nullString(t.DisputeID), nullString(t.CancelReason),
		t.PaymentDeadline.UTC(), t.CreatedAt.UTC(),
		t.PaymentConfirmedAt, t.CompletedAt, t.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("unable to save trade: %w", err)
	}

	return nil
}

func (s *Storage) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`,
		id,
	)

	return scanTrade(row)
}

func (s *Storage) TransitionTrade(
	ctx context.Context,
	id string,
	expected types.TradeStatus,
	apply func(*types.Trade),
) (*types.Trade, error) {
	var out *types.Trade

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(
			ctx,
			`SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`,
			id,
		)

		trade, err := scanTrade(row)
		if err != nil {
			return err
		}

		if trade.Status != expected {
			return storage.ErrStaleState
		}

		apply(trade)

		_, err = tx.Exec(
			ctx,
			`UPDATE trades SET
				status = $2, dispute_id = $3, cancel_reason = $4,
				payment_confirmed_at = $5, completed_at = $6, cancelled_at = $7
			WHERE id = $1`,
			id, trade.Status.String(), nullString(trade.DisputeID),
			nullString(trade.CancelReason), trade.PaymentConfirmedAt,
			trade.CompletedAt, trade.CancelledAt,
		)
		if err != nil {
			return fmt.Errorf("unable to update trade: %w", err)
		}

		out = trade

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Storage) ListOverdueTrades(ctx context.Context, now time.Time) ([]*types.Trade, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT `+tradeColumns+` FROM trades
		WHERE status = $1 AND payment_deadline <= $2`,
		types.TradeAwaitingPayment.String(), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list overdue trades: %w", err)
	}

	defer rows.Close()

	var out []*types.Trade

	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to list overdue trades: %w", err)
	}

	return out, nil
}

const escrowColumns = `id, trade_id, seller_id, asset, amount, status, locked_at, released_at`

func (s *Storage) SaveEscrow(ctx context.Context, e *types.Escrow) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TradeID, e.SellerID, e.Asset.String(), e.Amount,
		e.Status.String(), e.LockedAt.UTC(), e.ReleasedAt,
	)
	if err != nil {
		return fmt.Errorf("unable to save escrow: %w", err)
	}

	return nil
}

func (s *Storage) GetEscrow(ctx context.Context, id string) (*types.Escrow, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`,
		id,
	)

	return scanEscrow(row)
}

func (s *Storage) UpdateEscrow(
	ctx context.Context,
	id string,
	apply func(*types.Escrow) error,
) (*types.Escrow, error) {
	var out *types.Escrow

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(
			ctx,
			`SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`,
			id,
		)

		escrow, err := scanEscrow(row)
		if err != nil {
			return err
		}

		if err := apply(escrow); err != nil {
			return err
		}

		_, err = tx.Exec(
			ctx,
			`UPDATE escrows SET status = $2, released_at = $3 WHERE id = $1`,
			id, escrow.Status.String(), escrow.ReleasedAt,
		)
		if err != nil {
			return fmt.Errorf("unable to update escrow: %w", err)
		}

		out = escrow

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

const disputeColumns = `id, trade_id, raised_by, reason, description, status,
	resolution, shares, resolved_by, created_at, resolved_at`

func (s *Storage) SaveDispute(ctx context.Context, d *types.Dispute) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TradeID, d.RaisedBy, d.Reason, d.Description, d.Status.String(),
		nullString(string(d.Resolution)), d.Shares, nullString(d.ResolvedBy),
		d.CreatedAt.UTC(), d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("unable to save dispute: %w", err)
	}

	return nil
}

func (s *Storage) GetDispute(ctx context.Context, id string) (*types.Dispute, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`,
		id,
	)

	return scanDispute(row)
}

func (s *Storage) GetDisputeByTrade(ctx context.Context, tradeID string) (*types.Dispute, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT `+disputeColumns+` FROM disputes
		WHERE trade_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		tradeID,
	)

	return scanDispute(row)
}

func (s *Storage) UpdateDispute(
	ctx context.Context,
	id string,
	apply func(*types.Dispute) error,
) (*types.Dispute, error) {
	var out *types.Dispute

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(
			ctx,
			`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`,
			id,
		)

		dispute, err := scanDispute(row)
		if err != nil {
			return err
		}

		if err := apply(dispute); err != nil {
			return err
		}

		_, err = tx.Exec(
			ctx,
			`UPDATE disputes SET
				status = $2, resolution = $3, shares = $4, resolved_by = $5,
				resolved_at = $6
			WHERE id = $1`,
			id, dispute.Status.String(), nullString(string(dispute.Resolution)),
			dispute.Shares, nullString(dispute.ResolvedBy), dispute.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("unable to update dispute: %w", err)
		}

		out = dispute

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Storage) SaveRating(ctx context.Context, r *types.TradeRating) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO trade_ratings (id, trade_id, rater_id, rated_id, rating, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TradeID, r.RaterID, r.RatedID, r.Rating, r.Feedback, r.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrDuplicate
		}

		return fmt.Errorf("unable to save rating: %w", err)
	}

	return nil
}

func (s *Storage) GetRating(
	ctx context.Context,
	tradeID, raterID string,
) (*types.TradeRating, error) {
	var r types.TradeRating

	err := s.pool.QueryRow(
		ctx,
		`SELECT id, trade_id, rater_id, rated_id, rating, feedback, created_at
		FROM trade_ratings WHERE trade_id = $1 AND rater_id = $2`,
		tradeID, raterID,
	).Scan(&r.ID, &r.TradeID, &r.RaterID, &r.RatedID, &r.Rating, &r.Feedback, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("unable to fetch rating: %w", err)
	}

	return &r, nil
}

func (s *Storage) ListRatingsForUser(
	ctx context.Context,
	userID string,
) ([]*types.TradeRating, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT id, trade_id, rater_id, rated_id, rating, feedback, created_at
		FROM trade_ratings WHERE rated_id = $1
		ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list ratings: %w", err)
	}

	defer rows.Close()

	var out []*types.TradeRating

	for rows.Next() {
		var r types.TradeRating

		err := rows.Scan(
			&r.ID, &r.TradeID, &r.RaterID, &r.RatedID,
			&r.Rating, &r.Feedback, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to scan rating: %w", err)
		}

		out = append(out, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to list ratings: %w", err)
	}

	return out, nil
}

const limitsColumns = `user_id, kyc_level, daily_limit, monthly_limit,
	daily_volume, monthly_volume, day_reset_at, month_reset_at`

func (s *Storage) UpdateLimits(
	ctx context.Context,
	userID string,
	apply func(*types.TradingLimits) error,
) (*types.TradingLimits, error) {
	var out *types.TradingLimits

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Ensure the row exists so FOR UPDATE has something to latch onto
		_, err := tx.Exec(
			ctx,
			`INSERT INTO trading_limits (user_id) VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("unable to init limits: %w", err)
		}

		row := tx.QueryRow(
			ctx,
			`SELECT `+limitsColumns+` FROM trading_limits
			WHERE user_id = $1 FOR UPDATE`,
			userID,
		)

		limits, err := scanLimits(row)
		if err != nil {
			return err
		}

		if err := apply(limits); err != nil {
			return err
		}

		_, err = tx.Exec(
			ctx,
			`UPDATE trading_limits SET
				kyc_level = $2, daily_limit = $3, monthly_limit = $4,
				daily_volume = $5, monthly_volume = $6,
				day_reset_at = $7, month_reset_at = $8
			WHERE user_id = $1`,
			userID, limits.KycLevel, limits.DailyLimit, limits.MonthlyLimit,
			limits.DailyVolume, limits.MonthlyVolume,
			limits.DayResetAt.UTC(), limits.MonthResetAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("unable to update limits: %w", err)
		}

		out = limits

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Storage) GetLimits(ctx context.Context, userID string) (*types.TradingLimits, error) {
	row := s.pool.QueryRow(
		ctx,
		`SELECT `+limitsColumns+` FROM trading_limits WHERE user_id = $1`,
		userID,
	)

	return scanLimits(row)
}

func scanOffer(row pgx.Row) (*types.Offer, error) {
	var (
		o        types.Offer
		methods  []string
		windowNS int64
		side     string
		asset    string
		fiat     string
		status   string
	)

	err := row.Scan(
		&o.ID, &o.OwnerID, &side, &asset, &fiat, &o.PricePerUnit,
		&o.MinAmount, &o.MaxAmount, &o.TotalAmount, &o.Remaining,
		&methods, &o.Terms, &o.AutoReply, &windowNS, &status,
		&o.ExpiresAt, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("unable to scan offer: %w", err)
	}

	applyOfferEnums(&o, side, asset, fiat, status, methods, windowNS)

	return &o, nil
}

func applyOfferEnums(
	o *types.Offer,
	side, asset, fiat, status string,
	methods []string,
	windowNS int64,
) {
	o.Side = types.OfferSide(side)
	o.Asset = types.Asset(asset)
	o.FiatCurrency = types.FiatCurrency(fiat)
	o.Status = types.OfferStatus(status)
	o.PaymentWindow = time.Duration(windowNS)

	o.PaymentMethods = make([]types.PaymentMethod, 0, len(methods))
	for _, m := range methods {
		o.PaymentMethods = append(o.PaymentMethods, types.PaymentMethod(m))
	}
}

func collectOffers(rows pgx.Rows) ([]*types.Offer, error) {
	var out []*types.Offer

	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unable to collect offers: %w", err)
	}

	return out, nil
}

func scanTrade(row pgx.Row) (*types.Trade, error) {
	var (
		t             types.Trade
		asset         string
		fiat          string
		method        string
		status        string
		disputeID     *string
		cancelReason  *string
	)

	err := row.Scan(
		&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &asset, &t.AmountCrypto,
		&t.PricePerUnit, &t.TotalFiat, &fiat, &method, &status, &t.EscrowID,
		&disputeID, &cancelReason, &t.PaymentDeadline, &t.CreatedAt,
		&t.PaymentConfirmedAt, &t.CompletedAt, &t.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("unable to scan trade: %w", err)
	}

	t.Asset = types.Asset(asset)
	t.FiatCurrency = types.FiatCurrency(fiat)
	t.PaymentMethod = types.PaymentMethod(method)
	t.Status = types.TradeStatus(status)

	if disputeID != nil {
		t.DisputeID = *disputeID
	}

	if cancelReason != nil {
		t.CancelReason = *cancelReason
	}

	return &t, nil
}

func scanEscrow(row pgx.Row) (*types.Escrow, error) {
	var (
		e      types.Escrow
		asset  string
		status string
	)

	err := row.Scan(
		&e.ID, &e.TradeID, &e.SellerID, &asset, &e.Amount,
		&status, &e.LockedAt, &e.ReleasedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("unable to scan escrow: %w", err)
	}

	e.Asset = types.Asset(asset)
	e.Status = types.EscrowStatus(status)

	return &e, nil
}

func scanDispute(row pgx.Row) (*types.Dispute, error) {
	var (
		d          types.Dispute
		status     string
		resolution *string
		resolvedBy *string
	)

	err := row.Scan(
		&d.ID, &d.TradeID, &d.RaisedBy, &d.Reason, &d.Description, &status,
		&resolution, &d.Shares, &resolvedBy, &d.CreatedAt, &d.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("unable to scan dispute: %w", err)
	}

	d.Status = types.DisputeStatus(status)

	if resolution != nil {
		d.Resolution = types.Resolution(*resolution)
	}

	if resolvedBy != nil {
		d.ResolvedBy = *resolvedBy
	}

	return &d, nil
}

func scanLimits(row pgx.Row) (*types.TradingLimits, error) {
	var l types.TradingLimits

	err := row.Scan(
		&l.UserID, &l.KycLevel, &l.DailyLimit, &l.MonthlyLimit,
		&l.DailyVolume, &l.MonthlyVolume, &l.DayResetAt, &l.MonthResetAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, fmt.Errorf("unable to scan limits: %w", err)
	}

	return &l, nil
}

func optString(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}

	return s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
