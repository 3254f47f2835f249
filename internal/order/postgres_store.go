package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists ads in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, side, owner_id, crypto_asset, fiat_currency, unit_price, available_amount,
	min_limit, max_limit, payment_methods, payment_window_minutes, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	o := &Order{}
	var side, status string
	var unitPrice, available, minLimit, maxLimit string
	var methods pq.StringArray
	err := row.Scan(&o.ID, &side, &o.OwnerID, &o.CryptoAsset, &o.FiatCurrency, &unitPrice, &available,
		&minLimit, &maxLimit, &methods, &o.PaymentWindowMinutes, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = Side(side)
	o.Status = Status(status)
	o.PaymentMethods = []string(methods)
	o.UnitPrice = decimal.RequireFromString(unitPrice)
	o.AvailableAmount = decimal.RequireFromString(available)
	o.MinLimit = decimal.RequireFromString(minLimit)
	o.MaxLimit = decimal.RequireFromString(maxLimit)
	return o, nil
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, o.ID, string(o.Side), o.OwnerID, o.CryptoAsset, o.FiatCurrency, o.UnitPrice.String(), o.AvailableAmount.String(),
		o.MinLimit.String(), o.MaxLimit.String(), pq.Array(o.PaymentMethods), o.PaymentWindowMinutes, string(o.Status),
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListActive(ctx context.Context, f ListFilter) ([]*Order, error) {
	return p.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'active' AND available_amount > 0
		  AND ($1 = '' OR side = $1)
		  AND ($2 = '' OR crypto_asset = $2)
		  AND ($3 = '' OR fiat_currency = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, string(f.Side), f.CryptoAsset, f.FiatCurrency, f.Limit)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Order, error) {
	return p.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) Reserve(ctx context.Context, orderID, tradeID string, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM order_reservations WHERE order_id = $1 AND trade_id = $2
	`, orderID, tradeID).Scan(&existing)
	switch {
	case err == nil:
		if !decimal.RequireFromString(existing).Equal(amount) {
			return ErrReservationMismatch
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	// Conditional decrement: the row lock taken here serializes concurrent
	// reservations against the same ad.
	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			available_amount = available_amount - $2::NUMERIC(38,8),
			updated_at       = NOW()
		WHERE id = $1 AND status = 'active' AND available_amount >= $2::NUMERIC(38,8)
	`, orderID, amount.String())
	if err != nil {
		return fmt.Errorf("failed to reserve order amount: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.reserveFailure(ctx, tx, orderID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_reservations (order_id, trade_id, amount, created_at)
		VALUES ($1, $2, $3::NUMERIC(38,8), NOW())
	`, orderID, tradeID, amount.String())
	if err != nil {
		return fmt.Errorf("failed to record reservation: %w", err)
	}
	return tx.Commit()
}

// reserveFailure explains why the conditional decrement matched no row.
func (p *PostgresStore) reserveFailure(ctx context.Context, tx *sql.Tx, orderID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrOrderNotFound
	case err != nil:
		return err
	case Status(status) != StatusActive:
		return ErrOrderNotActive
	default:
		return ErrInsufficientAvailability
	}
}

func (p *PostgresStore) Restore(ctx context.Context, orderID, tradeID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var amount string
	err = tx.QueryRowContext(ctx, `
		UPDATE order_reservations SET released = TRUE, released_at = NOW()
		WHERE order_id = $1 AND trade_id = $2 AND NOT released
		RETURNING amount
	`, orderID, tradeID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM order_reservations WHERE order_id = $1 AND trade_id = $2)
		`, orderID, tradeID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrReservationNotFound
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			available_amount = available_amount + $2::NUMERIC(38,8),
			updated_at       = NOW()
		WHERE id = $1
	`, orderID, amount)
	if err != nil {
		return fmt.Errorf("failed to restore order amount: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Reservations(ctx context.Context, orderID string) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT order_id, trade_id, amount, released, created_at, released_at
		FROM order_reservations WHERE order_id = $1 ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Reservation
	for rows.Next() {
		r := &Reservation{}
		var amount string
		var releasedAt sql.NullTime
		if err := rows.Scan(&r.OrderID, &r.TradeID, &amount, &r.Released, &r.CreatedAt, &releasedAt); err != nil {
			return nil, err
		}
		r.Amount = decimal.RequireFromString(amount)
		if releasedAt.Valid {
			t := releasedAt.Time
			r.ReleasedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
