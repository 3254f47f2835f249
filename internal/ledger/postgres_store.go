package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/peerex/internal/idgen"
	"github.com/mbd888/peerex/internal/retry"
	"github.com/shopspring/decimal"
)

// serializationAttempts bounds retries of a serializable transaction that
// lost a conflict with a concurrent one.
const serializationAttempts = 5

// PostgresStore persists the ledger in PostgreSQL. Every mutation runs in a
// serializable transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

// inTx runs fn in a serializable transaction, retrying serialization
// failures. Any other error ends the attempt.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, serializationAttempts, 10*time.Millisecond, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return retry.Permanent(err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
}

func insertEntry(ctx context.Context, tx *sql.Tx, account, asset, kind string, amount decimal.Decimal, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, asset, kind, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(38,8), $6, NOW())
	`, idgen.WithPrefix(idgen.EntryPrefix), account, asset, kind, amount.String(), reference)
	if err != nil {
		return fmt.Errorf("failed to record %s entry: %w", kind, err)
	}
	return nil
}

func creditAvailable(ctx context.Context, tx *sql.Tx, account, asset string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, asset, available, escrowed, updated_at)
		VALUES ($1, $2, $3::NUMERIC(38,8), 0, NOW())
		ON CONFLICT (account, asset) DO UPDATE SET
			available  = ledger_balances.available + EXCLUDED.available,
			updated_at = NOW()
	`, account, asset, amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", account, err)
	}
	return nil
}

func (p *PostgresStore) Deposit(ctx context.Context, account, asset string, amount decimal.Decimal, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if reference != "" {
			var exists bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE kind = 'deposit' AND reference = $1)
			`, reference).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check deposit: %w", err)
			}
			if exists {
				return nil
			}
		}
		if err := creditAvailable(ctx, tx, account, asset, amount); err != nil {
			return err
		}
		return insertEntry(ctx, tx, account, asset, "deposit", amount, reference)
	})
}

func (p *PostgresStore) GetBalance(ctx context.Context, account, asset string) (*Balance, error) {
	bal := &Balance{Account: account, Asset: asset}
	var available, escrowed string
	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, updated_at FROM ledger_balances
		WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&available, &escrowed, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		bal.Available, bal.Escrowed = decimal.Zero, decimal.Zero
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	bal.Available = decimal.RequireFromString(available)
	bal.Escrowed = decimal.RequireFromString(escrowed)
	return bal, nil
}

func (p *PostgresStore) ListBalances(ctx context.Context, account string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT asset, available, escrowed, updated_at FROM ledger_balances
		WHERE account = $1 ORDER BY asset
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Balance
	for rows.Next() {
		bal := &Balance{Account: account}
		var available, escrowed string
		if err := rows.Scan(&bal.Asset, &available, &escrowed, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		bal.Available = decimal.RequireFromString(available)
		bal.Escrowed = decimal.RequireFromString(escrowed)
		out = append(out, bal)
	}
	return out, rows.Err()
}

const holdColumns = `ref, reference, account, asset, amount, status, COALESCE(settled_to, ''), created_at, settled_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanHold(row scanner) (*Hold, error) {
	h := &Hold{}
	var amount, status string
	var settledAt sql.NullTime
	if err := row.Scan(&h.Ref, &h.Reference, &h.Account, &h.Asset, &amount, &status, &h.SettledTo, &h.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	h.Amount = decimal.RequireFromString(amount)
	h.Status = HoldStatus(status)
	if settledAt.Valid {
		t := settledAt.Time
		h.SettledAt = &t
	}
	return h, nil
}

func (p *PostgresStore) Lock(ctx context.Context, hold *Hold) (*Hold, error) {
	var out *Hold
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanHold(tx.QueryRowContext(ctx,
			`SELECT `+holdColumns+` FROM ledger_holds WHERE reference = $1`, hold.Reference))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				available  = available - $3::NUMERIC(38,8),
				escrowed   = escrowed  + $3::NUMERIC(38,8),
				updated_at = NOW()
			WHERE account = $1 AND asset = $2 AND available >= $3::NUMERIC(38,8)
		`, hold.Account, hold.Asset, hold.Amount.String())
		if err != nil {
			return fmt.Errorf("failed to lock escrow: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrInsufficientBalance
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_holds (ref, reference, account, asset, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(38,8), $6, $7)
		`, hold.Ref, hold.Reference, hold.Account, hold.Asset, hold.Amount.String(), string(HoldLocked), hold.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create hold: %w", err)
		}
		if err := insertEntry(ctx, tx, hold.Account, hold.Asset, "escrow_lock", hold.Amount, hold.Reference); err != nil {
			return err
		}
		cp := *hold
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Settle(ctx context.Context, ref string, status HoldStatus, to string) (*Hold, error) {
	var out *Hold
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		hold, err := scanHold(tx.QueryRowContext(ctx,
			`SELECT `+holdColumns+` FROM ledger_holds WHERE ref = $1 FOR UPDATE`, ref))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrHoldNotFound
		}
		if err != nil {
			return err
		}
		switch hold.Status {
		case status:
			out = hold
			return nil
		case HoldLocked:
		default:
			return ErrHoldSettled
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_balances SET
				escrowed   = escrowed - $3::NUMERIC(38,8),
				updated_at = NOW()
			WHERE account = $1 AND asset = $2
		`, hold.Account, hold.Asset, hold.Amount.String())
		if err != nil {
			return fmt.Errorf("failed to debit escrow: %w", err)
		}
		if err := creditAvailable(ctx, tx, to, hold.Asset, hold.Amount); err != nil {
			return err
		}

		if status == HoldReleased {
			if err := insertEntry(ctx, tx, hold.Account, hold.Asset, "escrow_release", hold.Amount.Neg(), hold.Reference); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, to, hold.Asset, "escrow_receive", hold.Amount, hold.Reference); err != nil {
				return err
			}
		} else if err := insertEntry(ctx, tx, hold.Account, hold.Asset, "escrow_return", hold.Amount, hold.Reference); err != nil {
			return err
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_holds SET status = $2, settled_to = $3, settled_at = $4 WHERE ref = $1
		`, ref, string(status), to, now)
		if err != nil {
			return fmt.Errorf("failed to settle hold: %w", err)
		}
		hold.Status = status
		hold.SettledTo = to
		hold.SettledAt = &now
		out = hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) GetHold(ctx context.Context, ref string) (*Hold, error) {
	hold, err := scanHold(p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM ledger_holds WHERE ref = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return hold, err
}

func (p *PostgresStore) ListLocked(ctx context.Context, cutoff time.Time, limit int) ([]*Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM ledger_holds
		WHERE status = 'locked' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Entries(ctx context.Context, account, asset string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, asset, kind, amount, reference, created_at FROM ledger_entries
		WHERE account = $1 AND ($2 = '' OR asset = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, account, asset, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var amount string
		if err := rows.Scan(&e.ID, &e.Account, &e.Asset, &e.Kind, &amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = decimal.RequireFromString(amount)
		out = append(out, e)
	}
	return out, rows.Err()
}
