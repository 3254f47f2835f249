package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/peerex/internal/pagination"
	"github.com/shopspring/decimal"
)

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, order_id, buyer_id, seller_id, crypto_asset, fiat_currency,
	crypto_amount, fiat_amount, unit_price, payment_method, state, escrow_ref, payment_deadline,
	dispute_reason, disputed_by, cancel_reason, resolution, resolution_note,
	settlement, version, created_at, updated_at, terminal_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (*Trade, error) {
	t := &Trade{}
	var state string
	var crypto, fiat, price string
	var disputeReason, disputedBy, cancelReason, resolution, resolutionNote sql.NullString
	var settlement []byte
	var terminalAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.OrderID, &t.BuyerID, &t.SellerID, &t.CryptoAsset, &t.FiatCurrency,
		&crypto, &fiat, &price, &t.PaymentMethod, &state, &t.EscrowRef, &t.PaymentDeadline,
		&disputeReason, &disputedBy, &cancelReason, &resolution, &resolutionNote,
		&settlement, &t.Version, &t.CreatedAt, &t.UpdatedAt, &terminalAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = State(state)
	t.CryptoAmount = decimal.RequireFromString(crypto)
	t.FiatAmount = decimal.RequireFromString(fiat)
	t.UnitPrice = decimal.RequireFromString(price)
	t.DisputeReason = disputeReason.String
	t.DisputedBy = disputedBy.String
	t.CancelReason = cancelReason.String
	t.Resolution = resolution.String
	t.ResolutionNote = resolutionNote.String
	if terminalAt.Valid {
		at := terminalAt.Time
		t.TerminalAt = &at
	}
	if len(settlement) > 0 {
		var rec claimRecord
		if err := json.Unmarshal(settlement, &rec); err != nil {
			return nil, fmt.Errorf("decode settlement of %s: %w", t.ID, err)
		}
		c := rec.Claim
		c.IdempotencyKey = rec.IdempotencyKey
		t.Settlement = &c
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// claimRecord is the stored form of a Claim. The key is kept out of the
// API encoding but recovery needs it to commit the history row.
type claimRecord struct {
	Claim
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// settlementColumns returns the JSONB claim (NULL when unclaimed) and its
// start time.
func settlementColumns(t *Trade) (sql.NullString, sql.NullTime, error) {
	if t.Settlement == nil {
		return sql.NullString{}, sql.NullTime{}, nil
	}
	raw, err := json.Marshal(claimRecord{Claim: *t.Settlement, IdempotencyKey: t.Settlement.IdempotencyKey})
	if err != nil {
		return sql.NullString{}, sql.NullTime{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, sql.NullTime{Time: t.Settlement.Since, Valid: true}, nil
}

func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_trade_history_idem"
}

func insertHistory(ctx context.Context, tx *sql.Tx, h *HistoryEntry) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO trade_history (trade_id, seq, action, actor_id, role, from_state, to_state, idempotency_key, note, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM trade_history WHERE trade_id = $1
		RETURNING seq
	`, h.TradeID, string(h.Action), h.ActorID, string(h.Role), string(h.From), string(h.To),
		h.IdempotencyKey, h.Note, h.CreatedAt).Scan(&h.Seq)
	if isDuplicateKey(err) {
		return errDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade, h *HistoryEntry) error {
	settlement, settlingSince, err := settlementColumns(t)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t.Version = 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`, settling_since)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, t.ID, t.OrderID, t.BuyerID, t.SellerID, t.CryptoAsset, t.FiatCurrency,
		t.CryptoAmount.String(), t.FiatAmount.String(), t.UnitPrice.String(), t.PaymentMethod, string(t.State), t.EscrowRef, t.PaymentDeadline,
		nullString(t.DisputeReason), nullString(t.DisputedBy), nullString(t.CancelReason), nullString(t.Resolution), nullString(t.ResolutionNote),
		settlement, t.Version, t.CreatedAt, t.UpdatedAt, nullTime(t.TerminalAt), settlingSince)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	if h != nil {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	t, err := scanTrade(p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade, expect Expect, h *HistoryEntry) error {
	settlement, settlingSince, err := settlementColumns(t)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Only mutable columns are written; parties and amounts never change.
	result, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			state           = $4,
			dispute_reason  = $5,
			disputed_by     = $6,
			cancel_reason   = $7,
			resolution      = $8,
			resolution_note = $9,
			settlement      = $10,
			settling_since  = $11,
			version         = $3 + 1,
			updated_at      = $12,
			terminal_at     = $13
		WHERE id = $1 AND state = $2 AND version = $3
	`, t.ID, string(expect.State), expect.Version, string(t.State),
		nullString(t.DisputeReason), nullString(t.DisputedBy), nullString(t.CancelReason),
		nullString(t.Resolution), nullString(t.ResolutionNote),
		settlement, settlingSince, t.UpdatedAt, nullTime(t.TerminalAt))
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrConflict
	}

	if h != nil {
		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Version = expect.Version + 1
	return nil
}

func (p *PostgresStore) queryTrades(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, f ListFilter) ([]*Trade, error) {
	// Far-future sentinel so the first page needs no special case.
	cursorAt, cursorID := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC), ""
	if f.Cursor != "" {
		c, err := pagination.Decode(f.Cursor)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		cursorAt, cursorID = c.At, c.ID
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	return p.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR state = $2)
		  AND (created_at < $3 OR (created_at = $3 AND $4 <> '' AND id < $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, userID, string(f.State), cursorAt, cursorID, limit+1)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	return p.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE state = 'pending' AND payment_deadline <= $1 AND settlement IS NULL
		ORDER BY payment_deadline ASC
		LIMIT $2
	`, now, limit)
}

func (p *PostgresStore) ListStaleSettlements(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	return p.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE settling_since IS NOT NULL AND settling_since < $1
		ORDER BY settling_since ASC
		LIMIT $2
	`, before, limit)
}

const historyColumns = `trade_id, seq, action, actor_id, role, from_state, to_state, idempotency_key, note, created_at`

func scanHistory(row scanner) (*HistoryEntry, error) {
	h := &HistoryEntry{}
	var action, role, from, to string
	if err := row.Scan(&h.TradeID, &h.Seq, &action, &h.ActorID, &role, &from, &to, &h.IdempotencyKey, &h.Note, &h.CreatedAt); err != nil {
		return nil, err
	}
	h.Action = Action(action)
	h.Role = Role(role)
	h.From = State(from)
	h.To = State(to)
	return h, nil
}

func (p *PostgresStore) History(ctx context.Context, tradeID string) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM trade_history WHERE trade_id = $1 ORDER BY seq ASC
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, actorID, key string) (*HistoryEntry, error) {
	h, err := scanHistory(p.db.QueryRowContext(ctx, `
		SELECT `+historyColumns+` FROM trade_history
		WHERE actor_id = $1 AND idempotency_key = $2 AND idempotency_key <> ''
	`, actorID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return h, err
}
