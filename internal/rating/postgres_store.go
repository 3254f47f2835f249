package rating

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists ratings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed rating store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trade_ratings (trade_id, rater_id, ratee_id, score, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.TradeID, r.RaterID, r.RateeID, r.Score, r.Comment, r.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyRated
	}
	return err
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Rating, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trade_id, rater_id, ratee_id, score, comment, created_at
		FROM trade_ratings
		WHERE trade_id = $1
		ORDER BY created_at ASC
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Rating
	for rows.Next() {
		r := &Rating{}
		if err := rows.Scan(&r.TradeID, &r.RaterID, &r.RateeID, &r.Score, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
