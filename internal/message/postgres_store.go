package message

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append derives seq and created_at from the newest row in the same
// statement. Two writers racing for a seq collide on UNIQUE (trade_id, seq).
func (p *PostgresStore) Append(ctx context.Context, m *Message, now time.Time) error {
	err := p.db.QueryRowContext(ctx, `
		WITH last AS (
			SELECT seq, created_at FROM trade_messages
			WHERE trade_id = $2
			ORDER BY seq DESC
			LIMIT 1
		)
		INSERT INTO trade_messages (id, trade_id, seq, sender_id, body, attachment_ref, created_at)
		SELECT $1, $2,
			COALESCE((SELECT seq FROM last), 0) + 1,
			$3, $4, $5,
			GREATEST($6::timestamptz, COALESCE((SELECT created_at FROM last), $6::timestamptz))
		RETURNING seq, created_at
	`, m.ID, m.TradeID, m.SenderID, m.Body, m.AttachmentRef, now).Scan(&m.Seq, &m.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errSeqTaken
	}
	return err
}

func (p *PostgresStore) List(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, seq, sender_id, body, attachment_ref, created_at
		FROM trade_messages
		WHERE trade_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, tradeID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TradeID, &m.Seq, &m.SenderID, &m.Body, &m.AttachmentRef, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
