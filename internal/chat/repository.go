// Package chat is the message boundary for live sessions: persistence,
// the HTTP surface, and the client-side poller.
package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulse-social/live/internal/models"
)

// Repository handles message persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new message.
func (r *Repository) Create(ctx context.Context, m *models.ChatMessage) error {
	const query = `INSERT INTO session_messages (id, session_id, sender_id, text)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, sent_at`
	return r.pool.QueryRow(ctx, query, m.SessionID, m.SenderID, m.Text).
		Scan(&m.ID, &m.SentAt)
}

// ListBySession returns a session's messages in send order with the
// sender's display name resolved. Pagination keys on (sent_at, id) so
// messages sharing a timestamp are never skipped.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID, since uuid.UUID, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	const query = `SELECT m.id, m.session_id, m.sender_id, u.display_name, m.text, m.sent_at
		FROM session_messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.session_id = $1
		  AND ($2::uuid IS NULL OR (m.sent_at, m.id) > (SELECT sent_at, id FROM session_messages WHERE id = $2))
		ORDER BY m.sent_at ASC, m.id ASC
		LIMIT $3`
	var sinceArg any
	if since != uuid.Nil {
		sinceArg = since
	}
	rows, err := r.pool.Query(ctx, query, sessionID, sinceArg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.SenderName, &m.Text, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CountBySession returns the number of messages in a session.
func (r *Repository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	const query = `SELECT COUNT(*) FROM session_messages WHERE session_id = $1`
	var n int64
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(&n)
	return n, err
}
