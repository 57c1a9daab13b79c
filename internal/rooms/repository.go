// Package rooms persists broadcast sessions and exposes their HTTP
// surface: creation, lookup, ending, and live listings.
package rooms

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/internal/session"
)

const uniqueViolation = "23505"

// Repository handles session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new session. A host with a non-ended session gets
// session.ErrHostBusy, enforced by a partial unique index.
func (r *Repository) Create(ctx context.Context, s *models.StreamSession) error {
	const q = `INSERT INTO stream_sessions (id, room_id, stream_id, host_id, title, category, state, started_at, viewer_count, peak_viewers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, s.ID, s.RoomID, s.StreamID, s.HostID, s.Title,
		s.Category, s.State, s.StartedAt, s.ViewerCount).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return session.ErrHostBusy
	}
	return err
}

// Get returns a session by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	return r.getWhere(ctx, "id = $1", id)
}

// GetByRoom returns a session by its signaling room.
func (r *Repository) GetByRoom(ctx context.Context, roomID string) (*models.StreamSession, error) {
	return r.getWhere(ctx, "room_id = $1", roomID)
}

func (r *Repository) getWhere(ctx context.Context, cond string, arg any) (*models.StreamSession, error) {
	q := `SELECT id, room_id, stream_id, host_id, title, category, state, started_at, ended_at,
			viewer_count, peak_viewers, like_count, comment_count, gift_count, archived_at, created_at, updated_at
		FROM stream_sessions WHERE ` + cond
	var s models.StreamSession
	err := r.pool.QueryRow(ctx, q, arg).Scan(&s.ID, &s.RoomID, &s.StreamID, &s.HostID,
		&s.Title, &s.Category, &s.State, &s.StartedAt, &s.EndedAt, &s.ViewerCount,
		&s.PeakViewers, &s.LikeCount, &s.CommentCount, &s.GiftCount, &s.ArchivedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// RoomID returns a session's signaling room.
func (r *Repository) RoomID(ctx context.Context, sessionID uuid.UUID) (string, error) {
	const q = `SELECT room_id FROM stream_sessions WHERE id = $1`
	var roomID string
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", session.ErrSessionNotFound
	}
	return roomID, err
}

// ListLive returns non-ended sessions, newest first.
func (r *Repository) ListLive(ctx context.Context, limit int) ([]models.StreamSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const q = `SELECT id, room_id, stream_id, host_id, title, category, state, started_at, ended_at,
			viewer_count, peak_viewers, like_count, comment_count, gift_count, archived_at, created_at, updated_at
		FROM stream_sessions WHERE ended_at IS NULL
		ORDER BY started_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StreamSession
	for rows.Next() {
		var s models.StreamSession
		if err := rows.Scan(&s.ID, &s.RoomID, &s.StreamID, &s.HostID, &s.Title,
			&s.Category, &s.State, &s.StartedAt, &s.EndedAt, &s.ViewerCount,
			&s.PeakViewers, &s.LikeCount, &s.CommentCount, &s.GiftCount,
			&s.ArchivedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateState moves a session to a new lifecycle state.
func (r *Repository) UpdateState(ctx context.Context, id uuid.UUID, state models.SessionState) error {
	const q = `UPDATE stream_sessions SET state = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, state)
	return err
}

// UpdatePresence records the current and peak viewer counts.
func (r *Repository) UpdatePresence(ctx context.Context, id uuid.UUID, viewers int) error {
	const q = `UPDATE stream_sessions
		SET viewer_count = $2, peak_viewers = GREATEST(peak_viewers, $2), updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, id, viewers)
	return err
}

// BumpCounter increments one persisted engagement total.
func (r *Repository) BumpCounter(ctx context.Context, id uuid.UUID, typ models.EngagementType) error {
	var col string
	switch typ {
	case models.EngagementLike:
		col = "like_count"
	case models.EngagementComment:
		col = "comment_count"
	case models.EngagementGift:
		col = "gift_count"
	default:
		return models.ErrBadEngagementType
	}
	q := `UPDATE stream_sessions SET ` + col + ` = ` + col + ` + 1, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// InsertEvent appends one engagement event.
func (r *Repository) InsertEvent(ctx context.Context, ev *models.EngagementEvent) error {
	const q = `INSERT INTO engagement_events (id, session_id, type, actor_id, at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, q, ev.ID, ev.SessionID, ev.Type, ev.ActorID, ev.At)
	return err
}

// End marks a session ended and zeroes its live viewer count. Idempotent:
// a second call changes nothing.
func (r *Repository) End(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	const q = `UPDATE stream_sessions
		SET state = $2, ended_at = $3, viewer_count = 0, updated_at = NOW()
		WHERE id = $1 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, id, models.StateEnded, endedAt)
	return err
}

// MarkArchived records that the session transcript was uploaded.
func (r *Repository) MarkArchived(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE stream_sessions SET archived_at = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, at)
	return err
}

// EventTotals aggregates persisted engagement events for archival.
func (r *Repository) EventTotals(ctx context.Context, id uuid.UUID) (map[models.EngagementType]int64, error) {
	const q = `SELECT type, COUNT(*) FROM engagement_events WHERE session_id = $1 GROUP BY type`
	rows, err := r.pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[models.EngagementType]int64)
	for rows.Next() {
		var typ models.EngagementType
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		totals[typ] = n
	}
	return totals, rows.Err()
}
