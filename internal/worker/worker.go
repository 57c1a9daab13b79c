// Package worker runs background jobs for ended sessions: it aggregates
// final engagement totals, uploads a JSON transcript to object storage,
// and marks the session archived.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/chat"
	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/internal/rooms"
	"github.com/pulse-social/live/pkg/queue"
	"github.com/pulse-social/live/pkg/storage"
)

// archive is the transcript document uploaded for an ended session.
type archive struct {
	SessionID    uuid.UUID                       `json:"session_id"`
	RoomID       string                          `json:"room_id"`
	HostID       uuid.UUID                       `json:"host_id"`
	Title        string                          `json:"title"`
	Category     string                          `json:"category,omitempty"`
	StartedAt    time.Time                       `json:"started_at"`
	EndedAt      *time.Time                      `json:"ended_at"`
	PeakViewers  int                             `json:"peak_viewers"`
	Totals       map[models.EngagementType]int64 `json:"engagement_totals"`
	MessageCount int64                           `json:"message_count"`
	Messages     []*models.ChatMessage           `json:"messages"`
	ArchivedAt   time.Time                       `json:"archived_at"`
}

// ArchiveProcessor processes session archive jobs.
type ArchiveProcessor struct {
	sessions *rooms.Repository
	messages *chat.Repository
	s3       *storage.S3
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewArchiveProcessor creates a session archive processor.
func NewArchiveProcessor(sessions *rooms.Repository, messages *chat.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{sessions: sessions, messages: messages, s3: s3, queue: q, logger: logger}
}

// Process executes one archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sess, err := p.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.ArchivedAt != nil {
		p.logger.Info("session already archived", zap.String("session_id", sess.ID.String()))
		return nil
	}
	if sess.EndedAt == nil {
		return fmt.Errorf("session not ended: %s", sess.ID)
	}

	totals, err := p.sessions.EventTotals(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("aggregate engagement: %w", err)
	}
	msgs, err := p.messages.ListBySession(ctx, sess.ID, uuid.Nil, 500)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	count, err := p.messages.CountBySession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}

	now := time.Now().UTC()
	doc := archive{
		SessionID:    sess.ID,
		RoomID:       sess.RoomID,
		HostID:       sess.HostID,
		Title:        sess.Title,
		Category:     sess.Category,
		StartedAt:    sess.StartedAt,
		EndedAt:      sess.EndedAt,
		PeakViewers:  sess.PeakViewers,
		Totals:       totals,
		MessageCount: count,
		Messages:     msgs,
		ArchivedAt:   now,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	key := storage.ArchiveKey(sess.ID.String())
	if _, err := p.s3.Upload(ctx, key, "application/json", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.sessions.MarkArchived(ctx, sess.ID, now); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}

	p.logger.Info("session archived",
		zap.String("session_id", sess.ID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
