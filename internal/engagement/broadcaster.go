// Package engagement tracks viewer presence, session duration, and
// like/comment/gift counters for a live session, and broadcasts periodic
// snapshots to the room.
package engagement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/models"
)

// Snapshot is one engagement reading pushed to the room.
type Snapshot struct {
	SessionID   uuid.UUID     `json:"session_id"`
	ViewerCount int           `json:"viewer_count"`
	PeakViewers int           `json:"peak_viewers"`
	Duration    time.Duration `json:"duration"`
	Likes       int64         `json:"likes"`
	Comments    int64         `json:"comments"`
	Gifts       int64         `json:"gifts"`
}

// Store persists engagement events and counter totals.
type Store interface {
	InsertEvent(ctx context.Context, ev *models.EngagementEvent) error
	BumpCounter(ctx context.Context, sessionID uuid.UUID, typ models.EngagementType) error
}

// Sink receives periodic snapshots, e.g. the room broadcast channel.
type Sink interface {
	PublishEngagement(roomID string, snap Snapshot) error
}

// Broadcaster maintains live engagement state for one session. The viewer
// count is clamped to a floor of 1 while the session is active, since the
// host is always present. Duration is recomputed from the session start on
// every tick rather than accumulated, so it survives pauses.
type Broadcaster struct {
	sessionID uuid.UUID
	roomID    string
	startedAt time.Time
	interval  time.Duration
	store     Store
	sink      Sink
	logger    *zap.Logger

	mu       sync.Mutex
	active   bool
	viewers  int
	peak     int
	likes    int64
	comments int64
	gifts    int64

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewBroadcaster creates a broadcaster for a started session.
func NewBroadcaster(sess *models.StreamSession, store Store, sink Sink, interval time.Duration, logger *zap.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	return &Broadcaster{
		sessionID: sess.ID,
		roomID:    sess.RoomID,
		startedAt: sess.StartedAt,
		interval:  interval,
		store:     store,
		sink:      sink,
		logger:    logger,
		viewers:   1,
		peak:      1,
	}
}

// Start begins the snapshot tick loop.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return
	}
	b.active = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go b.tickLoop(ctx)
}

// Stop halts the tick loop and waits for it to exit. No tick fires after
// Stop returns.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	cancel := b.cancel
	done := b.doneCh
	b.mu.Unlock()

	cancel()
	<-done
}

// Active reports whether the tick loop is running.
func (b *Broadcaster) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Broadcaster) tickLoop(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The session may have begun ending between the tick
			// firing and this body running.
			b.mu.Lock()
			if !b.active {
				b.mu.Unlock()
				return
			}
			snap := b.snapshotLocked()
			b.mu.Unlock()

			if err := b.sink.PublishEngagement(b.roomID, snap); err != nil {
				b.logger.Warn("publish engagement snapshot", zap.Error(err))
			}
		}
	}
}

// SetViewerCount updates presence from signaling. While active the count
// never drops below 1; it is never negative.
func (b *Broadcaster) SetViewerCount(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if b.active && n < 1 {
		n = 1
	}
	b.viewers = n
	if n > b.peak {
		b.peak = n
	}
}

// Record persists a real user interaction and bumps the live counter.
// This is the only path that touches persisted totals.
func (b *Broadcaster) Record(ctx context.Context, typ models.EngagementType, actorID uuid.UUID) error {
	if !typ.Valid() {
		return models.ErrBadEngagementType
	}
	ev := &models.EngagementEvent{
		ID:        uuid.New(),
		SessionID: b.sessionID,
		Type:      typ,
		ActorID:   actorID,
		At:        time.Now().UTC(),
	}
	if err := b.store.InsertEvent(ctx, ev); err != nil {
		return err
	}
	if err := b.store.BumpCounter(ctx, b.sessionID, typ); err != nil {
		return err
	}
	b.bump(typ)
	return nil
}

// Inject bumps a live counter without persistence. Demonstration-only;
// the composition layer enables it behind an explicit switch and it never
// writes through to stored totals.
func (b *Broadcaster) Inject(typ models.EngagementType) {
	if !typ.Valid() {
		return
	}
	b.bump(typ)
}

func (b *Broadcaster) bump(typ models.EngagementType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch typ {
	case models.EngagementLike:
		b.likes++
	case models.EngagementComment:
		b.comments++
	case models.EngagementGift:
		b.gifts++
	}
}

// Snapshot returns the current engagement reading.
func (b *Broadcaster) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Broadcaster) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:   b.sessionID,
		ViewerCount: b.viewers,
		PeakViewers: b.peak,
		Duration:    time.Since(b.startedAt),
		Likes:       b.likes,
		Comments:    b.comments,
		Gifts:       b.gifts,
	}
}
