// Package main runs a headless broadcast client: one publishing session
// driven end to end by the embedded session core against a running live
// server. There is no capture hardware, so the fallback renderer carries
// the video. Intended for demos and soak runs.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulse-social/live/config"
	"github.com/pulse-social/live/internal/auth"
	"github.com/pulse-social/live/internal/chat"
	"github.com/pulse-social/live/internal/engagement"
	"github.com/pulse-social/live/internal/fallback"
	"github.com/pulse-social/live/internal/media"
	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/internal/session"
	"github.com/pulse-social/live/internal/signaling"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	hostID := uuid.New()
	store := newMemStore()

	pipeline := media.NewPipeline(media.NoDeviceSource{}, cfg.WebRTC.ICEUrls, logger)
	fbTrack, err := media.NewVideoTrack("fallback", "headless-broadcast")
	if err != nil {
		logger.Fatal("fallback track", zap.Error(err))
	}
	pipeline.SetFallbackVideo(fbTrack)
	renderer := fallback.NewRenderer(fallback.Config{
		Width:    cfg.Fallback.Width,
		Height:   cfg.Fallback.Height,
		FPS:      cfg.Fallback.FPS,
		Initials: "HB",
		Status:   "GOING LIVE",
	}, fbTrack)

	// Self-issued signaling token. An empty room claim is valid for any
	// room, which this client needs before its room id exists.
	jwtSvc := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	wsToken, err := jwtSvc.Generate(hostID, "", models.RolePublisher.String())
	if err != nil {
		logger.Fatal("sign signaling token", zap.Error(err))
	}

	client := signaling.NewClient(signaling.Options{
		URL:                  cfg.Signaling.URL,
		Token:                wsToken,
		Role:                 models.RolePublisher,
		MaxReconnectAttempts: cfg.Signaling.MaxReconnectAttempts,
		ReconnectBase:        time.Duration(cfg.Signaling.ReconnectBaseMillis) * time.Millisecond,
		Logger:               logger,
	})

	mgr := session.NewManager(store, client, pipeline, renderer, media.DefaultProfile(), logger)
	neg := session.NewNegotiator(models.RolePublisher, client, pipeline, logger)

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	neg.OnSessionEnded(finish)
	client.OnFatal(func(err error) {
		logger.Error("signaling channel lost", zap.Error(err))
		finish()
	})

	var broMu sync.Mutex
	var bro *engagement.Broadcaster
	client.OnMessage(func(msg signaling.Message) {
		if msg.Kind == signaling.KindViewerCount {
			broMu.Lock()
			b := bro
			broMu.Unlock()
			if b != nil {
				b.SetViewerCount(msg.Count)
			}
			return
		}
		neg.Handle(msg)
	})

	sess, err := mgr.Start(context.Background(), hostID, "Headless broadcast", "demo")
	switch {
	case err == nil:
	case errors.Is(err, media.ErrDeviceNotFound):
		// Expected here: no capture hardware. The placeholder keeps
		// publishing while preparation stays retryable.
		logger.Info("no capture device, publishing placeholder video",
			zap.String("detail", media.UserMessage(err, "en")))
	default:
		logger.Fatal("start session", zap.Error(err))
	}
	logger.Info("session started",
		zap.String("session_id", sess.ID.String()),
		zap.String("room_id", sess.RoomID),
		zap.String("state", string(mgr.State())))

	broMu.Lock()
	bro = engagement.NewBroadcaster(sess, store, logSink{logger},
		time.Duration(cfg.Engagement.TickSeconds)*time.Second, logger)
	broMu.Unlock()
	mgr.Attach(bro)
	if cfg.Engagement.Simulate {
		mgr.Attach(engagement.NewSimulator(bro, 2*time.Second, logger))
	}

	apiToken, err := jwtSvc.Generate(hostID, sess.RoomID, models.RolePublisher.String())
	if err != nil {
		logger.Fatal("sign api token", zap.Error(err))
	}
	lister := chat.NewRESTLister("http://localhost:"+cfg.Server.Port, apiToken)
	poller := chat.NewPoller(lister, sess.ID,
		time.Duration(cfg.Chat.PollSeconds)*time.Second, logger)
	poller.OnNew(func(msgs []*models.ChatMessage) {
		for _, m := range msgs {
			logger.Info("chat",
				zap.String("from", m.SenderName), zap.String("text", m.Text))
		}
	})
	mgr.Attach(poller)

	// A camera may appear later; keep re-running the failed legs.
	retry := time.NewTicker(15 * time.Second)
	defer retry.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-quit:
			running = false
		case <-done:
			running = false
		case <-retry.C:
			if mgr.State() == models.StatePreparing {
				if err := mgr.Retry(context.Background()); err != nil {
					logger.Debug("preparation retry", zap.Error(err))
				}
			}
		}
	}

	if err := mgr.End(context.Background()); err != nil {
		logger.Warn("end session", zap.Error(err))
	}
	logger.Info("broadcast stopped")
}

// logSink logs engagement snapshots; the headless client has no room
// relay of its own to publish into.
type logSink struct{ logger *zap.Logger }

func (s logSink) PublishEngagement(roomID string, snap engagement.Snapshot) error {
	s.logger.Info("engagement",
		zap.String("room_id", roomID),
		zap.Int("viewers", snap.ViewerCount),
		zap.Int("peak", snap.PeakViewers),
		zap.Int64("likes", snap.Likes),
		zap.Int64("comments", snap.Comments),
		zap.Int64("gifts", snap.Gifts),
		zap.Duration("duration", snap.Duration))
	return nil
}

// memStore keeps this client's session records in memory. The server
// remains the system of record; this process only tracks the one session
// it drives.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.StreamSession
	events   []*models.EngagementEvent
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*models.StreamSession)}
}

func (s *memStore) Create(_ context.Context, sess *models.StreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) UpdateState(_ context.Context, id uuid.UUID, state models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.State = state
	}
	return nil
}

func (s *memStore) End(_ context.Context, id uuid.UUID, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.EndedAt == nil {
		sess.EndedAt = &endedAt
		sess.State = models.StateEnded
		sess.ViewerCount = 0
	}
	return nil
}

func (s *memStore) InsertEvent(_ context.Context, ev *models.EngagementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) BumpCounter(_ context.Context, id uuid.UUID, typ models.EngagementType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	switch typ {
	case models.EngagementLike:
		sess.LikeCount++
	case models.EngagementComment:
		sess.CommentCount++
	case models.EngagementGift:
		sess.GiftCount++
	default:
		return models.ErrBadEngagementType
	}
	return nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
