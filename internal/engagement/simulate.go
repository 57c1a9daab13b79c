package engagement

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/models"
)

// Simulator injects randomized engagement into a broadcaster for demos
// and load checks. It only touches the live counters through Inject, so
// simulated interactions never reach persisted totals. It runs only when
// explicitly enabled in configuration.
type Simulator struct {
	broadcaster *Broadcaster
	interval    time.Duration
	logger      *zap.Logger
	rng         *rand.Rand

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewSimulator creates a demo engagement source for one broadcaster.
func NewSimulator(b *Broadcaster, interval time.Duration, logger *zap.Logger) *Simulator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Simulator{
		broadcaster: b,
		interval:    interval,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start begins the injection loop.
func (s *Simulator) Start(ctx context.Context) {
	if s.doneCh != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.logger.Info("engagement simulation enabled, counters are demo-only")

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		types := []models.EngagementType{
			models.EngagementLike, models.EngagementComment, models.EngagementGift,
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.broadcaster.Active() {
					continue
				}
				s.broadcaster.Inject(types[s.rng.Intn(len(types))])
			}
		}
	}()
}

// Stop halts the injection loop and waits for it to exit.
func (s *Simulator) Stop() {
	if s.doneCh == nil {
		return
	}
	s.cancel()
	<-s.doneCh
	s.doneCh = nil
}
