package chat

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/models"
)

func marshalMessage(m *models.ChatMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Lister fetches a session's messages after a known message id.
type Lister interface {
	ListMessages(ctx context.Context, sessionID uuid.UUID, since uuid.UUID) ([]*models.ChatMessage, error)
}

// Poller keeps a local, immediately readable view of a session's chat by
// polling the message boundary at a bounded interval. Reads never wait on
// an in-flight poll, and at most one poll runs at a time: a tick that
// fires mid-poll is skipped, not queued.
type Poller struct {
	lister    Lister
	sessionID uuid.UUID
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	known  []*models.ChatMessage
	seen   map[uuid.UUID]struct{}
	lastID uuid.UUID
	onNew  func(msgs []*models.ChatMessage)

	inFlight atomic.Bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	doneCh   chan struct{}
}

// NewPoller creates a poller for one session.
func NewPoller(lister Lister, sessionID uuid.UUID, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		lister:    lister,
		sessionID: sessionID,
		interval:  interval,
		logger:    logger,
		seen:      make(map[uuid.UUID]struct{}),
	}
}

// OnNew registers a callback invoked with each batch of newly seen
// messages, in send order.
func (p *Poller) OnNew(fn func(msgs []*models.ChatMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNew = fn
}

// Messages returns the messages known so far, in send order. It never
// blocks on network activity.
func (p *Poller) Messages() []*models.ChatMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.ChatMessage, len(p.known))
	copy(out, p.known)
	return out
}

// Start begins polling. The first poll happens immediately; later polls
// run off the tick loop so a slow boundary never stalls the ticker.
func (p *Poller) Start(ctx context.Context) {
	if p.doneCh != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)
		p.pollOnce(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p.inFlight.Load() {
					continue
				}
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					p.pollOnce(ctx)
				}()
			}
		}
	}()
}

// Stop halts polling and waits for the loop and any in-flight poll to
// exit.
func (p *Poller) Stop() {
	if p.doneCh == nil {
		return
	}
	p.cancel()
	<-p.doneCh
	p.wg.Wait()
	p.doneCh = nil
}

func (p *Poller) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	p.mu.RLock()
	since := p.lastID
	p.mu.RUnlock()

	msgs, err := p.lister.ListMessages(ctx, p.sessionID, since)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("chat poll failed", zap.Error(err))
		}
		return
	}

	p.mu.Lock()
	var fresh []*models.ChatMessage
	for _, m := range msgs {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		p.known = append(p.known, m)
		p.lastID = m.ID
		fresh = append(fresh, m)
	}
	onNew := p.onNew
	p.mu.Unlock()

	if onNew != nil && len(fresh) > 0 {
		onNew(fresh)
	}
}
