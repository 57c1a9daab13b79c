// Package session orchestrates one broadcast session: the monotonic
// lifecycle state machine, device and signaling preparation, fallback
// activation, and teardown.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pulse-social/live/internal/media"
	"github.com/pulse-social/live/internal/models"
)

var (
	// ErrValidation rejects malformed input, e.g. an empty title.
	ErrValidation = errors.New("session: validation failed")

	// ErrSessionNotFound is terminal for the requesting viewer.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrHostBusy means the host already has a non-ended session.
	ErrHostBusy = errors.New("session: host already live")

	// ErrSessionActive rejects starting or joining while this manager
	// already runs a session.
	ErrSessionActive = errors.New("session: already active")

	// ErrNotPreparing rejects Retry outside the Preparing phase.
	ErrNotPreparing = errors.New("session: not in preparing state")
)

// Store is the persistence boundary for sessions.
type Store interface {
	Create(ctx context.Context, s *models.StreamSession) error
	Get(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	UpdateState(ctx context.Context, id uuid.UUID, state models.SessionState) error
	End(ctx context.Context, id uuid.UUID, endedAt time.Time) error
}

// Signaler is the out-of-band channel used for connection setup.
type Signaler interface {
	Connect(ctx context.Context, roomID string) error
	Login(ctx context.Context, userID string) error
	AnnounceEnd() error
	Leave() error
}

// MediaPipeline owns local tracks and peer connections.
type MediaPipeline interface {
	Acquire(ctx context.Context, p media.Profile) error
	ActiveVideoTrack() *media.Track
	Release()
}

// FallbackRenderer produces substitute video while real media is absent.
type FallbackRenderer interface {
	Start(ctx context.Context) error
	Stop()
	SetStatus(status string)
}

// SessionLoop is a background loop tied to one session, e.g. the
// engagement broadcaster or the chat poller. Attached loops start when
// the session goes live and are joined before End returns.
type SessionLoop interface {
	Start(ctx context.Context)
	Stop()
}

// Manager drives one session through
// Idle -> Preparing -> Publishing|Viewing -> Ending -> Ended.
// All methods are safe for concurrent use.
type Manager struct {
	store    Store
	signaler Signaler
	pipeline MediaPipeline
	fallback FallbackRenderer
	profile  media.Profile
	logger   *zap.Logger

	mu      sync.Mutex
	state   models.SessionState
	role    models.Role
	session *models.StreamSession
	userID  uuid.UUID

	// busy guards the Idle window while Start or Join is still talking
	// to the store, before any state transition has happened.
	busy bool

	loops   []SessionLoop
	loopsOn bool

	// sessCtx scopes all background work of the current session. End
	// cancels it, which marks in-flight preparation as superseded.
	sessCtx    context.Context
	sessCancel context.CancelFunc

	mediaReady     bool
	signalingReady bool
	fallbackOn     bool
}

// NewManager creates an idle session manager.
func NewManager(store Store, signaler Signaler, pipeline MediaPipeline, fallback FallbackRenderer, profile media.Profile, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		signaler: signaler,
		pipeline: pipeline,
		fallback: fallback,
		profile:  profile,
		logger:   logger,
		state:    models.StateIdle,
	}
}

// Attach registers a background loop with the session lifecycle. A loop
// attached while the session is already live starts immediately.
func (m *Manager) Attach(l SessionLoop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loops = append(m.loops, l)
	if m.loopsOn {
		l.Start(m.sessCtx)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session record, nil when idle.
func (m *Manager) Session() *models.StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// transition moves to next if the monotonic lifecycle allows it.
func (m *Manager) transition(next models.SessionState) bool {
	if !m.state.CanTransition(next) {
		m.logger.Warn("state transition rejected",
			zap.String("from", string(m.state)), zap.String("to", string(next)))
		return false
	}
	m.logger.Info("session state",
		zap.String("from", string(m.state)), zap.String("to", string(next)))
	m.state = next
	if m.session != nil {
		m.session.State = next
	}
	return true
}

// Start creates a new session and prepares it for publishing. Device or
// signaling failures leave the session in Preparing with the fallback
// track live and return a retryable, classified error.
func (m *Manager) Start(ctx context.Context, hostID uuid.UUID, title, category string) (*models.StreamSession, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.Join(ErrValidation, errors.New("title must not be empty"))
	}

	m.mu.Lock()
	if m.state != models.StateIdle || m.busy {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.busy = true

	now := time.Now().UTC()
	sess := &models.StreamSession{
		ID:          uuid.New(),
		RoomID:      "room-" + uuid.NewString(),
		StreamID:    "stream-" + uuid.NewString(),
		HostID:      hostID,
		Title:       title,
		Category:    category,
		State:       models.StatePreparing,
		StartedAt:   now,
		ViewerCount: 1, // the host
		CreatedAt:   now,
	}
	m.mu.Unlock()

	if err := m.store.Create(ctx, sess); err != nil {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.busy = false
	m.session = sess
	m.role = models.RolePublisher
	m.userID = hostID
	m.sessCtx, m.sessCancel = context.WithCancel(context.Background())
	m.transition(models.StatePreparing)
	m.startFallbackLocked("GOING LIVE")
	m.mu.Unlock()

	if err := m.prepare(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

// Join attaches this manager to an existing session as a viewer. A missing
// session leaves no local state behind.
func (m *Manager) Join(ctx context.Context, viewerID, sessionID uuid.UUID) (*models.StreamSession, error) {
	m.mu.Lock()
	if m.state != models.StateIdle || m.busy {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.busy = true
	m.mu.Unlock()

	sess, err := m.store.Get(ctx, sessionID)
	if err == nil && (sess.State.Terminal() || sess.EndedAt != nil) {
		err = ErrSessionNotFound
	}
	if err != nil {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.busy = false
	m.session = sess
	m.role = models.RoleViewer
	m.userID = viewerID
	m.sessCtx, m.sessCancel = context.WithCancel(context.Background())
	m.transition(models.StatePreparing)
	// The viewer sees the placeholder until the host's first track lands.
	m.startFallbackLocked("WAITING FOR HOST")
	m.mu.Unlock()

	if err := m.prepare(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

// prepare runs the preparation legs for the current role: signaling
// connect+login always, device acquisition for the publisher. Partial
// failure keeps Preparing; full success transitions publishers to
// Publishing. Viewers stay Preparing until the first remote track.
func (m *Manager) prepare(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	role := m.role
	userID := m.userID
	sessCtx := m.sessCtx
	needMedia := role == models.RolePublisher && !m.mediaReady
	needSignaling := !m.signalingReady
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(sessCtx)
	if needSignaling {
		g.Go(func() error {
			if err := m.signaler.Connect(gctx, sess.RoomID); err != nil {
				return err
			}
			if err := m.signaler.Login(gctx, userID.String()); err != nil {
				return err
			}
			m.mu.Lock()
			if m.state == models.StatePreparing {
				m.signalingReady = true
			}
			m.mu.Unlock()
			return nil
		})
	}
	var mediaErr error
	if needMedia {
		g.Go(func() error {
			err := m.pipeline.Acquire(gctx, m.profile)
			if err != nil {
				// Device failure is retryable. The fallback keeps
				// serving video; remember it without failing the
				// signaling leg.
				m.mu.Lock()
				if m.state == models.StatePreparing {
					m.fallbackStatusLocked("CAMERA UNAVAILABLE")
				}
				mediaErr = err
				m.mu.Unlock()
				return nil
			}
			m.mu.Lock()
			if m.state != models.StatePreparing {
				// Superseded by End: the pipeline releases tracks
				// itself, nothing to record here.
				m.mu.Unlock()
				return nil
			}
			m.mediaReady = true
			m.stopFallbackLocked()
			m.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.mu.Lock()
		superseded := m.state != models.StatePreparing
		if !superseded {
			m.fallbackStatusLocked("RECONNECTING")
		}
		m.mu.Unlock()
		if superseded {
			return nil
		}
		return err
	}
	if mediaErr != nil {
		return mediaErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != models.StatePreparing {
		return nil
	}
	if role == models.RolePublisher && m.mediaReady && m.signalingReady {
		m.transition(models.StatePublishing)
		m.startLoopsLocked()
		go m.persistState(models.StatePublishing, sess.ID)
	}
	return nil
}

// Retry re-runs the failed preparation legs. Valid only while Preparing.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.state != models.StatePreparing {
		m.mu.Unlock()
		return ErrNotPreparing
	}
	m.mu.Unlock()
	return m.prepare(ctx)
}

// HandleFirstRemoteTrack transitions a preparing viewer to Viewing and
// tears down the waiting placeholder. Called once remote media arrives.
func (m *Manager) HandleFirstRemoteTrack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != models.RoleViewer || m.state != models.StatePreparing {
		return
	}
	m.stopFallbackLocked()
	m.transition(models.StateViewing)
	m.startLoopsLocked()
}

// End tears the session down. Idempotent: calling it on an ended or idle
// manager is a no-op. All background loops are stopped before it returns.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	if m.state == models.StateEnded || m.state == models.StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.transition(models.StateEnding)
	if m.sessCancel != nil {
		m.sessCancel()
	}
	sess := m.session
	role := m.role
	fallbackOn := m.fallbackOn
	m.fallbackOn = false
	loopsOn := m.loopsOn
	m.loopsOn = false
	loops := m.loops
	m.mu.Unlock()

	// Stop the render loop synchronously so nothing generates frames
	// after Ended.
	if fallbackOn {
		m.fallback.Stop()
	}
	// Stop joins each loop, so no snapshot or poll fires after Ended.
	if loopsOn {
		for _, l := range loops {
			l.Stop()
		}
	}
	m.pipeline.Release()

	var firstErr error
	if role == models.RolePublisher {
		if err := m.signaler.AnnounceEnd(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.signaler.Leave(); err != nil && firstErr == nil {
		firstErr = err
	}

	now := time.Now().UTC()
	if role == models.RolePublisher && sess != nil {
		if err := m.store.End(ctx, sess.ID, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.mu.Lock()
	if sess != nil {
		sess.EndedAt = &now
		sess.ViewerCount = 0
	}
	m.transition(models.StateEnded)
	m.mu.Unlock()

	m.logger.Info("session ended", zap.String("role", role.String()))
	return firstErr
}

// startLoopsLocked starts attached loops once the session is live.
// Caller holds m.mu; SessionLoop.Start must not block.
func (m *Manager) startLoopsLocked() {
	if m.loopsOn {
		return
	}
	m.loopsOn = true
	for _, l := range m.loops {
		l.Start(m.sessCtx)
	}
}

func (m *Manager) persistState(state models.SessionState, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateState(ctx, id, state); err != nil {
		m.logger.Warn("persist session state", zap.Error(err))
	}
}

// startFallbackLocked activates the placeholder. Caller holds m.mu.
func (m *Manager) startFallbackLocked(status string) {
	if m.fallbackOn {
		m.fallback.SetStatus(status)
		return
	}
	m.fallback.SetStatus(status)
	if err := m.fallback.Start(m.sessCtx); err != nil {
		m.logger.Warn("start fallback renderer", zap.Error(err))
		return
	}
	m.fallbackOn = true
}

func (m *Manager) fallbackStatusLocked(status string) {
	if m.fallbackOn {
		m.fallback.SetStatus(status)
	}
}

// stopFallbackLocked deactivates the placeholder. Caller holds m.mu.
func (m *Manager) stopFallbackLocked() {
	if !m.fallbackOn {
		return
	}
	m.fallbackOn = false
	// Stop joins the render loop; do it off the lock path.
	go m.fallback.Stop()
}
