package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/media"
	"github.com/pulse-social/live/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.StreamSession
	creates  int
	ended    []uuid.UUID

	createBegan chan struct{} // when set, closed once Create is entered
	createGate  chan struct{} // when set, Create waits on it
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]*models.StreamSession)}
}

func (s *fakeStore) Create(_ context.Context, sess *models.StreamSession) error {
	if s.createBegan != nil {
		select {
		case <-s.createBegan:
		default:
			close(s.createBegan)
		}
	}
	if s.createGate != nil {
		<-s.createGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.HostID == sess.HostID && existing.EndedAt == nil {
			return ErrHostBusy
		}
	}
	s.creates++
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) UpdateState(_ context.Context, id uuid.UUID, state models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.State = state
	}
	return nil
}

func (s *fakeStore) End(_ context.Context, id uuid.UUID, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.EndedAt = &endedAt
		sess.State = models.StateEnded
	}
	s.ended = append(s.ended, id)
	return nil
}

type fakeSignaler struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	logins     int
	endSent    bool
	left       bool
}

func (f *fakeSignaler) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeSignaler) Login(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return nil
}

func (f *fakeSignaler) AnnounceEnd() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endSent = true
	return nil
}

func (f *fakeSignaler) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return nil
}

type fakePipeline struct {
	mu         sync.Mutex
	acquireErr error
	acquires   int
	released   bool
	fallback   *media.Track
	live       bool
}

func (f *fakePipeline) Acquire(_ context.Context, _ media.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.live = true
	return nil
}

func (f *fakePipeline) ActiveVideoTrack() *media.Track {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fallback
}

func (f *fakePipeline) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

type fakeFallback struct {
	mu      sync.Mutex
	running bool
	status  string
	starts  int
	stops   int
}

func (f *fakeFallback) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	return nil
}

func (f *fakeFallback) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeFallback) SetStatus(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeFallback) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeLoop struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (l *fakeLoop) Start(_ context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *fakeLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
}

func (l *fakeLoop) counts() (started, stopped int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started, l.stopped
}

type fixture struct {
	store    *fakeStore
	signaler *fakeSignaler
	pipeline *fakePipeline
	fallback *fakeFallback
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fb, err := media.NewVideoTrack("fallback", "stream")
	require.NoError(t, err)
	f := &fixture{
		store:    newFakeStore(),
		signaler: &fakeSignaler{},
		pipeline: &fakePipeline{fallback: fb},
		fallback: &fakeFallback{},
	}
	f.manager = NewManager(f.store, f.signaler, f.pipeline, f.fallback,
		media.DefaultProfile(), zap.NewNop())
	return f
}

func TestStartRejectsEmptyTitle(t *testing.T) {
	f := newFixture(t)
	for _, title := range []string{"", "   ", "\t\n"} {
		_, err := f.manager.Start(context.Background(), uuid.New(), title, "")
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Equal(t, models.StateIdle, f.manager.State())
	assert.Equal(t, 0, f.store.creates, "no session may be created on validation failure")
}

func TestStartReachesPublishing(t *testing.T) {
	f := newFixture(t)
	sess, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "music")
	require.NoError(t, err)

	assert.Equal(t, models.StatePublishing, f.manager.State())
	assert.NotEmpty(t, sess.RoomID)
	assert.NotEmpty(t, sess.StreamID)
	assert.NotEqual(t, sess.RoomID, sess.StreamID)
	assert.Equal(t, 1, sess.ViewerCount, "host counts as a viewer")
	assert.Equal(t, 1, f.signaler.connects)
	assert.Equal(t, 1, f.signaler.logins)
	assert.False(t, f.fallback.isRunning(), "fallback stops once capture is live")
}

func TestStartWithPermissionDeniedStaysPreparing(t *testing.T) {
	f := newFixture(t)
	f.pipeline.acquireErr = media.ErrPermissionDenied

	_, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.ErrorIs(t, err, media.ErrPermissionDenied)

	assert.Equal(t, models.StatePreparing, f.manager.State())
	assert.True(t, f.fallback.isRunning(), "placeholder must cover the missing camera")
	assert.NotNil(t, f.pipeline.ActiveVideoTrack(), "media output never empty")
}

func TestRetryAfterDeviceFailure(t *testing.T) {
	f := newFixture(t)
	f.pipeline.acquireErr = media.ErrDeviceBusy

	_, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.ErrorIs(t, err, media.ErrDeviceBusy)
	require.Equal(t, models.StatePreparing, f.manager.State())

	f.pipeline.mu.Lock()
	f.pipeline.acquireErr = nil
	f.pipeline.mu.Unlock()

	require.NoError(t, f.manager.Retry(context.Background()))
	assert.Equal(t, models.StatePublishing, f.manager.State())
	assert.Equal(t, 1, f.signaler.connects, "successful signaling leg is not repeated")
	assert.False(t, f.fallback.isRunning())
}

func TestRetryOutsidePreparing(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.manager.Retry(context.Background()), ErrNotPreparing)
}

func TestSignalingFailureStaysPreparing(t *testing.T) {
	f := newFixture(t)
	f.signaler.connectErr = context.DeadlineExceeded

	_, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.Error(t, err)
	assert.Equal(t, models.StatePreparing, f.manager.State())
	assert.True(t, f.fallback.isRunning())
}

func TestStartWhileActiveRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Start(context.Background(), uuid.New(), "First", "")
	require.NoError(t, err)
	_, err = f.manager.Start(context.Background(), uuid.New(), "Second", "")
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestConcurrentStartsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.store.createBegan = make(chan struct{})
	f.store.createGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.manager.Start(context.Background(), uuid.New(), "First", "")
		errCh <- err
	}()

	// The first Start is parked inside the store call, before any state
	// transition. A second Start must still be rejected.
	select {
	case <-f.store.createBegan:
	case <-time.After(time.Second):
		t.Fatal("first Start never reached the store")
	}
	_, err := f.manager.Start(context.Background(), uuid.New(), "Second", "")
	assert.ErrorIs(t, err, ErrSessionActive)

	close(f.store.createGate)
	require.NoError(t, <-errCh)
	assert.Equal(t, models.StatePublishing, f.manager.State())
	assert.Equal(t, 1, f.store.creates)
}

func TestAttachedLoopsFollowLifecycle(t *testing.T) {
	f := newFixture(t)
	loop := &fakeLoop{}
	f.manager.Attach(loop)

	_, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.NoError(t, err)
	require.Equal(t, models.StatePublishing, f.manager.State())
	started, stopped := loop.counts()
	assert.Equal(t, 1, started, "loop starts when the session goes live")
	assert.Equal(t, 0, stopped)

	require.NoError(t, f.manager.End(context.Background()))
	started, stopped = loop.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped, "loop joined during End")

	// A second End does not stop loops again.
	require.NoError(t, f.manager.End(context.Background()))
	_, stopped = loop.counts()
	assert.Equal(t, 1, stopped)
}

func TestLoopsStayIdleWhilePreparing(t *testing.T) {
	f := newFixture(t)
	f.pipeline.acquireErr = media.ErrPermissionDenied
	loop := &fakeLoop{}
	f.manager.Attach(loop)

	_, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.ErrorIs(t, err, media.ErrPermissionDenied)
	require.Equal(t, models.StatePreparing, f.manager.State())
	started, _ := loop.counts()
	assert.Equal(t, 0, started, "no loop before the session is live")

	require.NoError(t, f.manager.End(context.Background()))
	_, stopped := loop.counts()
	assert.Equal(t, 0, stopped, "a never-started loop is not stopped")
}

func TestAttachWhileLiveStartsImmediately(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.NoError(t, err)
	require.Equal(t, models.StatePublishing, f.manager.State())

	loop := &fakeLoop{}
	f.manager.Attach(loop)
	started, _ := loop.counts()
	assert.Equal(t, 1, started)
}

func TestViewerLoopsStartOnFirstRemoteTrack(t *testing.T) {
	host := newFixture(t)
	sess, err := host.manager.Start(context.Background(), uuid.New(), "Show", "")
	require.NoError(t, err)

	viewer := newFixture(t)
	viewer.manager = NewManager(host.store, viewer.signaler, viewer.pipeline,
		viewer.fallback, media.DefaultProfile(), zap.NewNop())
	loop := &fakeLoop{}
	viewer.manager.Attach(loop)

	_, err = viewer.manager.Join(context.Background(), uuid.New(), sess.ID)
	require.NoError(t, err)
	started, _ := loop.counts()
	assert.Equal(t, 0, started, "still waiting for remote media")

	viewer.manager.HandleFirstRemoteTrack()
	started, _ = loop.counts()
	assert.Equal(t, 1, started)
}

func TestHostBusyPropagates(t *testing.T) {
	hostID := uuid.New()
	f := newFixture(t)
	_, err := f.manager.Start(context.Background(), hostID, "First", "")
	require.NoError(t, err)

	second := newFixture(t)
	second.store = f.store
	second.manager = NewManager(f.store, second.signaler, second.pipeline,
		second.fallback, media.DefaultProfile(), zap.NewNop())
	_, err = second.manager.Start(context.Background(), hostID, "Second", "")
	assert.ErrorIs(t, err, ErrHostBusy)
	assert.Equal(t, models.StateIdle, second.manager.State())
}

func TestJoinUnknownSessionLeavesNoState(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Join(context.Background(), uuid.New(), uuid.New())
	require.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, models.StateIdle, f.manager.State())
	assert.Nil(t, f.manager.Session())
	assert.False(t, f.fallback.isRunning())
	assert.Equal(t, 0, f.signaler.connects)
}

func TestJoinWaitsForFirstRemoteTrack(t *testing.T) {
	host := newFixture(t)
	sess, err := host.manager.Start(context.Background(), uuid.New(), "Show", "")
	require.NoError(t, err)

	viewer := newFixture(t)
	viewer.store = host.store
	viewer.manager = NewManager(host.store, viewer.signaler, viewer.pipeline,
		viewer.fallback, media.DefaultProfile(), zap.NewNop())

	got, err := viewer.manager.Join(context.Background(), uuid.New(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, models.StatePreparing, viewer.manager.State())
	assert.True(t, viewer.fallback.isRunning(), "waiting placeholder while no remote media")

	viewer.manager.HandleFirstRemoteTrack()
	assert.Equal(t, models.StateViewing, viewer.manager.State())
	assert.Eventually(t, func() bool { return !viewer.fallback.isRunning() },
		time.Second, 5*time.Millisecond)

	// A duplicate track notification after Viewing changes nothing.
	viewer.manager.HandleFirstRemoteTrack()
	assert.Equal(t, models.StateViewing, viewer.manager.State())
}

func TestEndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sess, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.NoError(t, err)

	require.NoError(t, f.manager.End(context.Background()))
	assert.Equal(t, models.StateEnded, f.manager.State())
	assert.True(t, f.pipeline.released)
	assert.True(t, f.signaler.endSent)
	assert.True(t, f.signaler.left)
	require.Len(t, f.store.ended, 1)
	assert.Equal(t, sess.ID, f.store.ended[0])
	assert.Equal(t, 0, f.manager.Session().ViewerCount)

	// Second end is a no-op.
	require.NoError(t, f.manager.End(context.Background()))
	assert.Len(t, f.store.ended, 1)
}

func TestEndDuringPreparingStopsFallback(t *testing.T) {
	f := newFixture(t)
	f.pipeline.acquireErr = media.ErrDeviceNotFound

	_, err := f.manager.Start(context.Background(), uuid.New(), "Test Stream", "")
	require.ErrorIs(t, err, media.ErrDeviceNotFound)
	require.True(t, f.fallback.isRunning())

	require.NoError(t, f.manager.End(context.Background()))
	assert.Equal(t, models.StateEnded, f.manager.State())
	assert.False(t, f.fallback.isRunning(), "no render loop may survive Ended")
}

func TestEndOnIdleIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.End(context.Background()))
	assert.Equal(t, models.StateIdle, f.manager.State())
	assert.False(t, f.pipeline.released)
}

func TestJoinEndedSessionRejected(t *testing.T) {
	host := newFixture(t)
	sess, err := host.manager.Start(context.Background(), uuid.New(), "Show", "")
	require.NoError(t, err)
	require.NoError(t, host.manager.End(context.Background()))

	viewer := newFixture(t)
	viewer.manager = NewManager(host.store, viewer.signaler, viewer.pipeline,
		viewer.fallback, media.DefaultProfile(), zap.NewNop())
	_, err = viewer.manager.Join(context.Background(), uuid.New(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStateTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to models.SessionState
		ok       bool
	}{
		{models.StateIdle, models.StatePreparing, true},
		{models.StatePreparing, models.StatePublishing, true},
		{models.StatePreparing, models.StateViewing, true},
		{models.StatePublishing, models.StateEnding, true},
		{models.StateEnding, models.StateEnded, true},
		{models.StatePublishing, models.StatePreparing, false},
		{models.StateEnded, models.StatePreparing, false},
		{models.StateViewing, models.StatePublishing, false},
		{models.StateEnded, models.StateEnded, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}
