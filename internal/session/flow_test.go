package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/media"
	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/internal/signaling"
)

// pipeConn is an in-memory signaling connection. The test plays the hub
// side: login is acked immediately, and push delivers room messages.
type pipeConn struct {
	in chan *signaling.Envelope

	mu      sync.Mutex
	written []*signaling.Envelope
	closed  bool
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan *signaling.Envelope, 16)}
}

func (c *pipeConn) ReadEnvelope() (*signaling.Envelope, error) {
	env, ok := <-c.in
	if !ok {
		return nil, errors.New("pipe closed")
	}
	return env, nil
}

func (c *pipeConn) WriteEnvelope(env *signaling.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("pipe closed")
	}
	c.written = append(c.written, env)
	if env.Event == string(signaling.KindLogin) {
		ack, err := signaling.Wrap(&signaling.Message{Kind: signaling.KindLoginAck})
		if err != nil {
			return err
		}
		c.in <- ack
	}
	return nil
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *pipeConn) push(t *testing.T, msg *signaling.Message) {
	t.Helper()
	env, err := signaling.Wrap(msg)
	require.NoError(t, err)
	c.in <- env
}

func (c *pipeConn) wroteKind(kind signaling.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, env := range c.written {
		if env.Event == string(kind) {
			return true
		}
	}
	return false
}

type pipeDialer struct{ conn *pipeConn }

func (d pipeDialer) Dial(_ context.Context, _ string) (signaling.Conn, error) {
	return d.conn, nil
}

// The full viewer path: the session ends on the host side, the hub relays
// session_ended, and the viewing manager reaches Ended with its loops
// joined, without any local End call.
func TestHostEndReachesViewerThroughSignaling(t *testing.T) {
	conn := newPipeConn()
	client := signaling.NewClient(signaling.Options{
		URL:    "ws://in-memory",
		Role:   models.RoleViewer,
		Dialer: pipeDialer{conn: conn},
		Logger: zap.NewNop(),
	})

	store := newFakeStore()
	now := time.Now().UTC()
	sess := &models.StreamSession{
		ID:          uuid.New(),
		RoomID:      "room-live",
		StreamID:    "stream-live",
		HostID:      uuid.New(),
		Title:       "Show",
		State:       models.StatePublishing,
		StartedAt:   now,
		ViewerCount: 2,
	}
	store.sessions[sess.ID] = sess

	fb, err := media.NewVideoTrack("fallback", "stream")
	require.NoError(t, err)
	pipeline := &fakePipeline{fallback: fb}
	renderer := &fakeFallback{}
	mgr := NewManager(store, client, pipeline, renderer, media.DefaultProfile(), zap.NewNop())
	loop := &fakeLoop{}
	mgr.Attach(loop)

	neg := NewNegotiator(models.RoleViewer, client, newFakeNegotiation(), zap.NewNop())
	neg.OnSessionEnded(func() { _ = mgr.End(context.Background()) })
	client.OnMessage(neg.Handle)

	_, err = mgr.Join(context.Background(), uuid.New(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatePreparing, mgr.State())
	require.True(t, conn.wroteKind(signaling.KindLogin))

	mgr.HandleFirstRemoteTrack()
	require.Equal(t, models.StateViewing, mgr.State())
	started, _ := loop.counts()
	require.Equal(t, 1, started)

	conn.push(t, &signaling.Message{
		Kind: signaling.KindSessionEnded, RoomID: sess.RoomID,
	})

	require.Eventually(t, func() bool { return mgr.State() == models.StateEnded },
		2*time.Second, 5*time.Millisecond)
	_, stopped := loop.counts()
	assert.Equal(t, 1, stopped, "attached loops joined on remote end")
	assert.True(t, pipeline.released)
	assert.True(t, conn.wroteKind(signaling.KindViewerLeft), "departure announced on teardown")
}
