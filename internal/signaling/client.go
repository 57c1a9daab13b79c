package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/models"
)

var (
	// ErrConnect is returned when the channel cannot be (re)established
	// after exhausting bounded reconnect attempts. Fatal to the current
	// session attempt, not to the process.
	ErrConnect = errors.New("signaling: connect failed")
	// ErrProtocol marks a message inconsistent with the current turn or
	// role. Incoming violations are dropped and logged; outgoing misuse
	// is returned to the caller. Never fatal to the session.
	ErrProtocol = errors.New("signaling: protocol violation")
	// ErrClosed is returned when operating on a closed client.
	ErrClosed = errors.New("signaling: client closed")
)

// Conn is one established signaling connection.
type Conn interface {
	ReadEnvelope() (*Envelope, error)
	WriteEnvelope(*Envelope) error
	Close() error
}

// Dialer opens signaling connections. The production dialer speaks
// WebSocket; tests substitute an in-memory pipe.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the signaling endpoint over WebSocket.
type WebsocketDialer struct{}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Dial opens a WebSocket connection to url.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) ReadEnvelope() (*Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) WriteEnvelope(env *Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error { return c.conn.Close() }

// Options configures a signaling client.
type Options struct {
	URL                  string
	Token                string // appended as ?token= on dial
	Role                 models.Role
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	Dialer               Dialer
	Logger               *zap.Logger
}

// Client is the session core's side of the signaling channel. It
// establishes presence (login-first), relays offer/answer/ICE with role
// discipline, and reconnects with bounded backoff on unexpected drops.
type Client struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	conn     Conn
	roomID   string
	userID   string
	loggedIn bool
	closed   bool
	// seen suppresses duplicate remote candidates; applying the same
	// candidate twice must be a no-op.
	seen map[string]struct{}
	// offerSent gates the answer turn on the publisher side.
	offerSent bool

	loginAck chan struct{}

	handler  func(Message)
	onFatal  func(error)
	readDone chan struct{}
}

// NewClient creates a signaling client for the given role.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	return &Client{
		opts: opts,
		log:  opts.Logger,
		seen: make(map[string]struct{}),
	}
}

// OnMessage sets the handler invoked for each accepted inbound message.
// Must be set before Connect.
func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// OnFatal sets the handler invoked when reconnection is exhausted.
func (c *Client) OnFatal(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFatal = fn
}

// Connect opens the bidirectional channel for a room. Uses bounded
// exponential backoff; exhausting attempts returns ErrConnect.
func (c *Client) Connect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.roomID = roomID
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	url := c.opts.URL
	if c.opts.Token != "" {
		url += "?room_id=" + c.roomID + "&token=" + c.opts.Token
	}

	var conn Conn
	op := func() error {
		var err error
		conn, err = c.opts.Dialer.Dial(ctx, url)
		if err != nil {
			c.log.Warn("signaling dial failed", zap.Error(err))
			return err
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectBase
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.opts.MaxReconnectAttempts)), ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return conn, nil
}

// Login registers presence in the room. Must complete before any
// offer/answer exchange is attempted.
func (c *Client) Login(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.userID = userID
	c.loginAck = make(chan struct{})
	ack := c.loginAck
	conn := c.conn
	roomID := c.roomID
	c.mu.Unlock()

	env, err := Wrap(&Message{
		Kind:   KindLogin,
		RoomID: roomID,
		UserID: userID,
		Role:   c.opts.Role.String(),
	})
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return fmt.Errorf("%w: login write: %v", ErrConnect, err)
	}

	select {
	case <-ack:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

// SendOffer transmits a session description offer. Publisher-only: the
// publisher always originates the offer.
func (c *Client) SendOffer(sdp string, to string) error {
	if c.opts.Role != models.RolePublisher {
		return fmt.Errorf("%w: viewer cannot originate offer", ErrProtocol)
	}
	if err := c.send(&Message{Kind: KindOffer, SDP: sdp, To: to}); err != nil {
		return err
	}
	c.mu.Lock()
	c.offerSent = true
	c.mu.Unlock()
	return nil
}

// SendAnswer transmits a session description answer. Viewer-only: the
// viewer always originates the answer.
func (c *Client) SendAnswer(sdp string, to string) error {
	if c.opts.Role != models.RoleViewer {
		return fmt.Errorf("%w: publisher cannot originate answer", ErrProtocol)
	}
	return c.send(&Message{Kind: KindAnswer, SDP: sdp, To: to})
}

// SendCandidate forwards a locally generated ICE candidate. Callers invoke
// this in generation order; writes are serialized on the connection.
func (c *Client) SendCandidate(cand webrtc.ICECandidateInit, to string) error {
	return c.send(&Message{Kind: KindIceCandidate, Candidate: &cand, To: to})
}

// AnnounceEnd broadcasts session termination to the room (publisher-only).
func (c *Client) AnnounceEnd() error {
	if c.opts.Role != models.RolePublisher {
		return fmt.Errorf("%w: viewer cannot end the session", ErrProtocol)
	}
	return c.send(&Message{Kind: KindSessionEnded})
}

func (c *Client) send(msg *Message) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.loggedIn && msg.Kind != KindViewerLeft {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s before login", ErrProtocol, msg.Kind)
	}
	conn := c.conn
	msg.RoomID = c.roomID
	msg.UserID = c.userID
	c.mu.Unlock()

	env, err := Wrap(msg)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(env)
}

// Leave announces departure and closes the channel. Safe to call twice.
func (c *Client) Leave() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	roomID := c.roomID
	userID := c.userID
	c.mu.Unlock()

	if conn != nil {
		if env, err := Wrap(&Message{Kind: KindViewerLeft, RoomID: roomID, UserID: userID}); err == nil {
			_ = conn.WriteEnvelope(env)
		}
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn Conn) {
	defer func() {
		c.mu.Lock()
		done := c.readDone
		c.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.reconnect(conn)
			return
		}
		msg, err := Unwrap(env)
		if err != nil {
			c.log.Warn("signaling: malformed message dropped", zap.Error(err))
			continue
		}
		c.dispatch(*msg)
	}
}

// reconnect re-establishes the channel after an unexpected drop, replaying
// login. Exhausted attempts surface ErrConnect through OnFatal.
func (c *Client) reconnect(old Conn) {
	_ = old.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		fatal := c.onFatal
		c.mu.Unlock()
		c.log.Error("signaling reconnect exhausted", zap.Error(err))
		if fatal != nil {
			fatal(err)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.loggedIn = false
	userID := c.userID
	c.mu.Unlock()

	go c.readLoop(conn)

	if userID != "" {
		if err := c.Login(ctx, userID); err != nil {
			c.log.Warn("signaling re-login failed", zap.Error(err))
		}
	}
}

// dispatch applies turn discipline, drops violations as non-fatal protocol
// errors, de-duplicates candidates, and hands accepted messages upward.
func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	handler := c.handler
	loggedIn := c.loggedIn
	offerSent := c.offerSent

	switch msg.Kind {
	case KindLoginAck:
		ack := c.loginAck
		c.mu.Unlock()
		if ack != nil {
			select {
			case <-ack:
			default:
				close(ack)
			}
		}
		return

	case KindOffer:
		// Only the viewer side is offer-receivable, and only after login.
		if c.opts.Role != models.RoleViewer || !loggedIn {
			c.mu.Unlock()
			c.logProtocol(msg, "offer while not offer-receivable")
			return
		}

	case KindAnswer:
		// Only a publisher that has offered is answer-receivable.
		if c.opts.Role != models.RolePublisher || !offerSent {
			c.mu.Unlock()
			c.logProtocol(msg, "answer while not answer-receivable")
			return
		}

	case KindIceCandidate:
		key := candidateKey(msg.From, msg.Candidate)
		if _, dup := c.seen[key]; dup {
			// Duplicate delivery is a no-op, never an error.
			c.mu.Unlock()
			c.log.Debug("signaling: duplicate candidate ignored", zap.String("from", msg.From))
			return
		}
		c.seen[key] = struct{}{}
	}

	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

func (c *Client) logProtocol(msg Message, reason string) {
	c.log.Warn("signaling: message dropped",
		zap.String("kind", string(msg.Kind)),
		zap.String("from", msg.From),
		zap.String("reason", reason),
		zap.Error(ErrProtocol),
	)
}
