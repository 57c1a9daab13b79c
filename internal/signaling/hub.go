package signaling

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// PresenceHandler is called when the viewer count of a room changes.
type PresenceHandler func(roomID string, count int)

// RedisPublisher publishes room events for cross-instance fan-out.
type RedisPublisher interface {
	PublishRoomEvent(roomID string, event string, payload []byte) error
}

// RedisSubscriber subscribes to room channels and invokes handler for
// incoming events.
type RedisSubscriber interface {
	SubscribeRoom(roomID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub is the server side of the signaling channel: it maintains
// room -> connections, relays offer/answer/ICE between the publisher and
// viewers, and broadcasts presence. Redis pub/sub extends broadcasts
// across instances.
type Hub struct {
	rooms      map[string]*hubRoom
	subs       map[string]func()
	mu         sync.RWMutex
	logger     *zap.Logger
	redis      RedisPublisher
	redisSub   RedisSubscriber
	onPresence PresenceHandler
}

type hubRoom struct {
	clients   map[string]*WSClient
	publisher string // client id of the single publisher, "" if absent
}

// NewHub creates a signaling hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		rooms:    make(map[string]*hubRoom),
		subs:     make(map[string]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetPresenceHandler sets the callback for viewer count changes (e.g.
// peak tracking in the session store).
func (h *Hub) SetPresenceHandler(fn PresenceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPresence = fn
}

// Register adds a client to a room. The first client triggers the Redis
// subscription for the room; a publisher claims the publisher slot.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	room := h.rooms[c.RoomID]
	if room == nil {
		room = &hubRoom{clients: make(map[string]*WSClient)}
		h.rooms[c.RoomID] = room
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeRoom(c.RoomID, func(event string, payload []byte) {
				h.broadcastLocal(c.RoomID, event, payload)
			})
			if err == nil {
				h.subs[c.RoomID] = cancel
			}
		}
	}
	room.clients[c.ID] = c
	if c.Role == "publisher" {
		room.publisher = c.ID
	}
	count := len(room.clients)
	onPresence := h.onPresence
	h.mu.Unlock()

	if onPresence != nil {
		onPresence(c.RoomID, count)
	}
	h.logger.Debug("client joined room",
		zap.String("client_id", c.ID), zap.String("room_id", c.RoomID), zap.String("role", c.Role))
}

// Unregister removes a client. The last client leaving cancels the Redis
// subscription; a departing publisher ends the room for everyone.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	var count int
	publisherLeft := false
	if room, ok := h.rooms[c.RoomID]; ok {
		delete(room.clients, c.ID)
		if room.publisher == c.ID {
			room.publisher = ""
			publisherLeft = true
		}
		count = len(room.clients)
		if count == 0 {
			delete(h.rooms, c.RoomID)
			if cancel, ok := h.subs[c.RoomID]; ok {
				cancel()
				delete(h.subs, c.RoomID)
			}
		}
	}
	onPresence := h.onPresence
	h.mu.Unlock()

	if onPresence != nil {
		onPresence(c.RoomID, count)
	}
	if publisherLeft {
		h.BroadcastRoom(c.RoomID, &Message{Kind: KindSessionEnded, RoomID: c.RoomID})
	} else {
		h.BroadcastRoom(c.RoomID, &Message{Kind: KindViewerLeft, RoomID: c.RoomID, UserID: c.UserID, From: c.ID})
		h.BroadcastRoom(c.RoomID, &Message{Kind: KindViewerCount, RoomID: c.RoomID, Count: count})
	}
	h.logger.Debug("client left room", zap.String("client_id", c.ID), zap.String("room_id", c.RoomID))
}

// route relays an inbound message according to role discipline. Messages
// inconsistent with the sender's role are dropped and logged.
func (h *Hub) route(c *WSClient, msg *Message) {
	msg.From = c.ID
	msg.RoomID = c.RoomID

	switch msg.Kind {
	case KindLogin:
		c.send(&Message{Kind: KindLoginAck, RoomID: c.RoomID})
		h.BroadcastRoom(c.RoomID, &Message{
			Kind: KindViewerJoined, RoomID: c.RoomID, UserID: c.UserID, Role: c.Role, From: c.ID,
		})
		h.mu.RLock()
		count := 0
		if room := h.rooms[c.RoomID]; room != nil {
			count = len(room.clients)
		}
		h.mu.RUnlock()
		h.BroadcastRoom(c.RoomID, &Message{Kind: KindViewerCount, RoomID: c.RoomID, Count: count})

	case KindOffer:
		if c.Role != "publisher" {
			h.dropProtocol(c, msg, "offer from non-publisher")
			return
		}
		h.relay(c, msg, true)

	case KindAnswer:
		if c.Role == "publisher" {
			h.dropProtocol(c, msg, "answer from publisher")
			return
		}
		h.toPublisher(c, msg)

	case KindIceCandidate:
		if msg.To != "" {
			h.SendToClient(c.RoomID, msg.To, msg)
		} else if c.Role == "publisher" {
			h.relay(c, msg, true)
		} else {
			h.toPublisher(c, msg)
		}

	case KindSessionEnded:
		if c.Role != "publisher" {
			h.dropProtocol(c, msg, "session end from non-publisher")
			return
		}
		h.BroadcastRoom(c.RoomID, msg)

	case KindViewerLeft:
		// handled by Unregister on disconnect; explicit leave is a no-op

	default:
		h.dropProtocol(c, msg, "unknown kind")
	}
}

func (h *Hub) dropProtocol(c *WSClient, msg *Message, reason string) {
	h.logger.Warn("signaling: message dropped",
		zap.String("kind", string(msg.Kind)),
		zap.String("client_id", c.ID),
		zap.String("reason", reason),
		zap.Error(ErrProtocol),
	)
}

// relay forwards to an explicit target, or to every viewer when toViewers
// is set and no target is named.
func (h *Hub) relay(c *WSClient, msg *Message, toViewers bool) {
	if msg.To != "" {
		h.SendToClient(c.RoomID, msg.To, msg)
		return
	}
	if !toViewers {
		return
	}
	h.mu.RLock()
	room := h.rooms[c.RoomID]
	var targets []*WSClient
	if room != nil {
		for id, cl := range room.clients {
			if id != room.publisher {
				targets = append(targets, cl)
			}
		}
	}
	h.mu.RUnlock()
	for _, cl := range targets {
		cl.send(msg)
	}
}

func (h *Hub) toPublisher(c *WSClient, msg *Message) {
	h.mu.RLock()
	room := h.rooms[c.RoomID]
	var pub *WSClient
	if room != nil && room.publisher != "" {
		pub = room.clients[room.publisher]
	}
	h.mu.RUnlock()
	if pub == nil {
		h.dropProtocol(c, msg, "no publisher in room")
		return
	}
	pub.send(msg)
}

// BroadcastRoom sends a message to every client in a room. With Redis
// configured it publishes only: the subscription callback delivers locally
// exactly once for all instances, avoiding duplicate local delivery.
func (h *Hub) BroadcastRoom(roomID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if h.redis != nil {
		_ = h.redis.PublishRoomEvent(roomID, string(msg.Kind), data)
		return
	}
	h.broadcastLocal(roomID, string(msg.Kind), data)
}

func (h *Hub) broadcastLocal(roomID string, event string, payload []byte) {
	env := &Envelope{Event: event, Data: payload}
	h.mu.RLock()
	room := h.rooms[roomID]
	var targets []*WSClient
	if room != nil {
		for _, cl := range room.clients {
			targets = append(targets, cl)
		}
	}
	h.mu.RUnlock()
	for _, cl := range targets {
		cl.sendEnvelope(env)
	}
}

// SendToClient sends a message to a single client in a room.
func (h *Hub) SendToClient(roomID, clientID string, msg *Message) {
	h.mu.RLock()
	room := h.rooms[roomID]
	var cl *WSClient
	if room != nil {
		cl = room.clients[clientID]
	}
	h.mu.RUnlock()
	if cl != nil {
		cl.send(msg)
	}
}

// ViewerCount returns the number of connected clients in a room.
func (h *Hub) ViewerCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room := h.rooms[roomID]; room != nil {
		return len(room.clients)
	}
	return 0
}
