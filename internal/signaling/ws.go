package signaling

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait (seconds) drive the heartbeat.
	PingInterval = 30
	PongWait     = 60
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator validates a signaling token and returns its claims.
type TokenValidator func(token string) (userID, roomID, role string, err error)

// WSClient represents a single WebSocket connection in a room.
type WSClient struct {
	ID     string
	RoomID string
	UserID string
	Role   string // "publisher" or "viewer"

	hub    *Hub
	conn   *websocket.Conn
	out    chan *Envelope
	logger *zap.Logger
}

// ServeWS handles the WebSocket upgrade and runs the client loop. The
// token is carried in the query (no Authorization header on ws upgrades).
func ServeWS(hub *Hub, logger *zap.Logger, validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Query("room_id")
		token := c.Query("token")
		if roomID == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room_id and token required"})
			return
		}
		userID, tokenRoom, role, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if tokenRoom != "" && tokenRoom != roomID {
			c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for room"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &WSClient{
			ID:     uuid.New().String(),
			RoomID: roomID,
			UserID: userID,
			Role:   role,
			hub:    hub,
			conn:   conn,
			out:    make(chan *Envelope, 256),
			logger: logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *WSClient) send(msg *Message) {
	env, err := Wrap(msg)
	if err != nil {
		return
	}
	c.sendEnvelope(env)
}

func (c *WSClient) sendEnvelope(env *Envelope) {
	select {
	case c.out <- env:
	default:
		// buffer full, skip
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		msg, err := Unwrap(&env)
		if err != nil {
			c.logger.Warn("signaling: malformed message", zap.String("client_id", c.ID), zap.Error(err))
			continue
		}
		c.hub.route(c, msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.out:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
