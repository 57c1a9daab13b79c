package chat

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulse-social/live/internal/middleware"
	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/pkg/response"
)

// PostRequest is the body for POST /sessions/:id/messages.
type PostRequest struct {
	Text string `json:"text" binding:"required,max=500"`
}

// RoomResolver maps a session to its signaling room, used for realtime
// fan-out of new messages.
type RoomResolver interface {
	RoomID(ctx context.Context, sessionID uuid.UUID) (string, error)
}

// EventPublisher pushes room events to connected clients.
type EventPublisher interface {
	PublishRoomEvent(roomID string, event string, payload []byte) error
}

// Handler handles chat HTTP endpoints.
type Handler struct {
	repo  *Repository
	rooms RoomResolver
	pub   EventPublisher
}

// NewHandler creates a chat handler. pub may be nil when realtime fan-out
// is disabled; clients then rely on polling alone.
func NewHandler(repo *Repository, rooms RoomResolver, pub EventPublisher) *Handler {
	return &Handler{repo: repo, rooms: rooms, pub: pub}
}

// Post handles POST /sessions/:id/messages.
func (h *Handler) Post(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	senderID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	m := &models.ChatMessage{
		SessionID: sessionID,
		SenderID:  senderID,
		Text:      req.Text,
	}
	if err := h.repo.Create(c.Request.Context(), m); err != nil {
		response.Internal(c, "failed to store message")
		return
	}

	if h.pub != nil {
		if roomID, err := h.rooms.RoomID(c.Request.Context(), sessionID); err == nil {
			if body, err := marshalMessage(m); err == nil {
				_ = h.pub.PublishRoomEvent(roomID, "chat_message", body)
			}
		}
	}
	response.Created(c, m)
}

// List handles GET /sessions/:id/messages?since=<message-id>&limit=<n>.
// Messages come back in send order with resolved sender names.
func (h *Handler) List(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	since := uuid.Nil
	if raw := c.Query("since"); raw != "" {
		since, err = uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid since id")
			return
		}
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))

	msgs, err := h.repo.ListBySession(c.Request.Context(), sessionID, since, limit)
	if err != nil {
		response.Internal(c, "failed to list messages")
		return
	}
	response.OK(c, gin.H{"messages": msgs})
}
