package engagement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/middleware"
	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/pkg/response"
)

// EventRequest is the body for POST /sessions/:id/engagement.
type EventRequest struct {
	Type models.EngagementType `json:"type" binding:"required"`
}

// RoomResolver maps a session to its signaling room.
type RoomResolver interface {
	RoomID(ctx context.Context, sessionID uuid.UUID) (string, error)
}

// EventPublisher pushes room events to connected clients.
type EventPublisher interface {
	PublishRoomEvent(roomID string, event string, payload []byte) error
}

// Handler is the boundary through which real user interactions enter the
// system. Persisted totals only ever change here.
type Handler struct {
	store  Store
	rooms  RoomResolver
	pub    EventPublisher
	logger *zap.Logger
}

// NewHandler creates an engagement handler. pub may be nil.
func NewHandler(store Store, rooms RoomResolver, pub EventPublisher, logger *zap.Logger) *Handler {
	return &Handler{store: store, rooms: rooms, pub: pub, logger: logger}
}

// Record handles POST /sessions/:id/engagement.
func (h *Handler) Record(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	actorID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !req.Type.Valid() {
		response.BadRequest(c, "unknown engagement type")
		return
	}

	ev := &models.EngagementEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		Type:      req.Type,
		ActorID:   actorID,
		At:        time.Now().UTC(),
	}
	if err := h.store.InsertEvent(c.Request.Context(), ev); err != nil {
		h.logger.Error("insert engagement event", zap.Error(err))
		response.Internal(c, "failed to record engagement")
		return
	}
	if err := h.store.BumpCounter(c.Request.Context(), sessionID, req.Type); err != nil {
		h.logger.Error("bump engagement counter", zap.Error(err))
		response.Internal(c, "failed to record engagement")
		return
	}

	if h.pub != nil {
		if roomID, err := h.rooms.RoomID(c.Request.Context(), sessionID); err == nil {
			if body, err := json.Marshal(ev); err == nil {
				_ = h.pub.PublishRoomEvent(roomID, "engagement", body)
			}
		}
	}
	response.Created(c, ev)
}
