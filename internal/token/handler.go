package token

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/live/config"
	"github.com/pulse-social/live/internal/auth"
	"github.com/pulse-social/live/internal/middleware"
	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/internal/rooms"
	"github.com/pulse-social/live/internal/session"
	"github.com/pulse-social/live/pkg/response"
)

const zegoTokenValidSec = 3600 * 6

// Handler issues room credentials for sessions.
type Handler struct {
	repo   *rooms.Repository
	jwt    *auth.JWTService
	zego   config.ZegoConfig
	logger *zap.Logger
}

// NewHandler creates a token handler.
func NewHandler(repo *rooms.Repository, jwt *auth.JWTService, zego config.ZegoConfig, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, jwt: jwt, zego: zego, logger: logger}
}

// RtcTokenRequest is the body for POST /rtc/token.
type RtcTokenRequest struct {
	RoomID string `json:"room_id" binding:"required"`
	Role   string `json:"role"`
}

// RtcToken handles POST /rtc/token: issues room credentials by room id
// for the authenticated user. Same checks as RoomToken, keyed by room
// instead of session id.
func (h *Handler) RtcToken(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req RtcTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	role := req.Role
	if role == "" {
		role = models.RoleViewer.String()
	}
	if role != models.RolePublisher.String() && role != models.RoleViewer.String() {
		response.BadRequest(c, "role must be publisher or viewer")
		return
	}

	sess, err := h.repo.GetByRoom(c.Request.Context(), req.RoomID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load session")
		return
	}
	if role == models.RolePublisher.String() && sess.HostID != userID {
		response.Forbidden(c, "only the host can publish")
		return
	}
	if sess.EndedAt != nil {
		response.NotFound(c, "session has ended")
		return
	}

	h.issue(c, sess.RoomID, userID, role)
}

// RoomToken handles GET /sessions/:id/token?role=publisher|viewer.
// Returns the room-scoped JWT for the signaling channel and, when a
// managed provider is configured, its token alongside.
func (h *Handler) RoomToken(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	role := c.DefaultQuery("role", models.RoleViewer.String())
	if role != models.RolePublisher.String() && role != models.RoleViewer.String() {
		response.BadRequest(c, "role must be publisher or viewer")
		return
	}

	sess, err := h.repo.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load session")
		return
	}
	if role == models.RolePublisher.String() && sess.HostID != userID {
		response.Forbidden(c, "only the host can publish")
		return
	}
	if sess.EndedAt != nil {
		response.NotFound(c, "session has ended")
		return
	}

	h.issue(c, sess.RoomID, userID, role)
}

// issue generates the self-hosted JWT and, when a provider is configured,
// its token alongside.
func (h *Handler) issue(c *gin.Context, roomID string, userID uuid.UUID, role string) {
	jwtToken, err := h.jwt.Generate(userID, roomID, role)
	if err != nil {
		h.logger.Error("generate room jwt", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}

	body := gin.H{
		"token":   jwtToken,
		"room_id": roomID,
		"user_id": userID,
		"role":    role,
	}
	if h.zego.AppID != 0 {
		providerToken, err := GenerateRoomToken(h.zego.AppID, h.zego.ServerSecret,
			roomID, userID.String(), role, zegoTokenValidSec)
		if err != nil {
			h.logger.Error("generate provider token", zap.Error(err))
		} else {
			body["provider_token"] = providerToken
			body["provider_app_id"] = h.zego.AppID
		}
	}
	response.OK(c, body)
}
