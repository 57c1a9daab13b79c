package rooms

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-social/live/internal/middleware"
	"github.com/pulse-social/live/internal/models"
	"github.com/pulse-social/live/internal/session"
	"github.com/pulse-social/live/internal/signaling"
	"github.com/pulse-social/live/pkg/queue"
	"github.com/pulse-social/live/pkg/response"
	"github.com/pulse-social/live/pkg/storage"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	Title    string `json:"title" binding:"required"`
	Category string `json:"category"`
}

// Broadcaster pushes signaling messages into a room.
type Broadcaster interface {
	BroadcastRoom(roomID string, msg *signaling.Message)
}

// Enqueuer schedules background archival of ended sessions.
type Enqueuer interface {
	EnqueueSessionArchive(ctx context.Context, payload queue.SessionArchivePayload) error
}

// Presigner issues temporary download links for archived transcripts.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// ClientConfig is the connection settings handed to clients before they
// start or join a session.
type ClientConfig struct {
	ICEServers    []string `json:"ice_servers"`
	SignalingURL  string   `json:"signaling_url"`
	ProviderAppID uint32   `json:"provider_app_id,omitempty"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	repo      *Repository
	cache     *DescriptorCache
	hub       Broadcaster
	jobs      Enqueuer
	archives  Presigner
	clientCfg ClientConfig
	logger    *zap.Logger
}

// NewHandler creates a sessions handler. cache, hub, jobs, and archives
// may be nil in reduced deployments.
func NewHandler(repo *Repository, cache *DescriptorCache, hub Broadcaster, jobs Enqueuer, archives Presigner, clientCfg ClientConfig, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, cache: cache, hub: hub, jobs: jobs, archives: archives, clientCfg: clientCfg, logger: logger}
}

// Create handles POST /sessions: creates a session record for the
// authenticated host and hands back the room and stream identifiers.
func (h *Handler) Create(c *gin.Context) {
	hostID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		response.BadRequest(c, "title must not be empty")
		return
	}

	now := time.Now().UTC()
	sess := &models.StreamSession{
		ID:          uuid.New(),
		RoomID:      "room-" + uuid.NewString(),
		StreamID:    "stream-" + uuid.NewString(),
		HostID:      hostID,
		Title:       title,
		Category:    req.Category,
		State:       models.StatePreparing,
		StartedAt:   now,
		ViewerCount: 1,
	}
	if err := h.repo.Create(c.Request.Context(), sess); err != nil {
		if errors.Is(err, session.ErrHostBusy) {
			response.Conflict(c, "host already has a live session")
			return
		}
		h.logger.Error("create session", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}

	if h.cache != nil {
		if err := h.cache.Put(c.Request.Context(), sess); err != nil {
			// Advisory cache: a write failure never fails the request.
			h.logger.Warn("cache session descriptor", zap.Error(err))
		}
	}
	response.Created(c, sess)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	sess, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load session")
		return
	}
	response.OK(c, sess)
}

// ListLive handles GET /sessions?limit=<n>.
func (h *Handler) ListLive(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.repo.ListLive(c.Request.Context(), limit)
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, gin.H{"sessions": list})
}

// Descriptor handles GET /sessions/:id/descriptor: the transient handoff
// identity. A cache miss falls through to the database; the cached value
// is never used to decide whether the session is still live.
func (h *Handler) Descriptor(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if h.cache != nil {
		if desc, err := h.cache.Get(c.Request.Context(), id); err == nil && desc != nil {
			response.OK(c, desc)
			return
		}
	}
	sess, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load session")
		return
	}
	response.OK(c, models.SessionDescriptor{
		ID: sess.ID, RoomID: sess.RoomID, StartedAt: sess.StartedAt,
	})
}

// End handles POST /sessions/:id/end: only the host may end a session.
// Ending an already-ended session is a no-op success.
func (h *Handler) End(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	sess, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load session")
		return
	}
	if sess.HostID != userID {
		response.Forbidden(c, "only the host can end a session")
		return
	}
	if sess.EndedAt != nil {
		response.OK(c, sess)
		return
	}

	now := time.Now().UTC()
	if err := h.repo.End(c.Request.Context(), id, now); err != nil {
		response.Internal(c, "failed to end session")
		return
	}
	sess.EndedAt = &now
	sess.State = models.StateEnded
	sess.ViewerCount = 0

	if h.hub != nil {
		h.hub.BroadcastRoom(sess.RoomID, &signaling.Message{
			Kind: signaling.KindSessionEnded, RoomID: sess.RoomID,
		})
	}
	if h.cache != nil {
		_ = h.cache.Drop(c.Request.Context(), id)
	}
	if h.jobs != nil {
		err := h.jobs.EnqueueSessionArchive(c.Request.Context(), queue.SessionArchivePayload{
			SessionID: sess.ID,
			HostID:    sess.HostID,
			EndedAt:   now,
		})
		if err != nil {
			h.logger.Warn("enqueue session archive", zap.Error(err))
		}
	}
	response.OK(c, sess)
}

// Config handles GET /sessions/config: the connection settings a client
// needs before starting or joining.
func (h *Handler) Config(c *gin.Context) {
	response.OK(c, h.clientCfg)
}

// Archive handles GET /sessions/:id/archive: a temporary download link
// for the transcript of an archived session. 404 until the background
// worker has uploaded the transcript.
func (h *Handler) Archive(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	if h.archives == nil {
		response.NotFound(c, "archives not available")
		return
	}
	sess, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		response.Internal(c, "failed to load session")
		return
	}
	if sess.ArchivedAt == nil {
		response.NotFound(c, "transcript not archived yet")
		return
	}

	expires := h.archives.PresignExpire()
	url, err := h.archives.GeneratePresignedDownloadURL(c.Request.Context(),
		storage.ArchiveKey(sess.ID.String()), expires)
	if err != nil {
		h.logger.Error("presign transcript download", zap.Error(err))
		response.Internal(c, "failed to sign download url")
		return
	}
	response.OK(c, gin.H{
		"url":        url,
		"expires_at": time.Now().UTC().Add(expires),
	})
}
