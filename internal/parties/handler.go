package parties

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vkq2808/movie-website-backend-sub001/internal/middleware"
	"github.com/vkq2808/movie-website-backend-sub001/internal/models"
	"github.com/vkq2808/movie-website-backend-sub001/internal/party"
	"github.com/vkq2808/movie-website-backend-sub001/pkg/response"
	"github.com/vkq2808/movie-website-backend-sub001/pkg/storage"
)

// CreateRequest is the body for POST /parties.
type CreateRequest struct {
	MovieID   uuid.UUID `json:"movie_id" binding:"required"`
	Title     string    `json:"title" binding:"required"`
	StreamURL string    `json:"stream_url" binding:"required"`
	StartTime time.Time `json:"start_time" binding:"required"`
	EndTime   time.Time `json:"end_time" binding:"required"`
}

// LiveInfo is the composed read model for "what does this room look like
// right now": snapshot merged with the authoritative elapsed time.
type LiveInfo struct {
	Party       *models.WatchParty `json:"party"`
	Snapshot    party.Snapshot     `json:"snapshot"`
	ElapsedTime float64            `json:"elapsed_time"`
}

// Handler handles watch party HTTP endpoints.
type Handler struct {
	repo     *Repository
	registry *party.Registry
	s3       *storage.S3
	logger   *zap.Logger
}

// NewHandler creates a watch party handler. s3 may be nil when presigned
// stream URLs are disabled.
func NewHandler(repo *Repository, registry *party.Registry, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, registry: registry, s3: s3, logger: logger}
}

// Create handles POST /parties (admin only). The durable row is written
// first; the live session is instantiated right away and auto-starts at the
// scheduled time.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !req.EndTime.After(req.StartTime) {
		response.BadRequest(c, "end_time must be after start_time")
		return
	}
	if !req.EndTime.After(time.Now()) {
		response.BadRequest(c, "end_time must be in the future")
		return
	}
	hostID, ok := currentUserID(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}

	p := &models.WatchParty{
		MovieID:   req.MovieID,
		HostID:    hostID,
		Title:     req.Title,
		StreamURL: req.StreamURL,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	if err := h.repo.Create(c.Request.Context(), p); err != nil {
		response.Internal(c, "failed to create party")
		return
	}

	if _, err := h.registry.Create(metaFromModel(p), nil); err != nil {
		// The row exists; startup recovery or a later create picks it up.
		h.logger.Warn("live session not created", zap.String("party_id", p.ID.String()), zap.Error(err))
	}
	response.Created(c, p)
}

// List handles GET /parties.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to list parties")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /parties/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load party")
		return
	}
	if p == nil {
		response.NotFound(c, "party not found")
		return
	}
	response.OK(c, p)
}

// Delete handles DELETE /parties/:id (admin only). The live session, when
// present, is flushed and closed before the row is removed.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	if err := h.registry.Close(c.Request.Context(), id); err != nil && err != party.ErrPartyNotFound {
		h.logger.Warn("close before delete failed", zap.String("party_id", id.String()), zap.Error(err))
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "failed to delete party")
		return
	}
	response.NoContent(c)
}

// Live handles GET /parties/:id/live.
func (h *Handler) Live(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	s, ok := h.registry.Get(id)
	if !ok {
		response.NotFound(c, "party is not live")
		return
	}
	p, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load party")
		return
	}

	snap := s.Snapshot()
	snap.StreamURL = h.resolveStreamURL(c.Request.Context(), snap.StreamURL)
	response.OK(c, LiveInfo{Party: p, Snapshot: snap, ElapsedTime: s.CurrentElapsedTime()})
}

// Events handles GET /parties/:id/events (admin only): the durable log.
func (h *Handler) Events(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid party id")
		return
	}
	events, err := h.repo.ListEventsByParty(c.Request.Context(), id, 0)
	if err != nil {
		response.Internal(c, "failed to load events")
		return
	}
	response.OK(c, events)
}

// resolveStreamURL presigns S3 object keys; full URLs pass through unchanged.
func (h *Handler) resolveStreamURL(ctx context.Context, streamURL string) string {
	if h.s3 == nil || strings.Contains(streamURL, "://") {
		return streamURL
	}
	signed, err := h.s3.PresignStreamURL(ctx, streamURL)
	if err != nil {
		h.logger.Warn("presign stream url failed", zap.String("key", streamURL), zap.Error(err))
		return streamURL
	}
	return signed
}

func metaFromModel(p *models.WatchParty) party.Meta {
	return party.Meta{
		ID:        p.ID,
		MovieID:   p.MovieID,
		HostID:    p.HostID,
		Title:     p.Title,
		StreamURL: p.StreamURL,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
	}
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
