package http

import (
	"context"
	"net/http"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Session is the part of the mesh session the API drives.
type Session interface {
	Snapshot(ctx context.Context) (domain.SessionSnapshot, error)
	StartSession(ctx context.Context) error
	Leave(ctx context.Context) error
	SendChat(ctx context.Context, text string) (domain.ChatMessage, error)
	GrantOrRevoke(ctx context.Context, peer domain.PeerID, role domain.Role) error
	SetScreenPermission(ctx context.Context, peer domain.PeerID, canShare bool) error
	Kick(ctx context.Context, peer domain.PeerID) error
	AttachLocalMedia(ctx context.Context, stream ports.LocalStream, kind domain.MediaKind) error
	DetachLocalMedia(ctx context.Context, kind domain.MediaKind) error
	SetTrackEnabled(ctx context.Context, kind domain.MediaKind, track domain.TrackKind, enabled bool) error
}

// MediaOpener opens the configured capture source for kind.
type MediaOpener func(kind domain.MediaKind) (ports.LocalStream, error)

type SessionHandler struct {
	session Session
	open    MediaOpener
}

func NewSessionHandler(session Session, open MediaOpener) *SessionHandler {
	return &SessionHandler{
		session: session,
		open:    open,
	}
}

func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/session", h.GetSession)
	api.POST("/session/start", h.StartSession)
	api.POST("/session/leave", h.LeaveSession)
	api.POST("/chat", h.SendChat)

	participants := api.Group("/participants/:id")
	{
		participants.POST("/role", h.SetRole)
		participants.POST("/screen", h.SetScreenPermission)
		participants.POST("/kick", h.Kick)
	}

	api.POST("/media/:kind", h.AttachMedia)
	api.DELETE("/media/:kind", h.DetachMedia)
	api.POST("/media/:kind/mute", h.SetTrackEnabled)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	snap, err := h.session.Snapshot(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	if err := h.session.StartSession(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) LeaveSession(c *gin.Context) {
	if err := h.session.Leave(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) SendChat(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("text is required"))
		return
	}

	msg, err := h.session.SendChat(c.Request.Context(), req.Text)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat": msg})
}

func (h *SessionHandler) SetRole(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("role is required"))
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.Error(err)
		return
	}

	if err := h.session.GrantOrRevoke(c.Request.Context(), peer, role); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) SetScreenPermission(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	var req struct {
		CanShare *bool `json:"can_share" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("can_share is required"))
		return
	}

	if err := h.session.SetScreenPermission(c.Request.Context(), peer, *req.CanShare); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) Kick(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	if err := h.session.Kick(c.Request.Context(), peer); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) AttachMedia(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}

	stream, err := h.open(kind)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeUnprocessable, "failed to open media source", http.StatusUnprocessableEntity))
		return
	}
	if err := h.session.AttachLocalMedia(c.Request.Context(), stream, kind); err != nil {
		_ = stream.Close()
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"kind": kind, "stream": stream.Info()})
}

func (h *SessionHandler) DetachMedia(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	if err := h.session.DetachLocalMedia(c.Request.Context(), kind); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetTrackEnabled mutes or unmutes one track of an attached stream.
func (h *SessionHandler) SetTrackEnabled(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	var req struct {
		Track   string `json:"track" binding:"required"`
		Enabled *bool  `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("track and enabled are required"))
		return
	}

	track := domain.TrackKind(req.Track)
	if err := h.session.SetTrackEnabled(c.Request.Context(), kind, track, *req.Enabled); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func peerParam(c *gin.Context) (domain.PeerID, bool) {
	peer, err := domain.ParsePeerID(c.Param("id"))
	if err != nil {
		c.Error(err)
		return "", false
	}
	return peer, true
}

func kindParam(c *gin.Context) (domain.MediaKind, bool) {
	kind := domain.ParseMediaKind(c.Param("kind"))
	if kind == domain.MediaUnknown {
		c.Error(errors.NewInvalidInputError("media kind must be camera or screen").
			WithContext("kind", c.Param("kind")))
		return kind, false
	}
	return kind, true
}
