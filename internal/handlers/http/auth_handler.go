package http

import (
	"net/http"
	"strings"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/services"
	"partymesh/pkg/errors"
	"partymesh/pkg/validation"

	"github.com/gin-gonic/gin"
)

// InviteHandler lets the room owner mint join tokens for new participants.
type InviteHandler struct {
	authService services.AuthService
	session     Session
}

func NewInviteHandler(authService services.AuthService, session Session) *InviteHandler {
	return &InviteHandler{
		authService: authService,
		session:     session,
	}
}

func (h *InviteHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/invites", h.CreateInvite)
}

type InviteRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	Email       string `json:"email"`
}

func (h *InviteHandler) CreateInvite(c *gin.Context) {
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateEmail(req.Email); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	snap, err := h.session.Snapshot(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if !snap.Self.Role.CanModerate() {
		c.Error(domain.ErrNotOwner)
		return
	}

	token, err := h.authService.GenerateJoinToken(snap.Room, domain.RoleStandard, domain.Profile{
		DisplayName: req.DisplayName,
		Email:       req.Email,
	})
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room":  snap.Room,
		"token": token,
	})
}
