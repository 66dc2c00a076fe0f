package handler

import (
	"net/http"

	"paychat_backend/internal/operators/service"
	"paychat_backend/internal/operators/transport"
	"paychat_backend/platform/httpkit"
	"paychat_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles HTTP requests for operators.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidChatID    = "invalid chat id"
)

// New creates a new operators handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// GetMe returns the calling operator.
// GET /api/v1/operators/me
func (h *Handler) GetMe(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	result, err := h.svc.GetOperator(c.Request.Context(), identity.UserID())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// SetAvailability toggles the operator's availability.
// PUT /api/v1/operators/me/availability
func (h *Handler) SetAvailability(c *gin.Context) {
	var req transport.AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.SetAvailability(c.Request.Context(), identity.UserID(), *req.Available)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// AcceptChat takes the best queued chat. Responds 204 when nothing waits.
// POST /api/v1/operators/me/accept
func (h *Handler) AcceptChat(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, ok, err := h.svc.AcceptChat(c.Request.Context(), identity.UserID())
	if httpkit.HandleError(c, err) {
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	httpkit.OK(c, result)
}

// ReleaseChat returns a chat to the queue.
// POST /api/v1/operators/me/chats/:id/release
func (h *Handler) ReleaseChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidChatID, nil)
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.ReleaseChat(c.Request.Context(), identity.UserID(), chatID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}
