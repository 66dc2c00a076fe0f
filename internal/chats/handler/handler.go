package handler

import (
	"net/http"

	"paychat_backend/internal/chats/service"
	"paychat_backend/internal/chats/transport"
	"paychat_backend/internal/domain"
	"paychat_backend/platform/httpkit"
	"paychat_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles HTTP requests for chats.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgInvalidChatID    = "invalid chat id"
	msgInvalidMessageID = "invalid message id"
)

// New creates a new chats handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// StartChat opens a chat with a profile.
// POST /api/v1/chats
func (h *Handler) StartChat(c *gin.Context) {
	var req transport.StartChatRequest
	if !h.bind(c, &req) {
		return
	}
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	result, err := h.svc.StartChat(c.Request.Context(), caller, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

// SendMessage posts a message to a chat.
// POST /api/v1/chats/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidChatID)
	if !ok {
		return
	}
	var req transport.SendMessageRequest
	if !h.bind(c, &req) {
		return
	}
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	result, err := h.svc.SendMessage(c.Request.Context(), caller, id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

// GetChat returns a chat.
// GET /api/v1/chats/:id
func (h *Handler) GetChat(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidChatID)
	if !ok {
		return
	}
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	result, err := h.svc.GetChat(c.Request.Context(), caller, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ReassignChat moves a chat to another operator.
// POST /api/v1/admin/chats/:id/reassign
func (h *Handler) ReassignChat(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidChatID)
	if !ok {
		return
	}
	var req transport.ReassignChatRequest
	if !h.bind(c, &req) {
		return
	}
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	result, err := h.svc.ReassignChat(c.Request.Context(), caller, id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// CloseChat closes a chat.
// POST /api/v1/admin/chats/:id/close
func (h *Handler) CloseChat(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidChatID)
	if !ok {
		return
	}
	var req transport.CloseChatRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	result, err := h.svc.CloseChat(c.Request.Context(), caller, id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// RefundMessage refunds a charged message.
// POST /api/v1/admin/messages/:id/refund
func (h *Handler) RefundMessage(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidMessageID)
	if !ok {
		return
	}
	var req transport.RefundRequest
	if !h.bind(c, &req) {
		return
	}
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	result, err := h.svc.RefundMessage(c.Request.Context(), caller, id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

func (h *Handler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return false
	}
	return true
}

func parseID(c *gin.Context, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msg, nil)
		return uuid.Nil, false
	}
	return id, true
}

func callerFrom(c *gin.Context) (service.Caller, bool) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return service.Caller{}, false
	}
	caller := service.Caller{
		ID:     identity.UserID(),
		Sender: domain.SenderUser,
		Admin:  identity.HasRole(httpkit.RoleAdmin),
		Actor:  identity.Actor(),
	}
	if identity.HasRole(httpkit.RoleOperator) {
		caller.Sender = domain.SenderOperator
	}
	return caller, true
}
