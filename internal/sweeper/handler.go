package sweeper

import (
	"context"
	"net/http"

	"paychat_backend/internal/queue"
	"paychat_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
)

// Dispatcher drains the queue.
type Dispatcher interface {
	Dispatch(ctx context.Context) (queue.DispatchResult, error)
}

type dispatchResponse struct {
	Assigned  int `json:"assigned"`
	Escalated int `json:"escalated"`
}

// Handler exposes sweeps to external schedulers.
type Handler struct {
	sweeper    *Sweeper
	dispatcher Dispatcher
}

// NewHandler creates a sweeper handler.
func NewHandler(sw *Sweeper, d Dispatcher) *Handler {
	return &Handler{sweeper: sw, dispatcher: d}
}

// InactiveChats runs the inactivity sweep.
// POST /api/v1/internal/sweeps/inactive-chats
func (h *Handler) InactiveChats(c *gin.Context) {
	h.respond(c, h.sweeper.SweepInactiveChats)
}

// Escalations runs the escalation sweep.
// POST /api/v1/internal/sweeps/escalations
func (h *Handler) Escalations(c *gin.Context) {
	h.respond(c, h.sweeper.SweepEscalations)
}

// Dispatch runs one queue dispatch pass.
// POST /api/v1/internal/queue/dispatch
func (h *Handler) Dispatch(c *gin.Context) {
	res, err := h.dispatcher.Dispatch(c.Request.Context())
	if err != nil {
		httpkit.Error(c, http.StatusInternalServerError, "queue dispatch failed", nil)
		return
	}
	httpkit.OK(c, dispatchResponse{Assigned: res.Assigned, Escalated: res.Escalated})
}

func (h *Handler) respond(c *gin.Context, run func(context.Context) (Report, error)) {
	rep, err := run(c.Request.Context())
	if err != nil {
		httpkit.JSON(c, http.StatusInternalServerError, rep)
		return
	}
	httpkit.OK(c, rep)
}
