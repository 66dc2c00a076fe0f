package sweeper

import (
	"paychat_backend/internal/assignment"
	apphttp "paychat_backend/internal/http"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"
)

// Module is the sweeper module implementing http.Module.
type Module struct {
	handler *Handler
	sweeper *Sweeper
}

// NewModule creates the sweeper module.
func NewModule(st store.Store, coord *assignment.Coordinator, q *queue.Manager, notifier Raiser, policy lifecycle.Policy, opts Options, clk clock.Clock, log *logger.Logger) *Module {
	sw := New(st, coord, notifier, policy, opts, clk, log)
	return &Module{handler: NewHandler(sw, q), sweeper: sw}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "sweeper"
}

// Sweeper returns the sweeper for the scheduler worker.
func (m *Module) Sweeper() *Sweeper {
	return m.sweeper
}

// RegisterRoutes mounts the cron-secret protected sweep routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	sweeps := ctx.Internal.Group("/sweeps")
	sweeps.POST("/inactive-chats", m.handler.InactiveChats)
	sweeps.POST("/escalations", m.handler.Escalations)
	ctx.Internal.POST("/queue/dispatch", m.handler.Dispatch)
}

var _ apphttp.Module = (*Module)(nil)
