package notification

import (
	"paychat_backend/internal/events"
	apphttp "paychat_backend/internal/http"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"
)

// Module exposes admin notifications over HTTP.
type Module struct {
	service *Service
	handler *listHandler
}

// NewModule creates the notification module.
func NewModule(st store.Store, bus events.Bus, clk clock.Clock, log *logger.Logger) *Module {
	svc := NewService(st, bus, clk, log)
	return &Module{service: svc, handler: &listHandler{svc: svc}}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "notification"
}

// Service returns the notification service for other modules.
func (m *Module) Service() *Service {
	return m.service
}

// RegisterRoutes mounts the admin notification feed.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Admin.Group("/notifications"))
}
