// Package chats provides the chat bounded context module.
package chats

import (
	"paychat_backend/internal/assignment"
	"paychat_backend/internal/chats/handler"
	"paychat_backend/internal/chats/service"
	"paychat_backend/internal/credits"
	apphttp "paychat_backend/internal/http"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/httpkit"
	"paychat_backend/platform/logger"
	"paychat_backend/platform/validator"
)

// Module is the chats bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates and initializes the chats module.
func NewModule(st store.Store, meter *credits.Meter, q *queue.Manager, coord *assignment.Coordinator, val *validator.Validator, clk clock.Clock, log *logger.Logger) *Module {
	svc := service.New(st, meter, q, coord, clk, log)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "chats"
}

// Service returns the service layer for external use.
func (m *Module) Service() *service.Service {
	return m.service
}

// RegisterRoutes mounts chat routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	chats := ctx.Protected.Group("/chats")
	chats.POST("", httpkit.RequireRole(httpkit.RoleUser), m.handler.StartChat)
	chats.GET("/:id", m.handler.GetChat)
	chats.POST("/:id/messages", httpkit.RequireRole(httpkit.RoleUser, httpkit.RoleOperator), m.handler.SendMessage)

	ctx.Admin.POST("/chats/:id/reassign", m.handler.ReassignChat)
	ctx.Admin.POST("/chats/:id/close", m.handler.CloseChat)
	ctx.Admin.POST("/messages/:id/refund", m.handler.RefundMessage)
}
