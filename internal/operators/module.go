// Package operators provides the operator bounded context module.
package operators

import (
	"paychat_backend/internal/assignment"
	apphttp "paychat_backend/internal/http"
	"paychat_backend/internal/operators/handler"
	"paychat_backend/internal/operators/service"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store"
	"paychat_backend/platform/logger"
	"paychat_backend/platform/validator"
)

// Module is the operators bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates and initializes the operators module.
func NewModule(st store.Store, q *queue.Manager, coord *assignment.Coordinator, val *validator.Validator, log *logger.Logger) *Module {
	svc := service.New(st, q, coord, log)
	return &Module{
		handler: handler.New(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "operators"
}

// RegisterRoutes mounts operator routes on the operator-only group.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	me := ctx.Operator.Group("/me")
	me.GET("", m.handler.GetMe)
	me.PUT("/availability", m.handler.SetAvailability)
	me.POST("/accept", m.handler.AcceptChat)
	me.POST("/chats/:id/release", m.handler.ReleaseChat)
}
