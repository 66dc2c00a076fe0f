package payments

import (
	"paychat_backend/internal/events"
	apphttp "paychat_backend/internal/http"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/config"
	"paychat_backend/platform/httpkit"
	"paychat_backend/platform/logger"
	"paychat_backend/platform/validator"
)

// Module is the payments bounded context module implementing http.Module.
type Module struct {
	handler *Handler
	service *Service
}

// NewModule creates and initializes the payments module.
func NewModule(st store.Store, gw Gateway, notifier Notifier, failures FailureRecorder, bus events.Bus, cfg config.PaymentConfig, val *validator.Validator, clk clock.Clock, log *logger.Logger) *Module {
	svc := NewService(st, gw, notifier, failures, bus, cfg.GetPaymentWebhookSecret(), clk, log)
	return &Module{
		handler: NewHandler(svc, val),
		service: svc,
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "payments"
}

// Service returns the service layer for external use.
func (m *Module) Service() *Service {
	return m.service
}

// RegisterRoutes mounts payment routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.POST("/payments", httpkit.RequireRole(httpkit.RoleUser), m.handler.Initiate)

	// Public webhook endpoint (HMAC signature, no JWT)
	webhook := ctx.V1.Group("/webhook")
	if ctx.WebhookRateLimiter != nil {
		webhook.Use(ctx.WebhookRateLimiter.RateLimit())
	}
	webhook.POST("/payments", m.handler.HandleWebhook)

	ctx.Admin.POST("/payments/:id/reconcile", m.handler.Reconcile)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
