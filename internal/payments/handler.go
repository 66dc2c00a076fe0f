package payments

import (
	"io"
	"net/http"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/platform/httpkit"
	"paychat_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest       = "invalid request"
	msgValidationFailed     = "validation failed"
	msgInvalidTransactionID = "invalid transaction id"
	maxWebhookBodySize      = 1 << 20
)

// InitiateRequest selects a credit package.
type InitiateRequest struct {
	Package string `json:"package" validate:"required,oneof=small medium large"`
}

// TransactionResponse is the API view of a transaction.
type TransactionResponse struct {
	ID                   uuid.UUID                `json:"id"`
	ProviderReference    string                   `json:"providerReference"`
	Status               domain.TransactionStatus `json:"status"`
	CreditsAmount        domain.Credits           `json:"creditsAmount"`
	WebhookReceivedCount int                      `json:"webhookReceivedCount"`
	NeedsManualReview    bool                     `json:"needsManualReview"`
	CreatedAt            time.Time                `json:"createdAt"`
}

// InitiateResponse is returned when a purchase is opened.
type InitiateResponse struct {
	Transaction TransactionResponse `json:"transaction"`
	CheckoutURL string              `json:"checkoutUrl,omitempty"`
}

func toTransactionResponse(t domain.PaymentTransaction) TransactionResponse {
	return TransactionResponse{
		ID:                   t.ID,
		ProviderReference:    t.ProviderReference,
		Status:               t.Status,
		CreditsAmount:        t.CreditsAmount,
		WebhookReceivedCount: t.WebhookReceivedCount,
		NeedsManualReview:    t.NeedsManualReview,
		CreatedAt:            t.CreatedAt,
	}
}

// Handler handles payment HTTP requests.
type Handler struct {
	svc *Service
	val *validator.Validator
}

// NewHandler creates a new payments handler.
func NewHandler(svc *Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// Initiate opens a credit purchase for the caller.
// POST /api/v1/payments
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
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

	result, err := h.svc.Initiate(c.Request.Context(), identity.UserID(), req.Package)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, InitiateResponse{
		Transaction: toTransactionResponse(result.Transaction),
		CheckoutURL: result.CheckoutURL,
	})
}

// HandleWebhook processes a signed gateway notification.
// POST /api/v1/webhook/payments
// Authenticated by the X-Signature HMAC of the raw body.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodySize))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	ack, err := h.svc.HandleWebhook(c.Request.Context(), body, c.GetHeader(SignatureHeader), c.ClientIP())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, ack)
}

// Reconcile re-verifies a transaction against the gateway.
// POST /api/v1/admin/payments/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidTransactionID, nil)
		return
	}
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	result, err := h.svc.Reconcile(c.Request.Context(), id, identity.Actor())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}
