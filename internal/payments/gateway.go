package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/platform/config"

	"github.com/google/uuid"
)

const (
	gatewayTimeout     = 15 * time.Second
	maxGatewayBodySize = 1 << 20
	headerContentType  = "Content-Type"
	headerAccept       = "Accept"
	contentTypeJSON    = "application/json"
)

// ErrGatewayUnavailable wraps every transport or protocol failure of the
// payment gateway.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// GatewayStatus is the gateway's view of a payment.
type GatewayStatus string

const (
	GatewayPending   GatewayStatus = "pending"
	GatewaySucceeded GatewayStatus = "succeeded"
	GatewayFailed    GatewayStatus = "failed"
)

// LocalStatus maps the gateway status onto a transaction status.
func (s GatewayStatus) LocalStatus() (domain.TransactionStatus, error) {
	switch s {
	case GatewayPending:
		return domain.TransactionPending, nil
	case GatewaySucceeded:
		return domain.TransactionSuccess, nil
	case GatewayFailed:
		return domain.TransactionFailed, nil
	}
	return "", fmt.Errorf("unknown gateway status %q: %w", s, ErrGatewayUnavailable)
}

// GatewayPayment is a payment as reported by the gateway.
type GatewayPayment struct {
	Reference   string         `json:"reference"`
	Status      GatewayStatus  `json:"status"`
	Amount      domain.Credits `json:"amount"`
	CheckoutURL string         `json:"checkoutUrl,omitempty"`
}

// Gateway is the external payment provider.
type Gateway interface {
	CreatePayment(ctx context.Context, userID uuid.UUID, amount domain.Credits) (GatewayPayment, error)
	GetPayment(ctx context.Context, reference string) (GatewayPayment, error)
}

// HTTPGateway talks to the provider's JSON API.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway builds a gateway client from payment config.
func NewHTTPGateway(cfg config.PaymentConfig) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.GetPaymentGatewayURL(), "/"),
		apiKey:  cfg.GetPaymentGatewayAPIKey(),
		client:  &http.Client{Timeout: gatewayTimeout},
	}
}

type createPaymentRequest struct {
	UserID uuid.UUID      `json:"userId"`
	Amount domain.Credits `json:"amount"`
}

// CreatePayment opens a payment for amount and returns its reference.
func (g *HTTPGateway) CreatePayment(ctx context.Context, userID uuid.UUID, amount domain.Credits) (GatewayPayment, error) {
	raw, err := json.Marshal(createPaymentRequest{UserID: userID, Amount: amount})
	if err != nil {
		return GatewayPayment{}, fmt.Errorf("marshal create payment: %w", err)
	}
	var out GatewayPayment
	if err := g.do(ctx, http.MethodPost, g.baseURL+"/payments", raw, &out); err != nil {
		return GatewayPayment{}, err
	}
	if out.Reference == "" {
		return GatewayPayment{}, fmt.Errorf("create payment: empty reference: %w", ErrGatewayUnavailable)
	}
	return out, nil
}

// GetPayment returns the gateway's current record for reference.
func (g *HTTPGateway) GetPayment(ctx context.Context, reference string) (GatewayPayment, error) {
	var out GatewayPayment
	if err := g.do(ctx, http.MethodGet, g.baseURL+"/payments/"+url.PathEscape(reference), nil, &out); err != nil {
		return GatewayPayment{}, err
	}
	if _, err := out.Status.LocalStatus(); err != nil {
		return GatewayPayment{}, err
	}
	return out, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set(headerAccept, contentTypeJSON)
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %v: %w", err, ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBodySize))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s %s returned %d: %w", method, endpoint, resp.StatusCode, ErrGatewayUnavailable)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode gateway response: %v: %w", err, ErrGatewayUnavailable)
	}
	return nil
}
