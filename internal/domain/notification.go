package domain

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks admin notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NotificationKind is the closed vocabulary of admin notifications.
type NotificationKind string

const (
	NotifySweepSummary         NotificationKind = "sweep_summary"
	NotifyManualReview         NotificationKind = "payment_manual_review"
	NotifyReconcileMismatch    NotificationKind = "reconciliation_mismatch"
	NotifyWebhookVerification  NotificationKind = "webhook_verification_failures"
	NotifyReassignmentEscalate NotificationKind = "reassignment_limit_escalation"
)

// SweepDetails is the payload of a sweep_summary notification.
type SweepDetails struct {
	Sweep    string         `json:"sweep"`
	Scanned  int            `json:"scanned"`
	Affected int            `json:"affected"`
	Failed   int            `json:"failed"`
	ByAction map[string]int `json:"byAction,omitempty"`
}

// PaymentDetails is the payload of payment notifications.
type PaymentDetails struct {
	TransactionID     uuid.UUID         `json:"transactionId"`
	ProviderReference string            `json:"providerReference"`
	LocalStatus       TransactionStatus `json:"localStatus"`
	GatewayStatus     string            `json:"gatewayStatus,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// WebhookFailureDetails is the payload of webhook_verification_failures.
type WebhookFailureDetails struct {
	Failures int    `json:"failures"`
	Window   string `json:"window"`
	ClientIP string `json:"clientIp,omitempty"`
}

// ChatDetails is the payload of chat-level escalation notifications.
type ChatDetails struct {
	ChatID          uuid.UUID `json:"chatId"`
	AssignmentCount int       `json:"assignmentCount"`
	Flags           []string  `json:"flags"`
}

// NotificationDetails is implemented by the typed payloads above.
type NotificationDetails interface {
	notificationDetails()
}

func (SweepDetails) notificationDetails()          {}
func (PaymentDetails) notificationDetails()        {}
func (WebhookFailureDetails) notificationDetails() {}
func (ChatDetails) notificationDetails()           {}

// AdminNotification is a persisted alert for the admin console.
type AdminNotification struct {
	ID        uuid.UUID
	Kind      NotificationKind
	Severity  Severity
	Title     string
	Body      string
	Details   NotificationDetails
	CreatedAt time.Time
}
