// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"paychat_backend/internal/domain"
	"paychat_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var (
	NewBaseEvent   = events.NewBaseEvent
	NewBaseEventAt = events.NewBaseEventAt
)

// =============================================================================
// Chat Domain Events
// =============================================================================

// ChatAssigned is published after a chat is handed to an operator.
type ChatAssigned struct {
	BaseEvent
	ChatID          uuid.UUID               `json:"chatId"`
	OperatorID      uuid.UUID               `json:"operatorId"`
	FromOperatorID  *uuid.UUID              `json:"fromOperatorId,omitempty"`
	Reason          domain.AssignmentReason `json:"reason"`
	AssignmentCount int                     `json:"assignmentCount"`
}

func (e ChatAssigned) EventName() string { return "chat.assigned" }

// ChatEscalated is published when a chat needs admin attention.
type ChatEscalated struct {
	BaseEvent
	ChatID          uuid.UUID   `json:"chatId"`
	Flag            domain.Flag `json:"flag"`
	AssignmentCount int         `json:"assignmentCount"`
}

func (e ChatEscalated) EventName() string { return "chat.escalated" }

// ChatClosed is published when a chat reaches the terminal state.
type ChatClosed struct {
	BaseEvent
	ChatID uuid.UUID          `json:"chatId"`
	Reason domain.CloseReason `json:"reason"`
}

func (e ChatClosed) EventName() string { return "chat.closed" }

// =============================================================================
// Payment Domain Events
// =============================================================================

// PaymentCredited is published after a transaction credits a balance.
type PaymentCredited struct {
	BaseEvent
	TransactionID     uuid.UUID         `json:"transactionId"`
	UserID            uuid.UUID         `json:"userId"`
	ProviderReference string            `json:"providerReference"`
	Amount            domain.Credits    `json:"amount"`
	ResolvedBy        domain.ResolvedBy `json:"resolvedBy"`
}

func (e PaymentCredited) EventName() string { return "payment.credited" }

// =============================================================================
// Admin Events
// =============================================================================

// AdminNotificationRaised mirrors a persisted admin notification.
type AdminNotificationRaised struct {
	BaseEvent
	NotificationID uuid.UUID               `json:"notificationId"`
	Kind           domain.NotificationKind `json:"kind"`
	Severity       domain.Severity         `json:"severity"`
	Title          string                  `json:"title"`
}

func (e AdminNotificationRaised) EventName() string { return "admin.notification" }

// Names lists every event published by the engine.
func Names() []string {
	return []string{
		ChatAssigned{}.EventName(),
		ChatEscalated{}.EventName(),
		ChatClosed{}.EventName(),
		PaymentCredited{}.EventName(),
		AdminNotificationRaised{}.EventName(),
	}
}
