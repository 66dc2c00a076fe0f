// Package domain holds the engine's core types: chats, operators, queue
// entries, messages, payment transactions and the closed vocabularies that
// describe them.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatStatus is the lifecycle state of a chat.
type ChatStatus string

const (
	ChatStatusActive    ChatStatus = "active"
	ChatStatusIdle      ChatStatus = "idle"
	ChatStatusEscalated ChatStatus = "escalated"
	ChatStatusClosed    ChatStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s ChatStatus) Valid() bool {
	switch s {
	case ChatStatusActive, ChatStatusIdle, ChatStatusEscalated, ChatStatusClosed:
		return true
	}
	return false
}

// CountsTowardLoad reports whether a chat in this status occupies a slot in
// its operator's current_chat_count.
func (s ChatStatus) CountsTowardLoad() bool {
	return s == ChatStatusActive || s == ChatStatusIdle
}

// CloseReason records why a chat reached the closed state.
type CloseReason string

const (
	CloseReasonInactivity        CloseReason = "inactivity_timeout"
	CloseReasonEscalationTimeout CloseReason = "escalation_timeout"
	CloseReasonAdmin             CloseReason = "admin"
)

// Chat is a conversation between a real user and a fictional profile.
type Chat struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	ProfileID              uuid.UUID
	Status                 ChatStatus
	AssignedOperatorID     *uuid.UUID
	AssignedAt             *time.Time
	AssignmentCount        int
	PreviousOperatorIDs    []uuid.UUID
	Flags                  FlagSet
	CloseReason            *CloseReason
	LastMessageAt          time.Time
	LastUserMessageAt      *time.Time
	LastOperatorActivityAt *time.Time
	MessageCount           int
	UserMessageCount       int
	TotalCreditsSpent      Credits
	EscalatedAt            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (c Chat) Clone() Chat {
	out := c
	if c.AssignedOperatorID != nil {
		id := *c.AssignedOperatorID
		out.AssignedOperatorID = &id
	}
	out.PreviousOperatorIDs = append([]uuid.UUID(nil), c.PreviousOperatorIDs...)
	out.Flags = c.Flags.Clone()
	if c.CloseReason != nil {
		r := *c.CloseReason
		out.CloseReason = &r
	}
	out.AssignedAt = cloneTime(c.AssignedAt)
	out.LastUserMessageAt = cloneTime(c.LastUserMessageAt)
	out.LastOperatorActivityAt = cloneTime(c.LastOperatorActivityAt)
	out.EscalatedAt = cloneTime(c.EscalatedAt)
	return out
}

// IsAssignedTo reports whether operatorID currently holds the chat.
func (c Chat) IsAssignedTo(operatorID uuid.UUID) bool {
	return c.AssignedOperatorID != nil && *c.AssignedOperatorID == operatorID
}

// RecentOperators returns the window most recent distinct operators, newest
// first. The currently assigned operator is always included.
func (c Chat) RecentOperators(window int) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	out := make([]uuid.UUID, 0, window+1)
	if c.AssignedOperatorID != nil {
		out = append(out, *c.AssignedOperatorID)
		seen[*c.AssignedOperatorID] = struct{}{}
	}
	for i := len(c.PreviousOperatorIDs) - 1; i >= 0 && len(out) < window; i-- {
		id := c.PreviousOperatorIDs[i]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser     SenderType = "user"
	SenderOperator SenderType = "operator"
	SenderSystem   SenderType = "system"
)

// Message is an immutable chat message.
type Message struct {
	ID             uuid.UUID
	ChatID         uuid.UUID
	SenderType     SenderType
	SenderID       *uuid.UUID
	Content        string
	IsFreeMessage  bool
	CreditsCharged Credits
	CreatedAt      time.Time
}

// Profile is the fictional persona a chat is addressed to.
type Profile struct {
	ID                      uuid.UUID
	IsFeatured              bool
	RequiredSpecializations []string
}

// AssignmentRecord is the append-only audit trail entry for a handoff.
type AssignmentRecord struct {
	ID             uuid.UUID
	ChatID         uuid.UUID
	FromOperatorID *uuid.UUID
	ToOperatorID   uuid.UUID
	Reason         AssignmentReason
	Actor          string
	Counted        bool
	CreatedAt      time.Time
}

// AssignmentReason is the closed vocabulary of handoff reasons.
type AssignmentReason string

const (
	ReasonQueueMatch        AssignmentReason = "queue_match"
	ReasonOperatorAccept    AssignmentReason = "operator_accept"
	ReasonAdminReassign     AssignmentReason = "admin_reassign"
	ReasonEscalationResolve AssignmentReason = "escalation_resolved"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
