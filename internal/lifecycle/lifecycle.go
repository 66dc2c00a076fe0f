// Package lifecycle owns chat state. Every status change in the engine goes
// through the functions here so the transition table is enforced in one
// place; callers persist the mutated chat with a conditional write.
package lifecycle

import (
	"fmt"
	"time"

	"paychat_backend/internal/domain"

	"github.com/google/uuid"
)

var transitions = map[domain.ChatStatus]map[domain.ChatStatus]bool{
	domain.ChatStatusActive: {
		domain.ChatStatusIdle:      true,
		domain.ChatStatusEscalated: true,
		domain.ChatStatusClosed:    true,
	},
	domain.ChatStatusIdle: {
		domain.ChatStatusActive:    true,
		domain.ChatStatusEscalated: true,
		domain.ChatStatusClosed:    true,
	},
	domain.ChatStatusEscalated: {
		domain.ChatStatusActive: true,
		domain.ChatStatusClosed: true,
	},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to domain.ChatStatus) bool {
	return transitions[from][to]
}

func move(chat *domain.Chat, to domain.ChatStatus, now time.Time) error {
	if chat.Status == domain.ChatStatusClosed {
		return domain.ErrChatClosed
	}
	if !CanTransition(chat.Status, to) {
		return fmt.Errorf("%s -> %s: %w", chat.Status, to, domain.ErrIllegalTransition)
	}
	chat.Status = to
	chat.UpdatedAt = now
	return nil
}

// NewChat builds the initial state of a chat opened by userID's first message.
func NewChat(userID, profileID uuid.UUID, now time.Time) domain.Chat {
	return domain.Chat{
		ID:            uuid.New(),
		UserID:        userID,
		ProfileID:     profileID,
		Status:        domain.ChatStatusActive,
		Flags:         domain.NewFlagSet(),
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ApplyMessage records a new message on the chat. Idle chats return to
// active on any message; escalated chats keep waiting for an admin.
func ApplyMessage(chat *domain.Chat, sender domain.SenderType, charged domain.Credits, now time.Time) error {
	if chat.Status == domain.ChatStatusClosed {
		return domain.ErrChatClosed
	}
	if chat.Status == domain.ChatStatusIdle {
		if err := move(chat, domain.ChatStatusActive, now); err != nil {
			return err
		}
	}
	chat.LastMessageAt = now
	chat.MessageCount++
	chat.TotalCreditsSpent += charged
	switch sender {
	case domain.SenderUser:
		t := now
		chat.LastUserMessageAt = &t
		chat.UserMessageCount++
	case domain.SenderOperator:
		t := now
		chat.LastOperatorActivityAt = &t
	}
	chat.UpdatedAt = now
	return nil
}

// MarkIdle moves an active chat to idle.
func MarkIdle(chat *domain.Chat, now time.Time) error {
	return move(chat, domain.ChatStatusIdle, now)
}

// Escalate moves the chat to escalated with flag and detaches the operator.
// It returns the operator that held the chat, if any, so the caller can
// release its load.
func Escalate(chat *domain.Chat, flag domain.Flag, now time.Time) (*uuid.UUID, error) {
	if chat.Status == domain.ChatStatusEscalated {
		chat.Flags.Add(flag)
		chat.UpdatedAt = now
		return nil, nil
	}
	wasCounted := chat.Status.CountsTowardLoad()
	if err := move(chat, domain.ChatStatusEscalated, now); err != nil {
		return nil, err
	}
	chat.Flags.Add(flag)
	t := now
	chat.EscalatedAt = &t

	released := detachOperator(chat)
	if !wasCounted {
		return nil, nil
	}
	return released, nil
}

// Close moves the chat to the terminal closed state and detaches the
// operator. It returns the operator whose load must be released, if any.
func Close(chat *domain.Chat, reason domain.CloseReason, now time.Time) (*uuid.UUID, error) {
	wasCounted := chat.Status.CountsTowardLoad()
	if err := move(chat, domain.ChatStatusClosed, now); err != nil {
		return nil, err
	}
	r := reason
	chat.CloseReason = &r
	released := detachOperator(chat)
	if !wasCounted {
		return nil, nil
	}
	return released, nil
}

// ResolveEscalation returns an escalated chat to active under operatorID,
// clearing escalation flags. assignment_count and history are preserved.
func ResolveEscalation(chat *domain.Chat, operatorID uuid.UUID, now time.Time) error {
	if chat.Status != domain.ChatStatusEscalated {
		return fmt.Errorf("resolve %s chat: %w", chat.Status, domain.ErrIllegalTransition)
	}
	if err := move(chat, domain.ChatStatusActive, now); err != nil {
		return err
	}
	chat.Flags.ClearEscalation()
	chat.EscalatedAt = nil
	attachOperator(chat, operatorID, now)
	return nil
}

// Handoff moves the chat to operatorID. When counted, assignment_count is
// incremented. The previous operator, if any, is returned.
func Handoff(chat *domain.Chat, operatorID uuid.UUID, counted bool, now time.Time) (*uuid.UUID, error) {
	if chat.Status == domain.ChatStatusClosed {
		return nil, domain.ErrChatClosed
	}
	if chat.Status == domain.ChatStatusEscalated {
		return nil, fmt.Errorf("handoff of escalated chat: %w", domain.ErrIllegalTransition)
	}
	prev := detachOperator(chat)
	if counted {
		chat.AssignmentCount++
	}
	attachOperator(chat, operatorID, now)
	chat.UpdatedAt = now
	return prev, nil
}

// Unassign detaches the operator so the chat can be queued again.
func Unassign(chat *domain.Chat, now time.Time) *uuid.UUID {
	prev := detachOperator(chat)
	chat.UpdatedAt = now
	return prev
}

func detachOperator(chat *domain.Chat) *uuid.UUID {
	if chat.AssignedOperatorID == nil {
		return nil
	}
	prev := *chat.AssignedOperatorID
	chat.PreviousOperatorIDs = append(chat.PreviousOperatorIDs, prev)
	chat.AssignedOperatorID = nil
	chat.AssignedAt = nil
	return &prev
}

func attachOperator(chat *domain.Chat, operatorID uuid.UUID, now time.Time) {
	id := operatorID
	chat.AssignedOperatorID = &id
	// Only operator messages move LastOperatorActivityAt.
	t := now
	chat.AssignedAt = &t
	chat.UpdatedAt = now
}
