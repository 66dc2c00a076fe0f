package lifecycle

import (
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/platform/config"
)

// Policy holds the time and count thresholds that drive automatic
// transitions.
type Policy struct {
	MaxReassignments         int
	ReassignExclusionWindow  int
	OperatorIdleThreshold    time.Duration
	QueueTimeout             time.Duration
	QueueTimeoutMinAttempts  int
	InactivityTimeout        time.Duration
	ChatIdleAfter            time.Duration
	EscalationAutoCloseAfter time.Duration
}

// PolicyFromConfig reads the thresholds from engine config.
func PolicyFromConfig(cfg config.EngineConfig) Policy {
	return Policy{
		MaxReassignments:         cfg.GetMaxReassignments(),
		ReassignExclusionWindow:  cfg.GetReassignExclusionWindow(),
		OperatorIdleThreshold:    cfg.GetOperatorIdleThreshold(),
		QueueTimeout:             cfg.GetQueueTimeout(),
		QueueTimeoutMinAttempts:  cfg.GetQueueTimeoutMinAttempts(),
		InactivityTimeout:        cfg.GetInactivityTimeout(),
		ChatIdleAfter:            cfg.GetChatIdleAfter(),
		EscalationAutoCloseAfter: cfg.GetEscalationAutoCloseAfter(),
	}
}

// DefaultPolicy mirrors the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxReassignments:         3,
		ReassignExclusionWindow:  2,
		OperatorIdleThreshold:    10 * time.Minute,
		QueueTimeout:             30 * time.Minute,
		QueueTimeoutMinAttempts:  3,
		InactivityTimeout:        24 * time.Hour,
		ChatIdleAfter:            30 * time.Minute,
		EscalationAutoCloseAfter: 7 * 24 * time.Hour,
	}
}

// ReassignLimitReached reports whether another counted handoff must be
// replaced by escalation.
func (p Policy) ReassignLimitReached(chat domain.Chat) bool {
	return chat.AssignmentCount >= p.MaxReassignments
}

// InactivityExpired reports whether an active or idle chat should close.
func (p Policy) InactivityExpired(chat domain.Chat, now time.Time) bool {
	if !chat.Status.CountsTowardLoad() {
		return false
	}
	return now.Sub(chat.LastMessageAt) > p.InactivityTimeout
}

// ShouldIdle reports whether an active chat has gone quiet after the
// operator's last reply. Being assigned is not a reply.
func (p Policy) ShouldIdle(chat domain.Chat, now time.Time) bool {
	if chat.Status != domain.ChatStatusActive || chat.AssignedOperatorID == nil || p.ChatIdleAfter <= 0 {
		return false
	}
	if chat.LastUserMessageAt == nil || chat.LastOperatorActivityAt == nil {
		return false
	}
	if chat.LastOperatorActivityAt.Before(*chat.LastUserMessageAt) {
		return false
	}
	return now.Sub(*chat.LastUserMessageAt) > p.ChatIdleAfter
}

// OperatorIdle reports whether the assigned operator has left a user message
// unanswered and been silent for longer than the threshold. The silence is
// measured from the operator's last message or from the assignment,
// whichever is later.
func (p Policy) OperatorIdle(chat domain.Chat, now time.Time) bool {
	if !chat.Status.CountsTowardLoad() || chat.AssignedOperatorID == nil || chat.LastUserMessageAt == nil {
		return false
	}
	if chat.LastOperatorActivityAt != nil && !chat.LastOperatorActivityAt.Before(*chat.LastUserMessageAt) {
		return false
	}
	return OperatorSilentSince(chat).Before(now.Add(-p.OperatorIdleThreshold))
}

// OperatorSilentSince is the start of the assigned operator's current
// silence: the later of its last message and the assignment. Chats with
// neither fall back to the last user message.
func OperatorSilentSince(chat domain.Chat) time.Time {
	var since time.Time
	if chat.LastOperatorActivityAt != nil {
		since = *chat.LastOperatorActivityAt
	}
	if chat.AssignedAt != nil && chat.AssignedAt.After(since) {
		since = *chat.AssignedAt
	}
	if since.IsZero() && chat.LastUserMessageAt != nil {
		since = *chat.LastUserMessageAt
	}
	return since
}

// QueueTimedOut reports whether a queue entry has waited too long.
func (p Policy) QueueTimedOut(entry domain.QueueEntry, now time.Time) bool {
	return now.Sub(entry.EnteredQueueAt) > p.QueueTimeout && entry.Attempts >= p.QueueTimeoutMinAttempts
}

// EscalationExpired reports whether an escalated chat has waited for an
// admin longer than the auto-close window. A zero window disables it.
func (p Policy) EscalationExpired(chat domain.Chat, now time.Time) bool {
	if p.EscalationAutoCloseAfter <= 0 || chat.Status != domain.ChatStatusEscalated || chat.EscalatedAt == nil {
		return false
	}
	return now.Sub(*chat.EscalatedAt) > p.EscalationAutoCloseAfter
}
