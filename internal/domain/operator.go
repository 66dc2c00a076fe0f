package domain

import (
	"time"

	"github.com/google/uuid"
)

// Operator is a human agent who answers chats on behalf of profiles.
type Operator struct {
	ID                 uuid.UUID
	IsAvailable        bool
	IsSuspended        bool
	CurrentChatCount   int
	MaxConcurrentChats int
	Specializations    []string
	QualityScore       float64
	IdleIncidents      int
	UpdatedAt          time.Time
}

// HasCapacity reports whether the operator can take one more chat.
func (o Operator) HasCapacity() bool {
	return o.CurrentChatCount < o.MaxConcurrentChats
}

// LoadRatio is current over max chats; a zero max is treated as full.
func (o Operator) LoadRatio() float64 {
	if o.MaxConcurrentChats <= 0 {
		return 1
	}
	return float64(o.CurrentChatCount) / float64(o.MaxConcurrentChats)
}

// Covers reports whether the operator's specializations are a superset of required.
func (o Operator) Covers(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(o.Specializations))
	for _, s := range o.Specializations {
		have[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// EligibleFor applies the queue filter for a single entry.
func (o Operator) EligibleFor(e QueueEntry) bool {
	if !o.IsAvailable || o.IsSuspended || !o.HasCapacity() {
		return false
	}
	if e.Excludes(o.ID) {
		return false
	}
	return o.Covers(e.RequiredSpecializations)
}

// QueueEntry is an unassigned chat waiting for an operator.
type QueueEntry struct {
	ChatID                  uuid.UUID
	PriorityScore           float64
	UserTier                Tier
	LifetimeValue           Credits
	EnteredQueueAt          time.Time
	Attempts                int
	RequiredSpecializations []string
	ExcludedOperatorIDs     []uuid.UUID
}

// Excludes reports whether operatorID is barred from this entry.
func (e QueueEntry) Excludes(operatorID uuid.UUID) bool {
	for _, id := range e.ExcludedOperatorIDs {
		if id == operatorID {
			return true
		}
	}
	return false
}
