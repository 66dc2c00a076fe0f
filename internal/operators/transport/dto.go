package transport

import (
	"time"

	"paychat_backend/internal/domain"
)

type AvailabilityRequest struct {
	Available *bool `json:"available" validate:"required"`
}

type OperatorResponse struct {
	ID                 string    `json:"id"`
	IsAvailable        bool      `json:"isAvailable"`
	IsSuspended        bool      `json:"isSuspended"`
	CurrentChatCount   int       `json:"currentChatCount"`
	MaxConcurrentChats int       `json:"maxConcurrentChats"`
	Specializations    []string  `json:"specializations"`
	QualityScore       float64   `json:"qualityScore"`
	IdleIncidents      int       `json:"idleIncidents"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type AvailabilityResponse struct {
	Operator OperatorResponse `json:"operator"`
	// Assigned counts chats picked up from the queue on coming online.
	Assigned int `json:"assigned"`
}

type AcceptResponse struct {
	ChatID          string  `json:"chatId"`
	UserTier        string  `json:"userTier"`
	PriorityScore   float64 `json:"priorityScore"`
	AssignmentCount int     `json:"assignmentCount"`
}

type ReleaseResponse struct {
	ChatID         string    `json:"chatId"`
	EnteredQueueAt time.Time `json:"enteredQueueAt"`
	Excluded       []string  `json:"excludedOperatorIds"`
}

func ToOperatorResponse(o domain.Operator) OperatorResponse {
	specs := o.Specializations
	if specs == nil {
		specs = []string{}
	}
	return OperatorResponse{
		ID:                 o.ID.String(),
		IsAvailable:        o.IsAvailable,
		IsSuspended:        o.IsSuspended,
		CurrentChatCount:   o.CurrentChatCount,
		MaxConcurrentChats: o.MaxConcurrentChats,
		Specializations:    specs,
		QualityScore:       o.QualityScore,
		IdleIncidents:      o.IdleIncidents,
		UpdatedAt:          o.UpdatedAt,
	}
}
