package transport

import (
	"time"

	"paychat_backend/internal/domain"
)

// Requests

type StartChatRequest struct {
	ProfileID string `json:"profileId" validate:"required,uuid"`
	Content   string `json:"content" validate:"required,max=4000"`
}

type SendMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

type ReassignChatRequest struct {
	ToOperatorID   string  `json:"toOperatorId" validate:"required,uuid"`
	FromOperatorID *string `json:"fromOperatorId" validate:"omitempty,uuid"`
	Note           string  `json:"reason" validate:"max=500"`
}

type CloseChatRequest struct {
	Note string `json:"reason" validate:"max=500"`
}

type RefundRequest struct {
	Reason string `json:"reason" validate:"required,refundreason"`
}

// Responses

type ChatResponse struct {
	ID                  string         `json:"id"`
	UserID              string         `json:"userId"`
	ProfileID           string         `json:"profileId"`
	Status              string         `json:"status"`
	AssignedOperatorID  *string        `json:"assignedOperatorId,omitempty"`
	AssignedAt          *time.Time     `json:"assignedAt,omitempty"`
	AssignmentCount     int            `json:"assignmentCount"`
	PreviousOperatorIDs []string       `json:"previousOperatorIds"`
	Flags               []string       `json:"flags"`
	CloseReason         *string        `json:"closeReason,omitempty"`
	MessageCount        int            `json:"messageCount"`
	TotalCreditsSpent   domain.Credits `json:"totalCreditsSpent"`
	LastMessageAt       time.Time      `json:"lastMessageAt"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

type MessageResponse struct {
	ID             string         `json:"id"`
	ChatID         string         `json:"chatId"`
	SenderType     string         `json:"senderType"`
	Content        string         `json:"content"`
	IsFreeMessage  bool           `json:"isFreeMessage"`
	CreditsCharged domain.Credits `json:"creditsCharged"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type SendMessageResponse struct {
	Message MessageResponse `json:"message"`
	Chat    ChatResponse    `json:"chat"`
	// Balance is only set for user senders.
	Balance *domain.Credits `json:"balance,omitempty"`
}

type StartChatResponse struct {
	Chat    ChatResponse    `json:"chat"`
	Message MessageResponse `json:"message"`
	Queued  bool            `json:"queued"`
}

type AssignmentResponse struct {
	Chat       ChatResponse `json:"chat"`
	Reason     string       `json:"reason"`
	Counted    bool         `json:"counted"`
	OperatorID string       `json:"operatorId"`
}

type RefundResponse struct {
	ID        string         `json:"id"`
	MessageID string         `json:"messageId"`
	UserID    string         `json:"userId"`
	Amount    domain.Credits `json:"amount"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"createdAt"`
}

func ToChatResponse(c domain.Chat) ChatResponse {
	resp := ChatResponse{
		ID:                  c.ID.String(),
		UserID:              c.UserID.String(),
		ProfileID:           c.ProfileID.String(),
		Status:              string(c.Status),
		AssignmentCount:     c.AssignmentCount,
		PreviousOperatorIDs: make([]string, 0, len(c.PreviousOperatorIDs)),
		Flags:               c.Flags.Strings(),
		MessageCount:        c.MessageCount,
		TotalCreditsSpent:   c.TotalCreditsSpent,
		LastMessageAt:       c.LastMessageAt,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
		AssignedAt:          c.AssignedAt,
	}
	if c.AssignedOperatorID != nil {
		id := c.AssignedOperatorID.String()
		resp.AssignedOperatorID = &id
	}
	for _, id := range c.PreviousOperatorIDs {
		resp.PreviousOperatorIDs = append(resp.PreviousOperatorIDs, id.String())
	}
	if c.CloseReason != nil {
		r := string(*c.CloseReason)
		resp.CloseReason = &r
	}
	return resp
}

func ToMessageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID.String(),
		ChatID:         m.ChatID.String(),
		SenderType:     string(m.SenderType),
		Content:        m.Content,
		IsFreeMessage:  m.IsFreeMessage,
		CreditsCharged: m.CreditsCharged,
		CreatedAt:      m.CreatedAt,
	}
}

func ToRefundResponse(r domain.Refund) RefundResponse {
	return RefundResponse{
		ID:        r.ID.String(),
		MessageID: r.MessageID.String(),
		UserID:    r.UserID.String(),
		Amount:    r.Amount,
		Reason:    string(r.Reason),
		CreatedAt: r.CreatedAt,
	}
}
