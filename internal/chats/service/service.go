// Package service implements the chat use cases: opening chats, sending
// metered messages and the admin operations on chats and messages.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"paychat_backend/internal/assignment"
	"paychat_backend/internal/chats/transport"
	"paychat_backend/internal/credits"
	"paychat_backend/internal/domain"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store"
	"paychat_backend/platform/apperr"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"
	"paychat_backend/platform/sanitize"

	"github.com/google/uuid"
)

// Caller is the authenticated party behind a request.
type Caller struct {
	ID     uuid.UUID
	Sender domain.SenderType
	Admin  bool
	Actor  string
}

// Service handles chat business logic.
type Service struct {
	store store.Store
	meter *credits.Meter
	queue *queue.Manager
	coord *assignment.Coordinator
	clock clock.Clock
	log   *logger.Logger
}

// New creates a new chat service.
func New(st store.Store, meter *credits.Meter, q *queue.Manager, coord *assignment.Coordinator, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{store: st, meter: meter, queue: q, coord: coord, clock: clk, log: log}
}

// StartChat opens a chat with the user's first message and queues it for
// an operator.
func (s *Service) StartChat(ctx context.Context, caller Caller, req transport.StartChatRequest) (transport.StartChatResponse, error) {
	if caller.Sender != domain.SenderUser {
		return transport.StartChatResponse{}, apperr.Forbidden("only users can start chats")
	}
	profileID, err := uuid.Parse(req.ProfileID)
	if err != nil {
		return transport.StartChatResponse{}, apperr.Validation("invalid profile id")
	}
	content := sanitize.MessageText(req.Content)
	if content == "" {
		return transport.StartChatResponse{}, apperr.Validation(msgEmptyContent)
	}

	var (
		chat domain.Chat
		msg  domain.Message
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := clock.UTCNow(s.clock)
		chat = lifecycle.NewChat(caller.ID, profileID, now)
		if err := tx.InsertChat(ctx, chat); err != nil {
			return err
		}
		var err error
		chat, msg, _, err = s.appendUserMessage(ctx, tx, chat, content)
		if err != nil {
			return err
		}
		_, err = s.queue.EnqueueTx(ctx, tx, chat, nil)
		return err
	})
	if err != nil {
		return transport.StartChatResponse{}, mapError(err, "profile not found")
	}

	s.log.Info("chat started",
		slog.String("chat_id", chat.ID.String()),
		slog.String("user_id", caller.ID.String()),
		slog.String("profile_id", profileID.String()),
	)
	if _, err := s.queue.Dispatch(ctx); err != nil {
		s.log.Warn("queue dispatch after chat start failed", slog.String("error", err.Error()))
	}

	resp := transport.StartChatResponse{
		Chat:    transport.ToChatResponse(chat),
		Message: transport.ToMessageResponse(msg),
		Queued:  true,
	}
	if current, err := s.store.GetChat(ctx, chat.ID); err == nil {
		resp.Chat = transport.ToChatResponse(current)
		resp.Queued = current.AssignedOperatorID == nil
	}
	return resp, nil
}

// SendMessage appends a message to a chat. User messages past the free
// allowance are charged in the same transaction that stores the message, so
// a failed debit leaves neither the message nor the charge behind.
func (s *Service) SendMessage(ctx context.Context, caller Caller, chatID uuid.UUID, req transport.SendMessageRequest) (transport.SendMessageResponse, error) {
	content := sanitize.MessageText(req.Content)
	if content == "" {
		return transport.SendMessageResponse{}, apperr.Validation(msgEmptyContent)
	}

	var (
		chat    domain.Chat
		msg     domain.Message
		balance *domain.Credits
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetChatForUpdate(ctx, chatID)
		if err != nil {
			return err
		}
		if err := authorizeSender(caller, current); err != nil {
			return err
		}

		switch caller.Sender {
		case domain.SenderUser:
			var user domain.User
			chat, msg, user, err = s.appendUserMessage(ctx, tx, current, content)
			if err != nil {
				return err
			}
			b := user.CreditBalance
			balance = &b
		case domain.SenderOperator:
			chat, msg, err = s.appendOperatorMessage(ctx, tx, current, caller.ID, content)
		default:
			return apperr.Forbidden("sender cannot post messages")
		}
		return err
	})
	if err != nil {
		return transport.SendMessageResponse{}, mapError(err, msgChatNotFound)
	}

	return transport.SendMessageResponse{
		Message: transport.ToMessageResponse(msg),
		Chat:    transport.ToChatResponse(chat),
		Balance: balance,
	}, nil
}

// GetChat returns a chat visible to the caller.
func (s *Service) GetChat(ctx context.Context, caller Caller, chatID uuid.UUID) (transport.ChatResponse, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return transport.ChatResponse{}, mapError(err, msgChatNotFound)
	}
	if !caller.Admin && chat.UserID != caller.ID && !chat.IsAssignedTo(caller.ID) {
		return transport.ChatResponse{}, apperr.NotFound(msgChatNotFound)
	}
	return transport.ToChatResponse(chat), nil
}

// ReassignChat moves a chat to another operator on an admin's behalf.
// Escalated chats are resolved in the process.
func (s *Service) ReassignChat(ctx context.Context, caller Caller, chatID uuid.UUID, req transport.ReassignChatRequest) (transport.AssignmentResponse, error) {
	to, err := uuid.Parse(req.ToOperatorID)
	if err != nil {
		return transport.AssignmentResponse{}, apperr.Validation("invalid operator id")
	}
	var from *uuid.UUID
	if req.FromOperatorID != nil {
		id, err := uuid.Parse(*req.FromOperatorID)
		if err != nil {
			return transport.AssignmentResponse{}, apperr.Validation("invalid operator id")
		}
		if id == to {
			return transport.AssignmentResponse{}, apperr.Validation("source and target operator are the same")
		}
		from = &id
	}

	out, err := s.coord.Reassign(ctx, assignment.ReassignRequest{
		ChatID: chatID,
		From:   from,
		To:     to,
		Reason: domain.ReasonAdminReassign,
		Actor:  caller.Actor,
	})
	if err != nil {
		if errors.Is(err, domain.ErrReassignmentLimit) {
			return transport.AssignmentResponse{}, apperr.Conflict("reassignment limit reached; chat escalated for admin review").
				WithDetails(transport.ToChatResponse(out.Chat))
		}
		return transport.AssignmentResponse{}, mapError(err, msgChatNotFound)
	}

	s.log.Info("chat reassigned by admin",
		slog.String("chat_id", chatID.String()),
		slog.String("operator_id", to.String()),
		slog.String("actor", caller.Actor),
		slog.String("note", strings.TrimSpace(req.Note)),
	)
	return transport.AssignmentResponse{
		Chat:       transport.ToChatResponse(out.Chat),
		Reason:     string(out.Record.Reason),
		Counted:    out.Record.Counted,
		OperatorID: out.Record.ToOperatorID.String(),
	}, nil
}

// CloseChat closes a chat on an admin's behalf.
func (s *Service) CloseChat(ctx context.Context, caller Caller, chatID uuid.UUID, req transport.CloseChatRequest) (transport.ChatResponse, error) {
	var chat domain.Chat
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := s.coord.LockChatTx(ctx, tx, chatID)
		if err != nil {
			return err
		}
		chat, err = s.coord.CloseTx(ctx, tx, current, domain.CloseReasonAdmin, clock.UTCNow(s.clock))
		return err
	})
	if err != nil {
		return transport.ChatResponse{}, mapError(err, msgChatNotFound)
	}
	s.coord.AnnounceClosed(ctx, chat)
	s.log.Info("chat closed by admin",
		slog.String("chat_id", chatID.String()),
		slog.String("actor", caller.Actor),
		slog.String("note", strings.TrimSpace(req.Note)),
	)
	return transport.ToChatResponse(chat), nil
}

// RefundMessage returns a message's charge to its sender.
func (s *Service) RefundMessage(ctx context.Context, caller Caller, messageID uuid.UUID, req transport.RefundRequest) (transport.RefundResponse, error) {
	reason, err := domain.ParseRefundReason(req.Reason)
	if err != nil {
		return transport.RefundResponse{}, apperr.Validation(err.Error())
	}
	refund, err := s.meter.Refund(ctx, messageID, reason, caller.Actor)
	if err != nil {
		return transport.RefundResponse{}, mapError(err, msgMessageNotFound)
	}
	return transport.ToRefundResponse(refund), nil
}

func (s *Service) appendUserMessage(ctx context.Context, tx store.Tx, chat domain.Chat, content string) (domain.Chat, domain.Message, domain.User, error) {
	if chat.Status == domain.ChatStatusClosed {
		return domain.Chat{}, domain.Message{}, domain.User{}, domain.ErrChatClosed
	}
	user, err := tx.GetUserForUpdate(ctx, chat.UserID)
	if err != nil {
		return domain.Chat{}, domain.Message{}, domain.User{}, err
	}
	profile, err := tx.GetProfile(ctx, chat.ProfileID)
	if err != nil {
		return domain.Chat{}, domain.Message{}, domain.User{}, err
	}

	now := clock.UTCNow(s.clock)
	index := chat.UserMessageCount + 1
	cost := s.meter.Cost(index, user.Tier, profile.IsFeatured, now)
	user, err = s.meter.DebitTx(ctx, tx, user.ID, cost)
	if err != nil {
		return domain.Chat{}, domain.Message{}, domain.User{}, err
	}

	sender := chat.UserID
	msg := domain.Message{
		ID:             uuid.New(),
		ChatID:         chat.ID,
		SenderType:     domain.SenderUser,
		SenderID:       &sender,
		Content:        content,
		IsFreeMessage:  index <= s.meter.Pricing().FreeMessages,
		CreditsCharged: cost,
		CreatedAt:      now,
	}
	chat, err = s.record(ctx, tx, chat, msg)
	if err != nil {
		return domain.Chat{}, domain.Message{}, domain.User{}, err
	}
	return chat, msg, user, nil
}

func (s *Service) appendOperatorMessage(ctx context.Context, tx store.Tx, chat domain.Chat, operatorID uuid.UUID, content string) (domain.Chat, domain.Message, error) {
	sender := operatorID
	msg := domain.Message{
		ID:         uuid.New(),
		ChatID:     chat.ID,
		SenderType: domain.SenderOperator,
		SenderID:   &sender,
		Content:    content,
		CreatedAt:  clock.UTCNow(s.clock),
	}
	chat, err := s.record(ctx, tx, chat, msg)
	return chat, msg, err
}

func (s *Service) record(ctx context.Context, tx store.Tx, chat domain.Chat, msg domain.Message) (domain.Chat, error) {
	expected := chat.Status
	if err := lifecycle.ApplyMessage(&chat, msg.SenderType, msg.CreditsCharged, msg.CreatedAt); err != nil {
		return domain.Chat{}, err
	}
	if err := tx.InsertMessage(ctx, msg); err != nil {
		return domain.Chat{}, err
	}
	ok, err := tx.UpdateChat(ctx, chat, expected)
	if err != nil {
		return domain.Chat{}, err
	}
	if !ok {
		return domain.Chat{}, domain.ErrAssignmentConflict
	}
	return chat, nil
}

func authorizeSender(caller Caller, chat domain.Chat) error {
	switch caller.Sender {
	case domain.SenderUser:
		if chat.UserID != caller.ID {
			return apperr.NotFound(msgChatNotFound)
		}
	case domain.SenderOperator:
		if !chat.IsAssignedTo(caller.ID) {
			return apperr.Forbidden("chat is not assigned to you")
		}
	}
	return nil
}
