// Package assignment moves chats between operators. Every handoff runs in a
// single transaction that locks the chat, adjusts both operators' load,
// writes the audit record and commits or rolls back as a unit.
package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

// Notifier persists admin notifications inside a handoff transaction.
type Notifier interface {
	RaiseTx(ctx context.Context, tx store.Tx, d notification.Draft) (domain.AdminNotification, error)
	Announce(ctx context.Context, n domain.AdminNotification)
}

// ReassignRequest is an explicit handoff requested by an admin or operator.
// From, when set, must still hold the chat.
type ReassignRequest struct {
	ChatID uuid.UUID
	From   *uuid.UUID
	To     uuid.UUID
	Reason domain.AssignmentReason
	Actor  string
}

// Coordinator performs handoffs.
type Coordinator struct {
	store    store.Store
	queue    *queue.Manager
	notifier Notifier
	bus      events.Bus
	policy   lifecycle.Policy
	clock    clock.Clock
	log      *logger.Logger
}

// NewCoordinator creates a coordinator and registers it with the queue.
func NewCoordinator(st store.Store, q *queue.Manager, notifier Notifier, bus events.Bus, policy lifecycle.Policy, clk clock.Clock, log *logger.Logger) *Coordinator {
	c := &Coordinator{
		store:    st,
		queue:    q,
		notifier: notifier,
		bus:      bus,
		policy:   policy,
		clock:    clk,
		log:      log,
	}
	q.SetAssigner(c)
	return c
}

// Assign hands a chat to an operator in its own transaction. When the chat
// has hit the reassignment limit it is escalated instead, the escalation is
// committed and domain.ErrReassignmentLimit is returned.
func (c *Coordinator) Assign(ctx context.Context, req domain.AssignRequest) (domain.AssignmentOutcome, error) {
	var out domain.AssignmentOutcome
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = c.AssignTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.AssignmentOutcome{}, err
	}
	c.Announce(ctx, out)
	if out.Escalated {
		return out, domain.ErrReassignmentLimit
	}
	return out, nil
}

// Reassign moves a chat to req.To. Escalated chats are resolved: the
// escalation flags are cleared and the chat returns to active without
// counting a handoff.
func (c *Coordinator) Reassign(ctx context.Context, req ReassignRequest) (domain.AssignmentOutcome, error) {
	if req.From != nil && *req.From == req.To {
		return domain.AssignmentOutcome{}, fmt.Errorf("chat already held by %s: %w", req.To, domain.ErrAssignmentConflict)
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonAdminReassign
	}

	var out domain.AssignmentOutcome
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		chat, err := c.LockChatTx(ctx, tx, req.ChatID)
		if err != nil {
			return err
		}
		if req.From != nil && !chat.IsAssignedTo(*req.From) {
			return fmt.Errorf("chat %s is no longer held by %s: %w", chat.ID, *req.From, domain.ErrAssignmentConflict)
		}
		if chat.Status == domain.ChatStatusEscalated {
			out, err = c.resolveTx(ctx, tx, chat, req.To, req.Actor)
			return err
		}
		out, err = c.AssignTx(ctx, tx, domain.AssignRequest{
			ChatID:     req.ChatID,
			OperatorID: req.To,
			Reason:     req.Reason,
			Actor:      req.Actor,
		})
		return err
	})
	if err != nil {
		return domain.AssignmentOutcome{}, err
	}
	c.Announce(ctx, out)
	if out.Escalated {
		return out, domain.ErrReassignmentLimit
	}
	return out, nil
}

// AssignTx hands req.ChatID to req.OperatorID inside tx. Handoffs away from a
// previous holder are counted; the first assignment is not. A counted
// handoff at the limit escalates the chat and reports Escalated instead of
// failing, so the caller can commit the escalation.
func (c *Coordinator) AssignTx(ctx context.Context, tx store.Tx, req domain.AssignRequest) (domain.AssignmentOutcome, error) {
	chat, err := tx.GetChatForUpdate(ctx, req.ChatID)
	if err != nil {
		return domain.AssignmentOutcome{}, err
	}
	switch chat.Status {
	case domain.ChatStatusClosed:
		return domain.AssignmentOutcome{}, domain.ErrChatClosed
	case domain.ChatStatusEscalated:
		return domain.AssignmentOutcome{}, fmt.Errorf("assign escalated chat %s: %w", chat.ID, domain.ErrIllegalTransition)
	}
	if chat.IsAssignedTo(req.OperatorID) {
		return domain.AssignmentOutcome{}, fmt.Errorf("chat %s already held by %s: %w", chat.ID, req.OperatorID, domain.ErrAssignmentConflict)
	}

	now := clock.UTCNow(c.clock)
	counted := chat.AssignedOperatorID != nil || len(chat.PreviousOperatorIDs) > 0
	if counted && c.policy.ReassignLimitReached(chat) {
		return c.escalateTx(ctx, tx, chat, now)
	}

	if slices.Contains(chat.RecentOperators(c.policy.ReassignExclusionWindow), req.OperatorID) {
		return domain.AssignmentOutcome{}, fmt.Errorf("operator %s held chat %s recently: %w", req.OperatorID, chat.ID, domain.ErrAssignmentConflict)
	}
	if err := c.checkOperator(ctx, tx, chat, req.OperatorID); err != nil {
		return domain.AssignmentOutcome{}, err
	}

	expected := chat.Status
	if _, err := tx.AdjustOperatorLoad(ctx, req.OperatorID, 1); err != nil {
		return domain.AssignmentOutcome{}, err
	}
	prev, err := lifecycle.Handoff(&chat, req.OperatorID, counted, now)
	if err != nil {
		return domain.AssignmentOutcome{}, err
	}
	if prev != nil {
		if _, err := tx.AdjustOperatorLoad(ctx, *prev, -1); err != nil {
			return domain.AssignmentOutcome{}, err
		}
	}
	if err := c.persist(ctx, tx, chat, expected); err != nil {
		return domain.AssignmentOutcome{}, err
	}

	rec := domain.AssignmentRecord{
		ID:             uuid.New(),
		ChatID:         chat.ID,
		FromOperatorID: prev,
		ToOperatorID:   req.OperatorID,
		Reason:         req.Reason,
		Actor:          req.Actor,
		Counted:        counted,
		CreatedAt:      now,
	}
	if err := tx.InsertAssignmentRecord(ctx, rec); err != nil {
		return domain.AssignmentOutcome{}, err
	}
	return domain.AssignmentOutcome{Chat: chat, Record: &rec, Released: prev}, nil
}

// Release hands a chat back to the queue. It is not a counted handoff and
// the queue entry excludes the recent operators, the releasing one included.
func (c *Coordinator) Release(ctx context.Context, chatID, operatorID uuid.UUID) (domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		chat, err := tx.GetChatForUpdate(ctx, chatID)
		if err != nil {
			return err
		}
		if chat.Status == domain.ChatStatusClosed {
			return domain.ErrChatClosed
		}
		if !chat.IsAssignedTo(operatorID) || !chat.Status.CountsTowardLoad() {
			return fmt.Errorf("chat %s is not held by %s: %w", chatID, operatorID, domain.ErrAssignmentConflict)
		}

		excluded := chat.RecentOperators(c.policy.ReassignExclusionWindow)
		expected := chat.Status
		lifecycle.Unassign(&chat, clock.UTCNow(c.clock))
		if _, err := tx.AdjustOperatorLoad(ctx, operatorID, -1); err != nil {
			return err
		}
		if err := c.persist(ctx, tx, chat, expected); err != nil {
			return err
		}
		entry, err = c.queue.EnqueueTx(ctx, tx, chat, excluded)
		return err
	})
	if err != nil {
		return domain.QueueEntry{}, err
	}
	c.log.Info("chat released to queue",
		slog.String("chat_id", chatID.String()),
		slog.String("operator_id", operatorID.String()),
	)
	return entry, nil
}

// Announce publishes the events for a committed outcome.
func (c *Coordinator) Announce(ctx context.Context, out domain.AssignmentOutcome) {
	if out.Chat.ID == uuid.Nil {
		return
	}
	at := out.Chat.UpdatedAt
	if out.Record != nil {
		c.log.Info("chat assigned",
			slog.String("chat_id", out.Chat.ID.String()),
			slog.String("operator_id", out.Record.ToOperatorID.String()),
			slog.String("reason", string(out.Record.Reason)),
			slog.Int("assignment_count", out.Chat.AssignmentCount),
		)
		c.bus.Publish(ctx, events.ChatAssigned{
			BaseEvent:       events.NewBaseEventAt(at),
			ChatID:          out.Chat.ID,
			OperatorID:      out.Record.ToOperatorID,
			FromOperatorID:  out.Record.FromOperatorID,
			Reason:          out.Record.Reason,
			AssignmentCount: out.Chat.AssignmentCount,
		})
	}
	if out.Escalated {
		c.log.Warn("chat escalated at reassignment limit",
			slog.String("chat_id", out.Chat.ID.String()),
			slog.Int("assignment_count", out.Chat.AssignmentCount),
		)
		c.AnnounceEscalated(ctx, out.Chat, domain.FlagMaxReassignmentsReached)
	}
	if out.Notification != nil {
		c.notifier.Announce(ctx, *out.Notification)
	}
}

// AnnounceEscalated publishes the escalation of a committed chat.
func (c *Coordinator) AnnounceEscalated(ctx context.Context, chat domain.Chat, flag domain.Flag) {
	c.bus.Publish(ctx, events.ChatEscalated{
		BaseEvent:       events.NewBaseEventAt(chat.UpdatedAt),
		ChatID:          chat.ID,
		Flag:            flag,
		AssignmentCount: chat.AssignmentCount,
	})
}

// AnnounceClosed publishes the close of a committed chat.
func (c *Coordinator) AnnounceClosed(ctx context.Context, chat domain.Chat) {
	if chat.CloseReason == nil {
		return
	}
	c.bus.Publish(ctx, events.ChatClosed{
		BaseEvent: events.NewBaseEventAt(chat.UpdatedAt),
		ChatID:    chat.ID,
		Reason:    *chat.CloseReason,
	})
}

func (c *Coordinator) resolveTx(ctx context.Context, tx store.Tx, chat domain.Chat, operatorID uuid.UUID, actor string) (domain.AssignmentOutcome, error) {
	if err := c.checkOperator(ctx, tx, chat, operatorID); err != nil {
		return domain.AssignmentOutcome{}, err
	}
	if _, err := tx.AdjustOperatorLoad(ctx, operatorID, 1); err != nil {
		return domain.AssignmentOutcome{}, err
	}
	now := clock.UTCNow(c.clock)
	if err := lifecycle.ResolveEscalation(&chat, operatorID, now); err != nil {
		return domain.AssignmentOutcome{}, err
	}
	if err := c.persist(ctx, tx, chat, domain.ChatStatusEscalated); err != nil {
		return domain.AssignmentOutcome{}, err
	}
	rec := domain.AssignmentRecord{
		ID:           uuid.New(),
		ChatID:       chat.ID,
		ToOperatorID: operatorID,
		Reason:       domain.ReasonEscalationResolve,
		Actor:        actor,
		CreatedAt:    now,
	}
	if err := tx.InsertAssignmentRecord(ctx, rec); err != nil {
		return domain.AssignmentOutcome{}, err
	}
	return domain.AssignmentOutcome{Chat: chat, Record: &rec}, nil
}

func (c *Coordinator) escalateTx(ctx context.Context, tx store.Tx, chat domain.Chat, now time.Time) (domain.AssignmentOutcome, error) {
	chat, released, err := c.EscalateTx(ctx, tx, chat, domain.FlagMaxReassignmentsReached, now)
	if err != nil {
		return domain.AssignmentOutcome{}, err
	}
	n, err := c.notifier.RaiseTx(ctx, tx, notification.Draft{
		Kind:     domain.NotifyReassignmentEscalate,
		Severity: domain.SeverityHigh,
		Title:    "Chat reached the reassignment limit",
		Body:     fmt.Sprintf("Chat %s was handed off %d times and needs an admin.", chat.ID, chat.AssignmentCount),
		Details: domain.ChatDetails{
			ChatID:          chat.ID,
			AssignmentCount: chat.AssignmentCount,
			Flags:           chat.Flags.Strings(),
		},
	})
	if err != nil {
		return domain.AssignmentOutcome{}, err
	}
	return domain.AssignmentOutcome{Chat: chat, Released: released, Escalated: true, Notification: &n}, nil
}

// EscalateTx escalates chat with flag inside tx and frees the holder's slot.
// A queued chat must already have its entry claimed, as LockChatTx does. It
// fails with domain.ErrAssignmentConflict when the stored chat moved on since
// it was read.
func (c *Coordinator) EscalateTx(ctx context.Context, tx store.Tx, chat domain.Chat, flag domain.Flag, now time.Time) (domain.Chat, *uuid.UUID, error) {
	expected := chat.Status
	released, err := lifecycle.Escalate(&chat, flag, now)
	if err != nil {
		return domain.Chat{}, nil, err
	}
	if err := c.persist(ctx, tx, chat, expected); err != nil {
		return domain.Chat{}, nil, err
	}
	if err := c.freeTx(ctx, tx, released); err != nil {
		return domain.Chat{}, nil, err
	}
	return chat, released, nil
}

// CloseTx closes chat inside tx and frees the holder's slot. A queued chat
// must already have its entry claimed, as LockChatTx does. It fails with
// domain.ErrAssignmentConflict when the stored chat moved on since it was
// read.
func (c *Coordinator) CloseTx(ctx context.Context, tx store.Tx, chat domain.Chat, reason domain.CloseReason, now time.Time) (domain.Chat, error) {
	expected := chat.Status
	released, err := lifecycle.Close(&chat, reason, now)
	if err != nil {
		return domain.Chat{}, err
	}
	if err := c.persist(ctx, tx, chat, expected); err != nil {
		return domain.Chat{}, err
	}
	if err := c.freeTx(ctx, tx, released); err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

// LockChatTx claims the chat's queue entry, if any, and then locks the chat
// row. Locks are always taken queue row, chat, operator. A caller that
// leaves the chat queued must roll back.
func (c *Coordinator) LockChatTx(ctx context.Context, tx store.Tx, chatID uuid.UUID) (domain.Chat, error) {
	if _, _, err := tx.ClaimQueueEntry(ctx, chatID); err != nil {
		return domain.Chat{}, err
	}
	return tx.GetChatForUpdate(ctx, chatID)
}

func (c *Coordinator) freeTx(ctx context.Context, tx store.Tx, released *uuid.UUID) error {
	if released == nil {
		return nil
	}
	_, err := tx.AdjustOperatorLoad(ctx, *released, -1)
	return err
}

func (c *Coordinator) checkOperator(ctx context.Context, tx store.Tx, chat domain.Chat, operatorID uuid.UUID) error {
	op, err := tx.GetOperatorForUpdate(ctx, operatorID)
	if err != nil {
		return err
	}
	if op.IsSuspended || !op.IsAvailable {
		return fmt.Errorf("operator %s is not taking chats: %w", operatorID, domain.ErrAssignmentConflict)
	}
	profile, err := tx.GetProfile(ctx, chat.ProfileID)
	if err != nil {
		return err
	}
	if !op.Covers(profile.RequiredSpecializations) {
		return fmt.Errorf("operator %s lacks specializations for profile %s: %w", operatorID, profile.ID, domain.ErrAssignmentConflict)
	}
	return nil
}

func (c *Coordinator) persist(ctx context.Context, tx store.Tx, chat domain.Chat, expected domain.ChatStatus) error {
	ok, err := tx.UpdateChat(ctx, chat, expected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chat %s changed concurrently: %w", chat.ID, domain.ErrAssignmentConflict)
	}
	return nil
}
