package memory

import (
	"context"
	"fmt"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/store"

	"github.com/google/uuid"
)

type tx struct {
	d *data
}

var _ store.Tx = (*tx)(nil)

func (t *tx) GetUserForUpdate(_ context.Context, id uuid.UUID) (domain.User, error) {
	u, ok := t.d.users[id]
	if !ok {
		return domain.User{}, notFound("user", id)
	}
	return u, nil
}

func (t *tx) AdjustBalance(_ context.Context, userID uuid.UUID, delta domain.Credits) (domain.User, error) {
	u, ok := t.d.users[userID]
	if !ok {
		return domain.User{}, notFound("user", userID)
	}
	if u.CreditBalance+delta < 0 {
		return u, &domain.InsufficientCreditsError{Required: -delta, Available: u.CreditBalance}
	}
	u.CreditBalance += delta
	t.d.users[userID] = u
	return u, nil
}

func (t *tx) AddLifetimeValue(_ context.Context, userID uuid.UUID, amount domain.Credits) error {
	u, ok := t.d.users[userID]
	if !ok {
		return notFound("user", userID)
	}
	u.LifetimeValue += amount
	t.d.users[userID] = u
	return nil
}

func (t *tx) GetProfile(_ context.Context, id uuid.UUID) (domain.Profile, error) {
	p, ok := t.d.profiles[id]
	if !ok {
		return domain.Profile{}, notFound("profile", id)
	}
	return p, nil
}

func (t *tx) InsertChat(_ context.Context, chat domain.Chat) error {
	if _, exists := t.d.chats[chat.ID]; exists {
		return fmt.Errorf("chat %s already exists", chat.ID)
	}
	t.d.chats[chat.ID] = chat.Clone()
	return nil
}

func (t *tx) GetChatForUpdate(_ context.Context, id uuid.UUID) (domain.Chat, error) {
	c, ok := t.d.chats[id]
	if !ok {
		return domain.Chat{}, notFound("chat", id)
	}
	return c.Clone(), nil
}

func (t *tx) UpdateChat(_ context.Context, chat domain.Chat, expected domain.ChatStatus) (bool, error) {
	cur, ok := t.d.chats[chat.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	t.d.chats[chat.ID] = chat.Clone()
	return true, nil
}

func (t *tx) CountOpenChats(_ context.Context, operatorID uuid.UUID) (int, error) {
	n := 0
	for _, c := range t.d.chats {
		if c.IsAssignedTo(operatorID) && c.Status.CountsTowardLoad() {
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertMessage(_ context.Context, msg domain.Message) error {
	if msg.CreditsCharged < 0 {
		return fmt.Errorf("message %s: negative charge: %w", msg.ID, domain.ErrInvariant)
	}
	t.d.messages[msg.ID] = msg
	return nil
}

func (t *tx) GetMessage(_ context.Context, id uuid.UUID) (domain.Message, error) {
	m, ok := t.d.messages[id]
	if !ok {
		return domain.Message{}, notFound("message", id)
	}
	return m, nil
}

func (t *tx) GetOperatorForUpdate(_ context.Context, id uuid.UUID) (domain.Operator, error) {
	o, ok := t.d.operators[id]
	if !ok {
		return domain.Operator{}, notFound("operator", id)
	}
	return cloneOperator(o), nil
}

func (t *tx) SetOperatorAvailability(_ context.Context, id uuid.UUID, available bool) (domain.Operator, error) {
	o, ok := t.d.operators[id]
	if !ok {
		return domain.Operator{}, notFound("operator", id)
	}
	o.IsAvailable = available
	t.d.operators[id] = o
	return cloneOperator(o), nil
}

func (t *tx) AdjustOperatorLoad(_ context.Context, id uuid.UUID, delta int) (domain.Operator, error) {
	o, ok := t.d.operators[id]
	if !ok {
		return domain.Operator{}, notFound("operator", id)
	}
	next := o.CurrentChatCount + delta
	if next < 0 {
		return o, fmt.Errorf("operator %s load %d%+d: %w", id, o.CurrentChatCount, delta, domain.ErrInvariant)
	}
	if delta > 0 && next > o.MaxConcurrentChats {
		return o, fmt.Errorf("operator %s at capacity: %w", id, domain.ErrAssignmentConflict)
	}
	o.CurrentChatCount = next
	t.d.operators[id] = o
	return cloneOperator(o), nil
}

func (t *tx) IncrementIdleIncidents(_ context.Context, id uuid.UUID) (int, error) {
	o, ok := t.d.operators[id]
	if !ok {
		return 0, notFound("operator", id)
	}
	o.IdleIncidents++
	t.d.operators[id] = o
	return o.IdleIncidents, nil
}

func (t *tx) InsertQueueEntry(_ context.Context, entry domain.QueueEntry) error {
	if _, exists := t.d.queue[entry.ChatID]; exists {
		return fmt.Errorf("chat %s already queued: %w", entry.ChatID, domain.ErrAssignmentConflict)
	}
	t.d.queue[entry.ChatID] = cloneEntry(entry)
	return nil
}

func (t *tx) ListQueueEntries(_ context.Context) ([]domain.QueueEntry, error) {
	return t.d.queueEntries(), nil
}

func (t *tx) ClaimQueueEntry(_ context.Context, chatID uuid.UUID) (domain.QueueEntry, bool, error) {
	e, ok := t.d.queue[chatID]
	if !ok {
		return domain.QueueEntry{}, false, nil
	}
	delete(t.d.queue, chatID)
	return cloneEntry(e), true, nil
}

func (t *tx) RecordQueueMiss(_ context.Context, chatID uuid.UUID, priority float64) error {
	e, ok := t.d.queue[chatID]
	if !ok {
		return nil
	}
	e.Attempts++
	e.PriorityScore = priority
	t.d.queue[chatID] = e
	return nil
}

func (t *tx) ListAvailableOperators(_ context.Context) ([]domain.Operator, error) {
	return t.d.availableOperators(), nil
}

func (t *tx) InsertAssignmentRecord(_ context.Context, rec domain.AssignmentRecord) error {
	t.d.records = append(t.d.records, rec)
	return nil
}

func (t *tx) InsertTransaction(_ context.Context, p domain.PaymentTransaction) error {
	for _, existing := range t.d.transactions {
		if existing.ProviderReference == p.ProviderReference {
			return fmt.Errorf("provider reference %q: %w", p.ProviderReference, domain.ErrAssignmentConflict)
		}
	}
	t.d.transactions[p.ID] = p
	return nil
}

func (t *tx) GetTransactionForUpdate(_ context.Context, id uuid.UUID) (domain.PaymentTransaction, error) {
	p, ok := t.d.transactions[id]
	if !ok {
		return domain.PaymentTransaction{}, notFound("transaction", id)
	}
	return p, nil
}

func (t *tx) GetTransactionByReferenceForUpdate(_ context.Context, reference string) (domain.PaymentTransaction, error) {
	for _, p := range t.d.transactions {
		if p.ProviderReference == reference {
			return p, nil
		}
	}
	return domain.PaymentTransaction{}, notFound("transaction reference", reference)
}

func (t *tx) UpdateTransaction(_ context.Context, p domain.PaymentTransaction, expected domain.TransactionStatus) (bool, error) {
	cur, ok := t.d.transactions[p.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	cur.Status = p.Status
	cur.NeedsManualReview = p.NeedsManualReview
	cur.ResolvedBy = p.ResolvedBy
	cur.UpdatedAt = p.UpdatedAt
	t.d.transactions[p.ID] = cur
	return true, nil
}

func (t *tx) IncrementWebhookCount(_ context.Context, id uuid.UUID) (int, error) {
	p, ok := t.d.transactions[id]
	if !ok {
		return 0, notFound("transaction", id)
	}
	p.WebhookReceivedCount++
	t.d.transactions[id] = p
	return p.WebhookReceivedCount, nil
}

func (t *tx) InsertRefund(_ context.Context, refund domain.Refund) error {
	for _, r := range t.d.refunds {
		if r.MessageID == refund.MessageID {
			return domain.ErrAlreadyRefunded
		}
	}
	t.d.refunds[refund.ID] = refund
	return nil
}

func (t *tx) InsertAdminNotification(_ context.Context, n domain.AdminNotification) error {
	t.d.notifications = append(t.d.notifications, n)
	return nil
}
