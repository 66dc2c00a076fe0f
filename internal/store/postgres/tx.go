package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"paychat_backend/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type txStore struct {
	q querier
}

func (t *txStore) GetUserForUpdate(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return getUser(ctx, t.q, id, true)
}

// AdjustBalance applies delta in one guarded statement; the WHERE clause is
// the pre-condition and the CHECK constraint the post-condition.
func (t *txStore) AdjustBalance(ctx context.Context, userID uuid.UUID, delta domain.Credits) (domain.User, error) {
	var (
		u    domain.User
		tier string
	)
	err := t.q.QueryRow(ctx, `
		UPDATE users SET credit_balance = credit_balance + $2, updated_at = now()
		WHERE id = $1 AND credit_balance + $2 >= 0
		RETURNING id, tier, credit_balance, lifetime_value, updated_at
	`, userID, delta).Scan(&u.ID, &tier, &u.CreditBalance, &u.LifetimeValue, &u.UpdatedAt)
	if err == nil {
		u.Tier = domain.Tier(tier)
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, err
	}
	current, getErr := getUser(ctx, t.q, userID, false)
	if getErr != nil {
		return domain.User{}, getErr
	}
	return current, &domain.InsufficientCreditsError{Required: -delta, Available: current.CreditBalance}
}

func (t *txStore) AddLifetimeValue(ctx context.Context, userID uuid.UUID, amount domain.Credits) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE users SET lifetime_value = lifetime_value + $2, updated_at = now() WHERE id = $1
	`, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (t *txStore) GetProfile(ctx context.Context, id uuid.UUID) (domain.Profile, error) {
	var p domain.Profile
	err := t.q.QueryRow(ctx, `
		SELECT id, is_featured, required_specializations FROM profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.IsFeatured, &p.RequiredSpecializations)
	return p, mapNotFound(err, "profile", id)
}

func (t *txStore) InsertChat(ctx context.Context, c domain.Chat) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO chats (`+chatColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, c.ID, c.UserID, c.ProfileID, string(c.Status), c.AssignedOperatorID, c.AssignmentCount,
		nonNilUUIDs(c.PreviousOperatorIDs), c.Flags.Strings(), closeReasonArg(c.CloseReason), c.LastMessageAt,
		c.LastUserMessageAt, c.LastOperatorActivityAt, c.MessageCount, c.UserMessageCount,
		c.TotalCreditsSpent, c.EscalatedAt, c.CreatedAt, c.UpdatedAt, c.AssignedAt)
	return err
}

func (t *txStore) GetChatForUpdate(ctx context.Context, id uuid.UUID) (domain.Chat, error) {
	c, err := scanChat(t.q.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1 FOR UPDATE`, id))
	return c, mapNotFound(err, "chat", id)
}

func (t *txStore) UpdateChat(ctx context.Context, c domain.Chat, expected domain.ChatStatus) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE chats SET
			status = $2,
			assigned_operator_id = $3,
			assignment_count = $4,
			previous_operator_ids = $5,
			flags = $6,
			close_reason = $7,
			last_message_at = $8,
			last_user_message_at = $9,
			last_operator_activity_at = $10,
			message_count = $11,
			user_message_count = $12,
			total_credits_spent = $13,
			escalated_at = $14,
			updated_at = $15,
			assigned_at = $17
		WHERE id = $1 AND status = $16
	`, c.ID, string(c.Status), c.AssignedOperatorID, c.AssignmentCount, nonNilUUIDs(c.PreviousOperatorIDs),
		c.Flags.Strings(), closeReasonArg(c.CloseReason), c.LastMessageAt, c.LastUserMessageAt,
		c.LastOperatorActivityAt, c.MessageCount, c.UserMessageCount, c.TotalCreditsSpent, c.EscalatedAt,
		c.UpdatedAt, string(expected), c.AssignedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txStore) CountOpenChats(ctx context.Context, operatorID uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		SELECT count(*) FROM chats WHERE assigned_operator_id = $1 AND status IN ('active', 'idle')
	`, operatorID).Scan(&n)
	return n, err
}

func (t *txStore) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO messages (id, chat_id, sender_type, sender_id, content, is_free_message, credits_charged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ChatID, string(m.SenderType), m.SenderID, m.Content, m.IsFreeMessage, m.CreditsCharged, m.CreatedAt)
	if isPgCode(err, pgCheckViolation) {
		return fmt.Errorf("message %s: %w", m.ID, domain.ErrInvariant)
	}
	return err
}

func (t *txStore) GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	var (
		m      domain.Message
		sender string
	)
	err := t.q.QueryRow(ctx, `
		SELECT id, chat_id, sender_type, sender_id, content, is_free_message, credits_charged, created_at
		FROM messages WHERE id = $1
	`, id).Scan(&m.ID, &m.ChatID, &sender, &m.SenderID, &m.Content, &m.IsFreeMessage, &m.CreditsCharged, &m.CreatedAt)
	if err != nil {
		return domain.Message{}, mapNotFound(err, "message", id)
	}
	m.SenderType = domain.SenderType(sender)
	return m, nil
}

func (t *txStore) GetOperatorForUpdate(ctx context.Context, id uuid.UUID) (domain.Operator, error) {
	o, err := scanOperator(t.q.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1 FOR UPDATE`, id))
	return o, mapNotFound(err, "operator", id)
}

func (t *txStore) SetOperatorAvailability(ctx context.Context, id uuid.UUID, available bool) (domain.Operator, error) {
	o, err := scanOperator(t.q.QueryRow(ctx, `
		UPDATE operators SET is_available = $2, updated_at = now() WHERE id = $1
		RETURNING `+operatorColumns, id, available))
	return o, mapNotFound(err, "operator", id)
}

func (t *txStore) AdjustOperatorLoad(ctx context.Context, id uuid.UUID, delta int) (domain.Operator, error) {
	o, err := scanOperator(t.q.QueryRow(ctx, `
		UPDATE operators SET current_chat_count = current_chat_count + $2, updated_at = now()
		WHERE id = $1
		  AND current_chat_count + $2 >= 0
		  AND ($2 <= 0 OR current_chat_count + $2 <= max_concurrent_chats)
		RETURNING `+operatorColumns, id, delta))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Operator{}, err
	}
	current, getErr := t.GetOperatorForUpdate(ctx, id)
	if getErr != nil {
		return domain.Operator{}, getErr
	}
	if delta > 0 {
		return current, fmt.Errorf("operator %s at capacity: %w", id, domain.ErrAssignmentConflict)
	}
	return current, fmt.Errorf("operator %s load %d%+d: %w", id, current.CurrentChatCount, delta, domain.ErrInvariant)
}

func (t *txStore) IncrementIdleIncidents(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		UPDATE operators SET idle_incidents = idle_incidents + 1, updated_at = now()
		WHERE id = $1 RETURNING idle_incidents
	`, id).Scan(&n)
	return n, mapNotFound(err, "operator", id)
}

func (t *txStore) InsertQueueEntry(ctx context.Context, e domain.QueueEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO queue_entries (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ChatID, e.PriorityScore, string(e.UserTier), e.LifetimeValue, e.EnteredQueueAt, e.Attempts,
		nonNilStrings(e.RequiredSpecializations), nonNilUUIDs(e.ExcludedOperatorIDs))
	if isPgCode(err, pgUniqueViolation) {
		return fmt.Errorf("chat %s already queued: %w", e.ChatID, domain.ErrAssignmentConflict)
	}
	return err
}

func (t *txStore) ListQueueEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	return listQueueEntries(ctx, t.q)
}

func (t *txStore) ClaimQueueEntry(ctx context.Context, chatID uuid.UUID) (domain.QueueEntry, bool, error) {
	e, err := scanQueueEntry(t.q.QueryRow(ctx, `
		DELETE FROM queue_entries WHERE chat_id = $1 RETURNING `+queueColumns, chatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	return e, true, nil
}

func (t *txStore) RecordQueueMiss(ctx context.Context, chatID uuid.UUID, priority float64) error {
	_, err := t.q.Exec(ctx, `
		UPDATE queue_entries SET attempts = attempts + 1, priority_score = $2 WHERE chat_id = $1
	`, chatID, priority)
	return err
}

func (t *txStore) ListAvailableOperators(ctx context.Context) ([]domain.Operator, error) {
	return listAvailableOperators(ctx, t.q)
}

func (t *txStore) InsertAssignmentRecord(ctx context.Context, r domain.AssignmentRecord) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO assignment_records (id, chat_id, from_operator_id, to_operator_id, reason, actor, counted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.ChatID, r.FromOperatorID, r.ToOperatorID, string(r.Reason), r.Actor, r.Counted, r.CreatedAt)
	return err
}

func (t *txStore) InsertTransaction(ctx context.Context, p domain.PaymentTransaction) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.UserID, p.ProviderReference, string(p.Status), p.CreditsAmount, p.WebhookReceivedCount,
		p.NeedsManualReview, resolvedByArg(p.ResolvedBy), p.CreatedAt, p.UpdatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return fmt.Errorf("provider reference %q: %w", p.ProviderReference, domain.ErrAssignmentConflict)
	}
	return err
}

func (t *txStore) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (domain.PaymentTransaction, error) {
	p, err := scanTransaction(t.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1 FOR UPDATE`, id))
	return p, mapNotFound(err, "transaction", id)
}

func (t *txStore) GetTransactionByReferenceForUpdate(ctx context.Context, reference string) (domain.PaymentTransaction, error) {
	p, err := scanTransaction(t.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE provider_reference = $1 FOR UPDATE`, reference))
	return p, mapNotFound(err, "transaction reference", reference)
}

func (t *txStore) UpdateTransaction(ctx context.Context, p domain.PaymentTransaction, expected domain.TransactionStatus) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $2, needs_manual_review = $3, resolved_by = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`, p.ID, string(p.Status), p.NeedsManualReview, resolvedByArg(p.ResolvedBy), p.UpdatedAt, string(expected))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txStore) IncrementWebhookCount(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		UPDATE payment_transactions SET webhook_received_count = webhook_received_count + 1
		WHERE id = $1 RETURNING webhook_received_count
	`, id).Scan(&n)
	return n, mapNotFound(err, "transaction", id)
}

func (t *txStore) InsertRefund(ctx context.Context, r domain.Refund) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO refunds (id, message_id, user_id, amount, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.MessageID, r.UserID, r.Amount, string(r.Reason), r.Actor, r.CreatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return domain.ErrAlreadyRefunded
	}
	return err
}

func (t *txStore) InsertAdminNotification(ctx context.Context, n domain.AdminNotification) error {
	details, err := json.Marshal(n.Details)
	if err != nil {
		return fmt.Errorf("encode notification details: %w", err)
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO admin_notifications (id, kind, severity, title, body, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, string(n.Kind), string(n.Severity), n.Title, n.Body, details, n.CreatedAt)
	return err
}

func scanNotification(row pgx.Row) (domain.AdminNotification, error) {
	var (
		n        domain.AdminNotification
		kind     string
		severity string
		raw      []byte
	)
	if err := row.Scan(&n.ID, &kind, &severity, &n.Title, &n.Body, &raw, &n.CreatedAt); err != nil {
		return domain.AdminNotification{}, err
	}
	n.Kind = domain.NotificationKind(kind)
	n.Severity = domain.Severity(severity)
	details, err := decodeDetails(n.Kind, raw)
	if err != nil {
		return domain.AdminNotification{}, fmt.Errorf("notification %s: %w", n.ID, err)
	}
	n.Details = details
	return n, nil
}

func decodeDetails(kind domain.NotificationKind, raw []byte) (domain.NotificationDetails, error) {
	switch kind {
	case domain.NotifySweepSummary:
		var d domain.SweepDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case domain.NotifyManualReview, domain.NotifyReconcileMismatch:
		var d domain.PaymentDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case domain.NotifyWebhookVerification:
		var d domain.WebhookFailureDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case domain.NotifyReassignmentEscalate:
		var d domain.ChatDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	}
	return nil, fmt.Errorf("unknown notification kind %q", kind)
}

func nonNilUUIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func closeReasonArg(r *domain.CloseReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}

func resolvedByArg(r *domain.ResolvedBy) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}
