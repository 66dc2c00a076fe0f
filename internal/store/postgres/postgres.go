// Package postgres implements the engine store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
)

const (
	pgUniqueViolation       = "23505"
	pgCheckViolation        = "23514"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	txRetries               = 3
	txRetryBase             = 20 * time.Millisecond
	txRetryJitterPercentage = 50
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the pgx-backed store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a read-committed transaction. Row locks taken by
// the *ForUpdate methods are held until commit.
//
// A transaction Postgres aborts as a deadlock victim or serialization
// failure is rolled back and run again, up to txRetries times, so fn must
// reset anything it accumulates outside the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	backoff := retry.WithMaxRetries(txRetries, retry.WithJitterPercent(txRetryJitterPercentage, retry.NewExponential(txRetryBase)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.runTx(ctx, fn)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(ctx, &txStore{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const chatColumns = `id, user_id, profile_id, status, assigned_operator_id, assignment_count,
	previous_operator_ids, flags, close_reason, last_message_at, last_user_message_at,
	last_operator_activity_at, message_count, user_message_count, total_credits_spent,
	escalated_at, created_at, updated_at, assigned_at`

const operatorColumns = `id, is_available, is_suspended, current_chat_count, max_concurrent_chats,
	specializations, quality_score, idle_incidents, updated_at`

const queueColumns = `chat_id, priority_score, user_tier, lifetime_value, entered_queue_at, attempts,
	required_specializations, excluded_operator_ids`

const transactionColumns = `id, user_id, provider_reference, status, credits_amount,
	webhook_received_count, needs_manual_review, resolved_by, created_at, updated_at`

func scanChat(row pgx.Row) (domain.Chat, error) {
	var (
		c           domain.Chat
		status      string
		flags       []string
		closeReason *string
	)
	err := row.Scan(
		&c.ID, &c.UserID, &c.ProfileID, &status, &c.AssignedOperatorID, &c.AssignmentCount,
		&c.PreviousOperatorIDs, &flags, &closeReason, &c.LastMessageAt, &c.LastUserMessageAt,
		&c.LastOperatorActivityAt, &c.MessageCount, &c.UserMessageCount, &c.TotalCreditsSpent,
		&c.EscalatedAt, &c.CreatedAt, &c.UpdatedAt, &c.AssignedAt,
	)
	if err != nil {
		return domain.Chat{}, err
	}
	c.Status = domain.ChatStatus(status)
	if !c.Status.Valid() {
		return domain.Chat{}, fmt.Errorf("chat %s: unknown status %q", c.ID, status)
	}
	if c.Flags, err = domain.ParseFlagSet(flags); err != nil {
		return domain.Chat{}, fmt.Errorf("chat %s: %w", c.ID, err)
	}
	if closeReason != nil {
		r := domain.CloseReason(*closeReason)
		c.CloseReason = &r
	}
	return c, nil
}

func scanOperator(row pgx.Row) (domain.Operator, error) {
	var o domain.Operator
	err := row.Scan(&o.ID, &o.IsAvailable, &o.IsSuspended, &o.CurrentChatCount, &o.MaxConcurrentChats,
		&o.Specializations, &o.QualityScore, &o.IdleIncidents, &o.UpdatedAt)
	return o, err
}

func scanQueueEntry(row pgx.Row) (domain.QueueEntry, error) {
	var (
		e    domain.QueueEntry
		tier string
	)
	err := row.Scan(&e.ChatID, &e.PriorityScore, &tier, &e.LifetimeValue, &e.EnteredQueueAt, &e.Attempts,
		&e.RequiredSpecializations, &e.ExcludedOperatorIDs)
	e.UserTier = domain.Tier(tier)
	return e, err
}

func scanTransaction(row pgx.Row) (domain.PaymentTransaction, error) {
	var (
		t          domain.PaymentTransaction
		status     string
		resolvedBy *string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.ProviderReference, &status, &t.CreditsAmount,
		&t.WebhookReceivedCount, &t.NeedsManualReview, &resolvedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	t.Status = domain.TransactionStatus(status)
	if resolvedBy != nil {
		r := domain.ResolvedBy(*resolvedBy)
		t.ResolvedBy = &r
	}
	return t, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func mapNotFound(err error, kind string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", kind, id, domain.ErrNotFound)
	}
	return err
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// isRetryable reports whether err aborted the transaction in a way a fresh
// attempt can succeed.
func isRetryable(err error) bool {
	return isPgCode(err, pgDeadlockDetected) || isPgCode(err, pgSerializationFailure)
}

// Reader.

func (s *Store) GetChat(ctx context.Context, id uuid.UUID) (domain.Chat, error) {
	c, err := scanChat(s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id))
	return c, mapNotFound(err, "chat", id)
}

func (s *Store) GetOperator(ctx context.Context, id uuid.UUID) (domain.Operator, error) {
	o, err := scanOperator(s.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id))
	return o, mapNotFound(err, "operator", id)
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return getUser(ctx, s.pool, id, false)
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (domain.PaymentTransaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id))
	return t, mapNotFound(err, "transaction", id)
}

func (s *Store) ListQueueEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	return listQueueEntries(ctx, s.pool)
}

func (s *Store) ListAvailableOperators(ctx context.Context) ([]domain.Operator, error) {
	return listAvailableOperators(ctx, s.pool)
}

func (s *Store) ListAdminNotifications(ctx context.Context, limit int) ([]domain.AdminNotification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, severity, title, body, details, created_at
		FROM admin_notifications
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanNotification)
}

func (s *Store) ListInactiveChats(ctx context.Context, before time.Time, limit int) ([]domain.Chat, error) {
	return s.listChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE status IN ('active', 'idle') AND last_message_at < $1
		ORDER BY last_message_at, id
		LIMIT $2
	`, before, limit)
}

func (s *Store) ListIdleCandidates(ctx context.Context, since time.Time, limit int) ([]domain.Chat, error) {
	return s.listChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE status = 'active'
		  AND assigned_operator_id IS NOT NULL
		  AND last_user_message_at < $1
		  AND last_operator_activity_at IS NOT NULL
		  AND last_operator_activity_at >= last_user_message_at
		ORDER BY last_message_at, id
		LIMIT $2
	`, since, limit)
}

func (s *Store) ListOperatorIdleCandidates(ctx context.Context, threshold time.Time, limit int) ([]domain.Chat, error) {
	return s.listChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE status IN ('active', 'idle')
		  AND assigned_operator_id IS NOT NULL
		  AND last_user_message_at IS NOT NULL
		  AND (last_operator_activity_at IS NULL OR last_operator_activity_at < last_user_message_at)
		  AND COALESCE(GREATEST(last_operator_activity_at, assigned_at), last_user_message_at) < $1
		ORDER BY last_message_at, id
		LIMIT $2
	`, threshold, limit)
}

func (s *Store) ListStuckQueueEntries(ctx context.Context, before time.Time, minAttempts, limit int) ([]domain.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE entered_queue_at < $1 AND attempts >= $2
		ORDER BY entered_queue_at, chat_id
		LIMIT $3
	`, before, minAttempts, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanQueueEntry)
}

func (s *Store) ListStaleEscalations(ctx context.Context, before time.Time, limit int) ([]domain.Chat, error) {
	return s.listChats(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE status = 'escalated' AND escalated_at < $1
		ORDER BY escalated_at, id
		LIMIT $2
	`, before, limit)
}

func (s *Store) listChats(ctx context.Context, sql string, args ...any) ([]domain.Chat, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanChat)
}

func getUser(ctx context.Context, q querier, id uuid.UUID, lock bool) (domain.User, error) {
	sql := `SELECT id, tier, credit_balance, lifetime_value, updated_at FROM users WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var (
		u    domain.User
		tier string
	)
	err := q.QueryRow(ctx, sql, id).Scan(&u.ID, &tier, &u.CreditBalance, &u.LifetimeValue, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, mapNotFound(err, "user", id)
	}
	u.Tier = domain.Tier(tier)
	return u, nil
}

func listQueueEntries(ctx context.Context, q querier) ([]domain.QueueEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+queueColumns+` FROM queue_entries ORDER BY entered_queue_at, chat_id`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanQueueEntry)
}

func listAvailableOperators(ctx context.Context, q querier) ([]domain.Operator, error) {
	rows, err := q.Query(ctx, `
		SELECT `+operatorColumns+` FROM operators
		WHERE is_available AND NOT is_suspended AND current_chat_count < max_concurrent_chats
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOperator)
}
