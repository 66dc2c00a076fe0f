// Package store defines the persistence port of the chat engine. Every
// mutation of shared state happens inside WithTx against a row the Tx has
// locked, or through a single conditional statement.
package store

import (
	"context"
	"time"

	"paychat_backend/internal/domain"

	"github.com/google/uuid"
)

// Store is implemented by the postgres and memory backends.
type Store interface {
	// WithTx runs fn in one transaction. A non-nil error from fn rolls
	// everything back; nothing fn did is visible afterwards. fn may run more
	// than once when the backend retries an aborted transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Reader
}

// Reader holds non-locking snapshot reads.
type Reader interface {
	GetChat(ctx context.Context, id uuid.UUID) (domain.Chat, error)
	GetOperator(ctx context.Context, id uuid.UUID) (domain.Operator, error)
	GetUser(ctx context.Context, id uuid.UUID) (domain.User, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (domain.PaymentTransaction, error)
	ListQueueEntries(ctx context.Context) ([]domain.QueueEntry, error)
	ListAvailableOperators(ctx context.Context) ([]domain.Operator, error)
	ListAdminNotifications(ctx context.Context, limit int) ([]domain.AdminNotification, error)

	// Sweep candidates. Each returns at most limit rows.
	ListInactiveChats(ctx context.Context, lastMessageBefore time.Time, limit int) ([]domain.Chat, error)
	ListIdleCandidates(ctx context.Context, userSilentSince time.Time, limit int) ([]domain.Chat, error)
	ListOperatorIdleCandidates(ctx context.Context, threshold time.Time, limit int) ([]domain.Chat, error)
	ListStuckQueueEntries(ctx context.Context, enteredBefore time.Time, minAttempts, limit int) ([]domain.QueueEntry, error)
	ListStaleEscalations(ctx context.Context, escalatedBefore time.Time, limit int) ([]domain.Chat, error)
}

// Tx is the locked, transactional view of the store.
type Tx interface {
	// Users.
	GetUserForUpdate(ctx context.Context, id uuid.UUID) (domain.User, error)
	// AdjustBalance adds delta to the balance. A result below zero fails with
	// *domain.InsufficientCreditsError and leaves the row unchanged.
	AdjustBalance(ctx context.Context, userID uuid.UUID, delta domain.Credits) (domain.User, error)
	AddLifetimeValue(ctx context.Context, userID uuid.UUID, amount domain.Credits) error

	GetProfile(ctx context.Context, id uuid.UUID) (domain.Profile, error)

	// Chats.
	InsertChat(ctx context.Context, chat domain.Chat) error
	GetChatForUpdate(ctx context.Context, id uuid.UUID) (domain.Chat, error)
	// UpdateChat writes every mutable column of chat if the stored status is
	// still expected. It reports false when the row moved on.
	UpdateChat(ctx context.Context, chat domain.Chat, expected domain.ChatStatus) (bool, error)
	CountOpenChats(ctx context.Context, operatorID uuid.UUID) (int, error)

	// Messages.
	InsertMessage(ctx context.Context, msg domain.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error)

	// Operators.
	GetOperatorForUpdate(ctx context.Context, id uuid.UUID) (domain.Operator, error)
	SetOperatorAvailability(ctx context.Context, id uuid.UUID, available bool) (domain.Operator, error)
	// AdjustOperatorLoad changes current_chat_count by delta. Going above
	// max_concurrent_chats fails with domain.ErrAssignmentConflict; going
	// below zero fails with domain.ErrInvariant.
	AdjustOperatorLoad(ctx context.Context, id uuid.UUID, delta int) (domain.Operator, error)
	IncrementIdleIncidents(ctx context.Context, id uuid.UUID) (int, error)

	// Queue.
	InsertQueueEntry(ctx context.Context, entry domain.QueueEntry) error
	ListQueueEntries(ctx context.Context) ([]domain.QueueEntry, error)
	// ClaimQueueEntry deletes and returns the entry. ok is false when another
	// caller already removed it.
	ClaimQueueEntry(ctx context.Context, chatID uuid.UUID) (entry domain.QueueEntry, ok bool, err error)
	RecordQueueMiss(ctx context.Context, chatID uuid.UUID, priority float64) error
	ListAvailableOperators(ctx context.Context) ([]domain.Operator, error)

	InsertAssignmentRecord(ctx context.Context, rec domain.AssignmentRecord) error

	// Payments.
	InsertTransaction(ctx context.Context, t domain.PaymentTransaction) error
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (domain.PaymentTransaction, error)
	GetTransactionByReferenceForUpdate(ctx context.Context, reference string) (domain.PaymentTransaction, error)
	// UpdateTransaction writes status, review flag and resolver if the
	// stored status is still expected.
	UpdateTransaction(ctx context.Context, t domain.PaymentTransaction, expected domain.TransactionStatus) (bool, error)
	IncrementWebhookCount(ctx context.Context, id uuid.UUID) (int, error)

	// InsertRefund fails with domain.ErrAlreadyRefunded on a second refund
	// of the same message.
	InsertRefund(ctx context.Context, refund domain.Refund) error

	InsertAdminNotification(ctx context.Context, n domain.AdminNotification) error
}
