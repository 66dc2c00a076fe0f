// Package queue holds unassigned chats and pairs them with operators.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

// maxDispatchRounds bounds a single Dispatch run.
const maxDispatchRounds = 1000

// Assigner performs the handoff once a queue entry has been claimed.
type Assigner interface {
	AssignTx(ctx context.Context, tx store.Tx, req domain.AssignRequest) (domain.AssignmentOutcome, error)
	Announce(ctx context.Context, out domain.AssignmentOutcome)
}

// Match is a queue entry paired with the operator chosen for it.
type Match struct {
	Entry    domain.QueueEntry
	Operator domain.Operator
	Outcome  domain.AssignmentOutcome
}

// DispatchResult summarises a Dispatch run.
type DispatchResult struct {
	Assigned  int
	Escalated int
}

// Manager owns the queue.
type Manager struct {
	store    store.Store
	assigner Assigner
	weights  Weights
	clock    clock.Clock
	log      *logger.Logger
}

// NewManager creates a queue manager. SetAssigner must be called before any
// dequeue operation.
func NewManager(st store.Store, weights Weights, clk clock.Clock, log *logger.Logger) *Manager {
	return &Manager{store: st, weights: weights, clock: clk, log: log}
}

// SetAssigner wires the coordinator that performs handoffs.
func (m *Manager) SetAssigner(a Assigner) {
	m.assigner = a
}

// Weights returns the scoring parameters.
func (m *Manager) Weights() Weights {
	return m.weights
}

// Enqueue places an unassigned chat in the queue.
func (m *Manager) Enqueue(ctx context.Context, chat domain.Chat, excluded []uuid.UUID) (domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = m.EnqueueTx(ctx, tx, chat, excluded)
		return err
	})
	return entry, err
}

// EnqueueTx places chat in the queue inside the caller's transaction.
func (m *Manager) EnqueueTx(ctx context.Context, tx store.Tx, chat domain.Chat, excluded []uuid.UUID) (domain.QueueEntry, error) {
	if chat.AssignedOperatorID != nil {
		return domain.QueueEntry{}, fmt.Errorf("enqueue chat %s held by %s: %w", chat.ID, chat.AssignedOperatorID, domain.ErrInvariant)
	}
	if !chat.Status.CountsTowardLoad() {
		return domain.QueueEntry{}, fmt.Errorf("enqueue %s chat %s: %w", chat.Status, chat.ID, domain.ErrIllegalTransition)
	}

	user, err := tx.GetUserForUpdate(ctx, chat.UserID)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	profile, err := tx.GetProfile(ctx, chat.ProfileID)
	if err != nil {
		return domain.QueueEntry{}, err
	}

	now := clock.UTCNow(m.clock)
	entry := domain.QueueEntry{
		ChatID:                  chat.ID,
		UserTier:                user.Tier,
		LifetimeValue:           user.LifetimeValue,
		EnteredQueueAt:          now,
		RequiredSpecializations: append([]string(nil), profile.RequiredSpecializations...),
		ExcludedOperatorIDs:     append([]uuid.UUID(nil), excluded...),
	}
	entry.PriorityScore = m.weights.Score(entry, now)

	if err := tx.InsertQueueEntry(ctx, entry); err != nil {
		return domain.QueueEntry{}, err
	}
	m.log.Info("chat queued",
		slog.String("chat_id", chat.ID.String()),
		slog.String("tier", string(entry.UserTier)),
		slog.Float64("priority", entry.PriorityScore),
		slog.Int("excluded", len(entry.ExcludedOperatorIDs)),
	)
	return entry, nil
}

// DequeueBestMatch pairs the highest-priority entry that has an eligible
// operator with its best operator. When nothing matches every entry's
// attempts are incremented and domain.ErrNoEligibleOperator is returned.
func (m *Manager) DequeueBestMatch(ctx context.Context) (Match, error) {
	var (
		match   Match
		matched bool
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		matched = false
		entries, err := tx.ListQueueEntries(ctx)
		if err != nil {
			return err
		}
		ops, err := tx.ListAvailableOperators(ctx)
		if err != nil {
			return err
		}
		now := clock.UTCNow(m.clock)
		entries = m.weights.rank(entries, now)

		for _, entry := range entries {
			found, ok, err := m.tryEntry(ctx, tx, entry, candidates(ops, entry), domain.ReasonQueueMatch, domain.SystemActor)
			if err != nil {
				return err
			}
			if ok {
				match, matched = found, true
				return nil
			}
		}

		for _, entry := range entries {
			if err := tx.RecordQueueMiss(ctx, entry.ChatID, entry.PriorityScore); err != nil {
				return err
			}
		}
		if len(entries) > 0 {
			m.log.Debug("no eligible operator for queued chats", slog.Int("queued", len(entries)))
		}
		return nil
	})
	if err != nil {
		return Match{}, err
	}
	if !matched {
		return Match{}, domain.ErrNoEligibleOperator
	}
	m.assigner.Announce(ctx, match.Outcome)
	return match, nil
}

// DequeueFor hands the highest-priority entry operatorID is eligible for to
// that operator. Entries that hit the reassignment limit on the way are
// escalated and skipped.
//
// Locks are taken queue row, then chat, then operator, like every other
// assignment path. The operator is only read here for filtering; the
// assignment re-checks it under lock and AdjustOperatorLoad enforces
// capacity.
func (m *Manager) DequeueFor(ctx context.Context, operatorID uuid.UUID) (Match, error) {
	op, err := m.store.GetOperator(ctx, operatorID)
	if err != nil {
		return Match{}, err
	}
	if !op.IsAvailable || op.IsSuspended || !op.HasCapacity() {
		return Match{}, fmt.Errorf("operator %s cannot take chats: %w", operatorID, domain.ErrNoEligibleOperator)
	}

	var (
		match     Match
		matched   bool
		escalated []domain.AssignmentOutcome
	)
	err = m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		matched, escalated = false, nil
		entries, err := tx.ListQueueEntries(ctx)
		if err != nil {
			return err
		}
		entries = m.weights.rank(entries, clock.UTCNow(m.clock))

		actor := "operator:" + operatorID.String()
		for _, entry := range entries {
			if !op.EligibleFor(entry) {
				continue
			}
			found, ok, err := m.tryEntry(ctx, tx, entry, []domain.Operator{op}, domain.ReasonOperatorAccept, actor)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if found.Outcome.Escalated {
				escalated = append(escalated, found.Outcome)
				continue
			}
			match, matched = found, true
			return nil
		}
		return nil
	})
	if err != nil {
		return Match{}, err
	}
	for _, out := range escalated {
		m.assigner.Announce(ctx, out)
	}
	if !matched {
		return Match{}, domain.ErrNoEligibleOperator
	}
	m.assigner.Announce(ctx, match.Outcome)
	return match, nil
}

// Dispatch drains the queue until no entry can be matched.
func (m *Manager) Dispatch(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	for i := 0; i < maxDispatchRounds; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		match, err := m.DequeueBestMatch(ctx)
		if errors.Is(err, domain.ErrNoEligibleOperator) {
			break
		}
		if err != nil {
			return res, err
		}
		if match.Outcome.Escalated {
			res.Escalated++
		} else {
			res.Assigned++
		}
	}
	if res.Assigned > 0 || res.Escalated > 0 {
		m.log.Info("queue dispatched",
			slog.Int("assigned", res.Assigned),
			slog.Int("escalated", res.Escalated),
		)
	}
	return res, nil
}

// tryEntry claims entry and hands it to the first operator in ops that
// accepts it. ok is false when the entry was taken by someone else or no
// operator could take it; the entry is then left in the queue.
func (m *Manager) tryEntry(ctx context.Context, tx store.Tx, entry domain.QueueEntry, ops []domain.Operator, reason domain.AssignmentReason, actor string) (Match, bool, error) {
	if len(ops) == 0 {
		return Match{}, false, nil
	}
	claimed, ok, err := tx.ClaimQueueEntry(ctx, entry.ChatID)
	if err != nil || !ok {
		return Match{}, false, err
	}

	for _, op := range ops {
		out, err := m.assigner.AssignTx(ctx, tx, domain.AssignRequest{
			ChatID:     claimed.ChatID,
			OperatorID: op.ID,
			Reason:     reason,
			Actor:      actor,
		})
		if errors.Is(err, domain.ErrAssignmentConflict) {
			m.log.Debug("operator rejected queued chat",
				slog.String("chat_id", claimed.ChatID.String()),
				slog.String("operator_id", op.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if errors.Is(err, domain.ErrChatClosed) || errors.Is(err, domain.ErrIllegalTransition) {
			m.log.Warn("dropping stale queue entry",
				slog.String("chat_id", claimed.ChatID.String()),
				slog.String("error", err.Error()),
			)
			return Match{}, false, nil
		}
		if err != nil {
			return Match{}, false, err
		}
		claimed.PriorityScore = entry.PriorityScore
		return Match{Entry: claimed, Operator: op, Outcome: out}, true, nil
	}

	if err := tx.InsertQueueEntry(ctx, claimed); err != nil {
		return Match{}, false, err
	}
	return Match{}, false, nil
}
