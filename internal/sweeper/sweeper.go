// Package sweeper runs the periodic timeout scans. Every sweep reads a
// snapshot of candidates and then re-locks each row in its own transaction,
// so a sweep can run concurrently with itself and with live traffic.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"paychat_backend/internal/assignment"
	"paychat_backend/internal/domain"
	"paychat_backend/internal/lifecycle"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/store"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/config"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	SweepInactiveChats = "inactive_chats"
	SweepEscalations   = "escalations"
)

const (
	actionIdled            = "idled"
	actionClosedInactive   = "closed_inactive"
	actionOperatorIdle     = "operator_idle"
	actionQueueTimeout     = "queue_timeout"
	actionDroppedStale     = "dropped_stale_entry"
	actionClosedEscalation = "closed_escalation"
)

// errSkip rolls back a row whose condition no longer holds.
var errSkip = errors.New("row no longer eligible")

// Options bounds a sweep run and grades its summary.
type Options struct {
	BatchSize         int
	HighThreshold     int
	CriticalThreshold int
}

// OptionsFromConfig reads sweep options from engine config.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		BatchSize:         cfg.GetSweepBatchSize(),
		HighThreshold:     cfg.GetSweepHighThreshold(),
		CriticalThreshold: cfg.GetSweepCriticalThreshold(),
	}
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{BatchSize: 500, HighThreshold: 10, CriticalThreshold: 50}
}

// Raiser persists admin notifications.
type Raiser interface {
	Raise(ctx context.Context, d notification.Draft) (domain.AdminNotification, error)
}

// Report summarizes one sweep run.
type Report struct {
	Sweep    string          `json:"sweep"`
	Scanned  int             `json:"scanned"`
	Affected int             `json:"affected"`
	Failed   int             `json:"failed"`
	ByAction map[string]int  `json:"byAction"`
	Severity domain.Severity `json:"severity"`
}

func newReport(sweep string) *Report {
	return &Report{Sweep: sweep, ByAction: make(map[string]int)}
}

// Sweeper drives timeout transitions.
type Sweeper struct {
	store    store.Store
	coord    *assignment.Coordinator
	notifier Raiser
	policy   lifecycle.Policy
	opts     Options
	clock    clock.Clock
	log      *logger.Logger
}

// New creates a sweeper.
func New(st store.Store, coord *assignment.Coordinator, notifier Raiser, policy lifecycle.Policy, opts Options, clk clock.Clock, log *logger.Logger) *Sweeper {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	return &Sweeper{
		store:    st,
		coord:    coord,
		notifier: notifier,
		policy:   policy,
		opts:     opts,
		clock:    clk,
		log:      log,
	}
}

type outcome struct {
	action string
	chat   domain.Chat
	flag   domain.Flag
	closed bool
}

// SweepInactiveChats closes chats silent past the inactivity timeout and
// marks quiet active chats idle.
func (s *Sweeper) SweepInactiveChats(ctx context.Context) (Report, error) {
	rep := newReport(SweepInactiveChats)
	now := clock.UTCNow(s.clock)
	var listErrs []error

	stale, err := s.store.ListInactiveChats(ctx, now.Add(-s.policy.InactivityTimeout), s.opts.BatchSize)
	if err != nil {
		listErrs = append(listErrs, s.listFailed(rep, "list inactive chats", err))
	}
	rep.Scanned += len(stale)
	for _, c := range stale {
		s.apply(ctx, rep, c.ID, func(ctx context.Context, tx store.Tx) (outcome, error) {
			chat, err := s.coord.LockChatTx(ctx, tx, c.ID)
			if err != nil {
				return outcome{}, err
			}
			if !s.policy.InactivityExpired(chat, now) {
				return outcome{}, errSkip
			}
			closed, err := s.coord.CloseTx(ctx, tx, chat, domain.CloseReasonInactivity, now)
			if err != nil {
				return outcome{}, err
			}
			return outcome{action: actionClosedInactive, chat: closed, closed: true}, nil
		})
	}

	if s.policy.ChatIdleAfter > 0 {
		quiet, err := s.store.ListIdleCandidates(ctx, now.Add(-s.policy.ChatIdleAfter), s.opts.BatchSize)
		if err != nil {
			listErrs = append(listErrs, s.listFailed(rep, "list idle candidates", err))
		}
		rep.Scanned += len(quiet)
		for _, c := range quiet {
			s.apply(ctx, rep, c.ID, func(ctx context.Context, tx store.Tx) (outcome, error) {
				chat, err := tx.GetChatForUpdate(ctx, c.ID)
				if err != nil {
					return outcome{}, err
				}
				if !s.policy.ShouldIdle(chat, now) {
					return outcome{}, errSkip
				}
				if err := lifecycle.MarkIdle(&chat, now); err != nil {
					return outcome{}, err
				}
				ok, err := tx.UpdateChat(ctx, chat, domain.ChatStatusActive)
				if err != nil {
					return outcome{}, err
				}
				if !ok {
					return outcome{}, errSkip
				}
				return outcome{action: actionIdled, chat: chat}, nil
			})
		}
	}

	s.finish(ctx, rep)
	return *rep, errors.Join(listErrs...)
}

// SweepEscalations escalates chats whose operator went quiet and queue
// entries that waited too long, then closes escalations nobody picked up.
func (s *Sweeper) SweepEscalations(ctx context.Context) (Report, error) {
	rep := newReport(SweepEscalations)
	now := clock.UTCNow(s.clock)
	var listErrs []error

	idle, err := s.store.ListOperatorIdleCandidates(ctx, now.Add(-s.policy.OperatorIdleThreshold), s.opts.BatchSize)
	if err != nil {
		listErrs = append(listErrs, s.listFailed(rep, "list operator idle candidates", err))
	}
	rep.Scanned += len(idle)
	for _, c := range idle {
		s.apply(ctx, rep, c.ID, func(ctx context.Context, tx store.Tx) (outcome, error) {
			chat, err := s.coord.LockChatTx(ctx, tx, c.ID)
			if err != nil {
				return outcome{}, err
			}
			if !s.policy.OperatorIdle(chat, now) {
				return outcome{}, errSkip
			}
			operatorID := *chat.AssignedOperatorID
			escalated, _, err := s.coord.EscalateTx(ctx, tx, chat, domain.FlagOperatorIdle, now)
			if err != nil {
				return outcome{}, err
			}
			if _, err := tx.IncrementIdleIncidents(ctx, operatorID); err != nil {
				return outcome{}, err
			}
			return outcome{action: actionOperatorIdle, chat: escalated, flag: domain.FlagOperatorIdle}, nil
		})
	}

	stuck, err := s.store.ListStuckQueueEntries(ctx, now.Add(-s.policy.QueueTimeout), s.policy.QueueTimeoutMinAttempts, s.opts.BatchSize)
	if err != nil {
		listErrs = append(listErrs, s.listFailed(rep, "list stuck queue entries", err))
	}
	rep.Scanned += len(stuck)
	for _, e := range stuck {
		s.apply(ctx, rep, e.ChatID, func(ctx context.Context, tx store.Tx) (outcome, error) {
			entry, ok, err := tx.ClaimQueueEntry(ctx, e.ChatID)
			if err != nil {
				return outcome{}, err
			}
			if !ok || !s.policy.QueueTimedOut(entry, now) {
				return outcome{}, errSkip
			}
			chat, err := tx.GetChatForUpdate(ctx, e.ChatID)
			if err != nil {
				return outcome{}, err
			}
			escalated, _, err := s.coord.EscalateTx(ctx, tx, chat, domain.FlagQueueTimeout, now)
			if errors.Is(err, domain.ErrChatClosed) {
				return outcome{action: actionDroppedStale}, nil
			}
			if err != nil {
				return outcome{}, err
			}
			return outcome{action: actionQueueTimeout, chat: escalated, flag: domain.FlagQueueTimeout}, nil
		})
	}

	if s.policy.EscalationAutoCloseAfter > 0 {
		expired, err := s.store.ListStaleEscalations(ctx, now.Add(-s.policy.EscalationAutoCloseAfter), s.opts.BatchSize)
		if err != nil {
			listErrs = append(listErrs, s.listFailed(rep, "list stale escalations", err))
		}
		rep.Scanned += len(expired)
		for _, c := range expired {
			s.apply(ctx, rep, c.ID, func(ctx context.Context, tx store.Tx) (outcome, error) {
				chat, err := s.coord.LockChatTx(ctx, tx, c.ID)
				if err != nil {
					return outcome{}, err
				}
				if !s.policy.EscalationExpired(chat, now) {
					return outcome{}, errSkip
				}
				closed, err := s.coord.CloseTx(ctx, tx, chat, domain.CloseReasonEscalationTimeout, now)
				if err != nil {
					return outcome{}, err
				}
				return outcome{action: actionClosedEscalation, chat: closed, closed: true}, nil
			})
		}
	}

	s.finish(ctx, rep)
	return *rep, errors.Join(listErrs...)
}

// apply runs fn for one row in its own transaction. Rows that moved on
// since the snapshot are skipped; other failures are logged and counted.
func (s *Sweeper) apply(ctx context.Context, rep *Report, chatID uuid.UUID, fn func(ctx context.Context, tx store.Tx) (outcome, error)) {
	var out outcome
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, errSkip), errors.Is(err, domain.ErrAssignmentConflict), errors.Is(err, domain.ErrNotFound):
		return
	default:
		rep.Failed++
		s.log.Error("sweep row failed",
			slog.String("sweep", rep.Sweep),
			slog.String("chat_id", chatID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	rep.Affected++
	rep.ByAction[out.action]++
	switch {
	case out.closed:
		s.coord.AnnounceClosed(ctx, out.chat)
	case out.flag != "":
		s.coord.AnnounceEscalated(ctx, out.chat, out.flag)
	}
}

func (s *Sweeper) listFailed(rep *Report, op string, err error) error {
	rep.Failed++
	s.log.DatabaseError(op, err)
	return fmt.Errorf("%s: %w", op, err)
}

// finish grades the run and raises a summary when anything happened.
func (s *Sweeper) finish(ctx context.Context, rep *Report) {
	rep.Severity = notification.SweepSeverity(rep.Affected, rep.Failed, s.opts.HighThreshold, s.opts.CriticalThreshold)
	s.log.SweepSummary(rep.Sweep, rep.Scanned, rep.Affected, rep.Failed)
	if rep.Affected == 0 && rep.Failed == 0 {
		return
	}
	_, err := s.notifier.Raise(ctx, notification.Draft{
		Kind:     domain.NotifySweepSummary,
		Severity: rep.Severity,
		Title:    fmt.Sprintf("Sweep %s finished", rep.Sweep),
		Body:     fmt.Sprintf("%d affected, %d failed out of %d scanned", rep.Affected, rep.Failed, rep.Scanned),
		Details: domain.SweepDetails{
			Sweep:    rep.Sweep,
			Scanned:  rep.Scanned,
			Affected: rep.Affected,
			Failed:   rep.Failed,
			ByAction: rep.ByAction,
		},
	})
	if err != nil {
		s.log.Error("failed to raise sweep summary", slog.String("sweep", rep.Sweep), slog.String("error", err.Error()))
	}
}
