// Package service implements the operator-facing use cases.
package service

import (
	"context"
	"errors"
	"log/slog"

	"paychat_backend/internal/assignment"
	"paychat_backend/internal/domain"
	"paychat_backend/internal/operators/transport"
	"paychat_backend/internal/queue"
	"paychat_backend/internal/store"
	"paychat_backend/platform/apperr"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

// Service handles operator business logic.
type Service struct {
	store store.Store
	queue *queue.Manager
	coord *assignment.Coordinator
	log   *logger.Logger
}

// New creates a new operator service.
func New(st store.Store, q *queue.Manager, coord *assignment.Coordinator, log *logger.Logger) *Service {
	return &Service{store: st, queue: q, coord: coord, log: log}
}

// GetOperator returns the operator's current state.
func (s *Service) GetOperator(ctx context.Context, operatorID uuid.UUID) (transport.OperatorResponse, error) {
	op, err := s.store.GetOperator(ctx, operatorID)
	if err != nil {
		return transport.OperatorResponse{}, mapError(err)
	}
	return transport.ToOperatorResponse(op), nil
}

// SetAvailability toggles whether the operator takes new chats. Going
// offline is refused while active or idle chats remain. Coming online pulls
// eligible chats from the queue up to capacity.
func (s *Service) SetAvailability(ctx context.Context, operatorID uuid.UUID, available bool) (transport.AvailabilityResponse, error) {
	var op domain.Operator
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetOperatorForUpdate(ctx, operatorID)
		if err != nil {
			return err
		}
		if !available {
			open, err := tx.CountOpenChats(ctx, operatorID)
			if err != nil {
				return err
			}
			if open > 0 {
				return apperr.Conflict(domain.ErrOperatorHasChats.Error()).
					WithDetails(map[string]int{"openChats": open})
			}
		}
		if current.IsAvailable == available {
			op = current
			return nil
		}
		op, err = tx.SetOperatorAvailability(ctx, operatorID, available)
		return err
	})
	if err != nil {
		return transport.AvailabilityResponse{}, mapError(err)
	}
	s.log.Info("operator availability changed",
		slog.String("operator_id", operatorID.String()),
		slog.Bool("available", available),
	)

	resp := transport.AvailabilityResponse{Operator: transport.ToOperatorResponse(op)}
	if available {
		resp.Assigned = s.fill(ctx, operatorID)
		if refreshed, err := s.store.GetOperator(ctx, operatorID); err == nil {
			resp.Operator = transport.ToOperatorResponse(refreshed)
		}
	}
	return resp, nil
}

// AcceptChat hands the operator the best queued chat it is eligible for.
// ok is false when nothing is waiting for this operator.
func (s *Service) AcceptChat(ctx context.Context, operatorID uuid.UUID) (transport.AcceptResponse, bool, error) {
	match, err := s.queue.DequeueFor(ctx, operatorID)
	if errors.Is(err, domain.ErrNoEligibleOperator) {
		return transport.AcceptResponse{}, false, nil
	}
	if err != nil {
		return transport.AcceptResponse{}, false, mapError(err)
	}
	return transport.AcceptResponse{
		ChatID:          match.Entry.ChatID.String(),
		UserTier:        string(match.Entry.UserTier),
		PriorityScore:   match.Entry.PriorityScore,
		AssignmentCount: match.Outcome.Chat.AssignmentCount,
	}, true, nil
}

// ReleaseChat hands a chat back to the queue and lets the dispatcher try to
// place it with someone else.
func (s *Service) ReleaseChat(ctx context.Context, operatorID, chatID uuid.UUID) (transport.ReleaseResponse, error) {
	entry, err := s.coord.Release(ctx, chatID, operatorID)
	if err != nil {
		return transport.ReleaseResponse{}, mapError(err)
	}
	if _, err := s.queue.Dispatch(ctx); err != nil {
		s.log.Warn("queue dispatch after release failed", slog.String("error", err.Error()))
	}

	excluded := make([]string, 0, len(entry.ExcludedOperatorIDs))
	for _, id := range entry.ExcludedOperatorIDs {
		excluded = append(excluded, id.String())
	}
	return transport.ReleaseResponse{
		ChatID:         entry.ChatID.String(),
		EnteredQueueAt: entry.EnteredQueueAt,
		Excluded:       excluded,
	}, nil
}

// fill pulls chats for the operator until it is full or nothing fits.
func (s *Service) fill(ctx context.Context, operatorID uuid.UUID) int {
	assigned := 0
	for {
		_, err := s.queue.DequeueFor(ctx, operatorID)
		if errors.Is(err, domain.ErrNoEligibleOperator) {
			return assigned
		}
		if err != nil {
			s.log.Warn("queue pickup failed",
				slog.String("operator_id", operatorID.String()),
				slog.String("error", err.Error()),
			)
			return assigned
		}
		assigned++
	}
}

func mapError(err error) error {
	var typed *apperr.Error
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, domain.ErrNotFound):
		return apperr.NotFound("operator or chat not found")
	case errors.Is(err, domain.ErrChatClosed):
		return apperr.Conflict("chat is closed")
	case errors.Is(err, domain.ErrAssignmentConflict), errors.Is(err, domain.ErrIllegalTransition):
		return apperr.Wrap(apperr.KindConflict, err.Error(), err)
	}
	return apperr.Wrap(apperr.KindInternal, "internal error", err)
}
