package service

import (
	"errors"

	"paychat_backend/internal/domain"
	"paychat_backend/platform/apperr"
)

const (
	msgChatNotFound     = "chat not found"
	msgMessageNotFound  = "message not found"
	msgOperatorNotFound = "operator not found"
	msgChatClosed       = "chat is closed"
	msgEmptyContent     = "message content is empty"
)

// mapError converts engine sentinels into typed application errors.
func mapError(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	if ic, ok := domain.IsInsufficientCredits(err); ok {
		return apperr.New(apperr.KindPaymentRequired, "insufficient credits").WithDetails(map[string]domain.Credits{
			"required":  ic.Required,
			"available": ic.Available,
		})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperr.NotFound(notFound)
	case errors.Is(err, domain.ErrChatClosed):
		return apperr.Conflict(msgChatClosed)
	case errors.Is(err, domain.ErrReassignmentLimit):
		return apperr.Conflict("reassignment limit reached; chat escalated for admin review")
	case errors.Is(err, domain.ErrAssignmentConflict), errors.Is(err, domain.ErrIllegalTransition):
		return apperr.Wrap(apperr.KindConflict, err.Error(), err)
	case errors.Is(err, domain.ErrAlreadyRefunded):
		return apperr.Conflict("message already refunded")
	}
	return apperr.Wrap(apperr.KindInternal, "internal error", err)
}
