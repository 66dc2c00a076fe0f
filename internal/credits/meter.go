package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/store"
	"paychat_backend/platform/apperr"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

// Meter prices messages and applies debits and refunds.
type Meter struct {
	store   store.Store
	pricing Pricing
	clock   clock.Clock
	log     *logger.Logger
}

// NewMeter creates a meter.
func NewMeter(st store.Store, pricing Pricing, clk clock.Clock, log *logger.Logger) *Meter {
	return &Meter{store: st, pricing: pricing, clock: clk, log: log}
}

// Pricing returns the active schedule.
func (m *Meter) Pricing() Pricing {
	return m.pricing
}

// Cost prices the messageIndex-th user message of a chat.
func (m *Meter) Cost(messageIndex int, tier domain.Tier, isFeatured bool, at time.Time) domain.Credits {
	return m.pricing.Cost(messageIndex, tier, isFeatured, at)
}

// Debit deducts amount from the user's balance in its own transaction.
func (m *Meter) Debit(ctx context.Context, userID uuid.UUID, amount domain.Credits) (domain.User, error) {
	var user domain.User
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		user, err = m.DebitTx(ctx, tx, userID, amount)
		return err
	})
	return user, err
}

// DebitTx deducts amount inside the caller's transaction, holding the user
// row lock until that transaction ends. On insufficient balance it returns
// *domain.InsufficientCreditsError and writes nothing.
func (m *Meter) DebitTx(ctx context.Context, tx store.Tx, userID uuid.UUID, amount domain.Credits) (domain.User, error) {
	if amount < 0 {
		return domain.User{}, fmt.Errorf("debit of negative amount %s: %w", amount, domain.ErrInvariant)
	}
	user, err := tx.GetUserForUpdate(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if amount == 0 {
		return user, nil
	}
	if user.CreditBalance < amount {
		return user, &domain.InsufficientCreditsError{Required: amount, Available: user.CreditBalance}
	}
	return tx.AdjustBalance(ctx, userID, -amount)
}

// Refund returns a message's charge to its sender. Each message can be
// refunded once; later attempts fail without touching the balance.
func (m *Meter) Refund(ctx context.Context, messageID uuid.UUID, reason domain.RefundReason, actor string) (domain.Refund, error) {
	var refund domain.Refund
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		msg, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if msg.SenderType != domain.SenderUser || msg.CreditsCharged == 0 {
			return apperr.Validation("message has no charge to refund")
		}
		chat, err := tx.GetChatForUpdate(ctx, msg.ChatID)
		if err != nil {
			return err
		}

		now := clock.UTCNow(m.clock)
		refund = domain.Refund{
			ID:        uuid.New(),
			MessageID: msg.ID,
			UserID:    chat.UserID,
			Amount:    msg.CreditsCharged,
			Reason:    reason,
			Actor:     actor,
			CreatedAt: now,
		}
		if err := tx.InsertRefund(ctx, refund); err != nil {
			return err
		}

		chat.TotalCreditsSpent -= min(refund.Amount, chat.TotalCreditsSpent)
		chat.UpdatedAt = now
		ok, err := tx.UpdateChat(ctx, chat, chat.Status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chat %s moved during refund: %w", chat.ID, domain.ErrInvariant)
		}
		_, err = tx.AdjustBalance(ctx, chat.UserID, refund.Amount)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRefunded) {
			return domain.Refund{}, apperr.Conflict("message already refunded")
		}
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Refund{}, apperr.NotFound("message not found")
		}
		return domain.Refund{}, err
	}

	m.log.Info("message refunded",
		slog.String("message_id", messageID.String()),
		slog.String("reason", string(reason)),
		slog.String("actor", actor),
		slog.Int64("amount", int64(refund.Amount)),
	)
	return refund, nil
}
