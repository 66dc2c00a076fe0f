// Package payments credits balances from signed gateway webhooks and from
// admin reconciliation. The status flip and the balance credit always share
// one transaction; failures after verification are parked for manual review.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"paychat_backend/internal/domain"
	"paychat_backend/internal/events"
	"paychat_backend/internal/notification"
	"paychat_backend/internal/store"
	"paychat_backend/platform/apperr"
	"paychat_backend/platform/clock"
	"paychat_backend/platform/logger"

	"github.com/google/uuid"
)

const webhookSource = "payments"

const (
	msgTransactionNotFound = "transaction not found"
	msgGatewayUnavailable  = "payment gateway unavailable"
	msgInvalidSignature    = "invalid webhook signature"
	msgInvalidPayload      = "invalid webhook payload"
)

var errAmountMismatch = errors.New("gateway amount does not match transaction")

// Notifier persists admin notifications.
type Notifier interface {
	RaiseTx(ctx context.Context, tx store.Tx, d notification.Draft) (domain.AdminNotification, error)
	Announce(ctx context.Context, n domain.AdminNotification)
}

// FailureRecorder counts rejected webhooks.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, source, clientIP string) (int64, error)
}

// WebhookPayload is the provider's notification body. Only the reference is
// trusted; the status is re-read from the gateway.
type WebhookPayload struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	EventID   string `json:"eventId,omitempty"`
}

// Ack is returned to the provider for every verified delivery.
type Ack struct {
	Received     bool                     `json:"received"`
	Reference    string                   `json:"reference"`
	Status       domain.TransactionStatus `json:"status"`
	Duplicate    bool                     `json:"duplicate"`
	ManualReview bool                     `json:"manualReview"`
	WebhookCount int                      `json:"webhookCount"`
}

// ReconciliationResult describes what a reconcile call did.
type ReconciliationResult struct {
	TransactionID  uuid.UUID                `json:"transactionId"`
	PreviousStatus domain.TransactionStatus `json:"previousStatus"`
	Status         domain.TransactionStatus `json:"status"`
	GatewayStatus  GatewayStatus            `json:"gatewayStatus"`
	Credited       bool                     `json:"credited"`
	Mismatch       bool                     `json:"mismatch"`
	ManualReview   bool                     `json:"manualReview"`
	ReviewCleared  bool                     `json:"reviewCleared"`
	Actor          string                   `json:"actor"`
}

// InitiateResult is a freshly opened purchase.
type InitiateResult struct {
	Transaction domain.PaymentTransaction
	CheckoutURL string
}

// Service implements payment initiation, webhook handling and reconciliation.
type Service struct {
	store    store.Store
	gateway  Gateway
	notifier Notifier
	failures FailureRecorder
	bus      events.Bus
	secret   []byte
	clock    clock.Clock
	log      *logger.Logger
}

// NewService creates the payments service. failures may be nil.
func NewService(st store.Store, gw Gateway, notifier Notifier, failures FailureRecorder, bus events.Bus, secret string, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		gateway:  gw,
		notifier: notifier,
		failures: failures,
		bus:      bus,
		secret:   []byte(secret),
		clock:    clk,
		log:      log,
	}
}

// Initiate opens a pending purchase of pkg for userID.
func (s *Service) Initiate(ctx context.Context, userID uuid.UUID, code string) (InitiateResult, error) {
	pkg, ok := LookupPackage(code)
	if !ok {
		return InitiateResult{}, apperr.Validation("unknown credit package")
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return InitiateResult{}, mapError(err, "user not found")
	}

	gp, err := s.gateway.CreatePayment(ctx, userID, pkg.Credits)
	if err != nil {
		s.log.Error("gateway create payment failed",
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()),
		)
		return InitiateResult{}, apperr.Wrap(apperr.KindUnavailable, msgGatewayUnavailable, err)
	}

	now := clock.UTCNow(s.clock)
	txn := domain.PaymentTransaction{
		ID:                uuid.New(),
		UserID:            userID,
		ProviderReference: gp.Reference,
		Status:            domain.TransactionPending,
		CreditsAmount:     pkg.Credits,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertTransaction(ctx, txn)
	})
	if err != nil {
		return InitiateResult{}, mapError(err, msgTransactionNotFound)
	}

	s.log.Info("payment initiated",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("user_id", userID.String()),
		slog.String("package", pkg.Code),
	)
	return InitiateResult{Transaction: txn, CheckoutURL: gp.CheckoutURL}, nil
}

// HandleWebhook verifies and applies one webhook delivery. Nothing is read
// or written before the signature verifies.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature, clientIP string) (Ack, error) {
	if !VerifySignature(s.secret, body, signature) {
		s.log.WebhookRejected(webhookSource, "signature mismatch", clientIP)
		if s.failures != nil {
			if _, err := s.failures.RecordFailure(ctx, webhookSource, clientIP); err != nil {
				s.log.Error("failed to record webhook failure", slog.String("error", err.Error()))
			}
		}
		return Ack{}, apperr.Wrap(apperr.KindUnauthorized, msgInvalidSignature, domain.ErrWebhookVerification)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.Reference) == "" {
		return Ack{}, apperr.BadRequest(msgInvalidPayload)
	}

	var txn domain.PaymentTransaction
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		txn, err = tx.GetTransactionByReferenceForUpdate(ctx, payload.Reference)
		if err != nil {
			return err
		}
		txn.WebhookReceivedCount, err = tx.IncrementWebhookCount(ctx, txn.ID)
		return err
	})
	if err != nil {
		return Ack{}, mapError(err, msgTransactionNotFound)
	}

	ack := Ack{
		Received:     true,
		Reference:    txn.ProviderReference,
		Status:       txn.Status,
		WebhookCount: txn.WebhookReceivedCount,
	}
	if txn.Status.Terminal() {
		ack.Duplicate = true
		s.log.Info("duplicate payment webhook",
			slog.String("transaction_id", txn.ID.String()),
			slog.Int("webhook_count", txn.WebhookReceivedCount),
		)
		return ack, nil
	}

	gp, err := s.gateway.GetPayment(ctx, txn.ProviderReference)
	if err != nil {
		s.log.Error("gateway status lookup failed",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("error", err.Error()),
		)
		return Ack{}, apperr.Wrap(apperr.KindUnavailable, msgGatewayUnavailable, err)
	}

	res, err := s.settle(ctx, txn.ID, gp, domain.ResolvedByWebhook)
	if err != nil {
		return Ack{}, err
	}
	ack.Status = res.Status
	ack.ManualReview = res.ManualReview
	ack.Duplicate = res.alreadyResolved
	return ack, nil
}

// Reconcile re-reads the gateway for a transaction and resolves it with the
// same atomicity as the webhook path.
func (s *Service) Reconcile(ctx context.Context, transactionID uuid.UUID, actor string) (ReconciliationResult, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return ReconciliationResult{}, mapError(err, msgTransactionNotFound)
	}

	gp, err := s.gateway.GetPayment(ctx, txn.ProviderReference)
	if err != nil {
		s.log.Error("gateway status lookup failed",
			slog.String("transaction_id", txn.ID.String()),
			slog.String("actor", actor),
			slog.String("error", err.Error()),
		)
		return ReconciliationResult{}, apperr.Wrap(apperr.KindUnavailable, msgGatewayUnavailable, err)
	}

	res, err := s.settle(ctx, txn.ID, gp, domain.ResolvedByReconciliation)
	if err != nil {
		return ReconciliationResult{}, err
	}
	res.PreviousStatus = txn.Status
	res.Actor = actor

	if res.alreadyResolved {
		local, err := gp.Status.LocalStatus()
		switch {
		case err != nil:
			s.log.Warn("gateway reported an unknown status for a resolved payment",
				slog.String("transaction_id", txn.ID.String()),
				slog.String("gateway_status", string(gp.Status)),
				slog.String("error", err.Error()),
			)
		case local != res.Status:
			res.Mismatch = true
			s.raiseMismatch(ctx, res.txn, gp)
		}
	}

	s.log.Info("payment reconciled",
		slog.String("transaction_id", txn.ID.String()),
		slog.String("actor", actor),
		slog.String("status", string(res.Status)),
		slog.String("gateway_status", string(gp.Status)),
		slog.Bool("credited", res.Credited),
		slog.Bool("mismatch", res.Mismatch),
	)
	return res.ReconciliationResult, nil
}

type settlement struct {
	ReconciliationResult
	txn             domain.PaymentTransaction
	alreadyResolved bool
}

// settle applies the gateway's verdict to a pending transaction. Any failure
// to apply a verified verdict flags the transaction for manual review.
func (s *Service) settle(ctx context.Context, id uuid.UUID, gp GatewayPayment, by domain.ResolvedBy) (settlement, error) {
	var (
		res    settlement
		locked bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, locked = settlement{}, false
		txn, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		locked = true
		res.txn = txn
		res.TransactionID = txn.ID
		res.Status = txn.Status
		res.GatewayStatus = gp.Status
		if txn.Status.Terminal() {
			res.alreadyResolved = true
			return nil
		}

		target, err := gp.Status.LocalStatus()
		if err != nil {
			return err
		}
		if target == domain.TransactionPending {
			return nil
		}
		if target == domain.TransactionSuccess && gp.Amount != 0 && gp.Amount != txn.CreditsAmount {
			return fmt.Errorf("%w: gateway %s, local %s", errAmountMismatch, gp.Amount, txn.CreditsAmount)
		}

		resolved := by
		res.ReviewCleared = txn.NeedsManualReview
		txn.Status = target
		txn.ResolvedBy = &resolved
		txn.NeedsManualReview = false
		txn.UpdatedAt = clock.UTCNow(s.clock)
		ok, err := tx.UpdateTransaction(ctx, txn, domain.TransactionPending)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("transaction %s moved during settlement: %w", txn.ID, domain.ErrInvariant)
		}
		if target == domain.TransactionSuccess {
			if _, err := tx.AdjustBalance(ctx, txn.UserID, txn.CreditsAmount); err != nil {
				return err
			}
			if err := tx.AddLifetimeValue(ctx, txn.UserID, txn.CreditsAmount); err != nil {
				return err
			}
			res.Credited = true
		}
		res.txn = txn
		res.Status = target
		return nil
	})
	if err != nil {
		if !locked {
			return settlement{}, mapError(err, msgTransactionNotFound)
		}
		return s.flagManualReview(ctx, id, gp, err)
	}

	if res.ReviewCleared {
		s.log.Info("manual review resolved",
			slog.String("transaction_id", res.txn.ID.String()),
			slog.String("status", string(res.Status)),
			slog.String("resolved_by", string(by)),
		)
	}
	if res.Credited {
		s.log.Info("payment credited",
			slog.String("transaction_id", res.txn.ID.String()),
			slog.String("user_id", res.txn.UserID.String()),
			slog.String("resolved_by", string(by)),
		)
		s.bus.Publish(ctx, events.PaymentCredited{
			BaseEvent:         events.NewBaseEventAt(res.txn.UpdatedAt),
			TransactionID:     res.txn.ID,
			UserID:            res.txn.UserID,
			ProviderReference: res.txn.ProviderReference,
			Amount:            res.txn.CreditsAmount,
			ResolvedBy:        by,
		})
	}
	return res, nil
}

func (s *Service) flagManualReview(ctx context.Context, id uuid.UUID, gp GatewayPayment, cause error) (settlement, error) {
	s.log.Error("payment settlement failed; flagging for manual review",
		slog.String("transaction_id", id.String()),
		slog.String("gateway_status", string(gp.Status)),
		slog.String("error", cause.Error()),
	)

	var (
		res settlement
		n   *domain.AdminNotification
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, n = settlement{}, nil
		txn, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		res.txn = txn
		res.TransactionID = txn.ID
		res.Status = txn.Status
		res.GatewayStatus = gp.Status
		if txn.Status.Terminal() {
			res.alreadyResolved = true
			return nil
		}
		txn.NeedsManualReview = true
		txn.UpdatedAt = clock.UTCNow(s.clock)
		if _, err := tx.UpdateTransaction(ctx, txn, domain.TransactionPending); err != nil {
			return err
		}
		res.txn = txn
		res.ManualReview = true

		raised, err := s.notifier.RaiseTx(ctx, tx, notification.Draft{
			Kind:     domain.NotifyManualReview,
			Severity: domain.SeverityHigh,
			Title:    "Payment needs manual review",
			Body:     fmt.Sprintf("Verified payment %s could not be applied", txn.ProviderReference),
			Details: domain.PaymentDetails{
				TransactionID:     txn.ID,
				ProviderReference: txn.ProviderReference,
				LocalStatus:       txn.Status,
				GatewayStatus:     string(gp.Status),
				Error:             cause.Error(),
			},
		})
		if err != nil {
			return err
		}
		n = &raised
		return nil
	})
	if err != nil {
		s.log.DatabaseError("flag manual review", err)
		return settlement{}, apperr.Wrap(apperr.KindInternal, "failed to record manual review", err)
	}
	if n != nil {
		s.notifier.Announce(ctx, *n)
	}
	return res, nil
}

func (s *Service) raiseMismatch(ctx context.Context, txn domain.PaymentTransaction, gp GatewayPayment) {
	var n domain.AdminNotification
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = s.notifier.RaiseTx(ctx, tx, notification.Draft{
			Kind:     domain.NotifyReconcileMismatch,
			Severity: domain.SeverityHigh,
			Title:    "Reconciliation mismatch",
			Body:     fmt.Sprintf("Payment %s is %s locally but %s at the gateway", txn.ProviderReference, txn.Status, gp.Status),
			Details: domain.PaymentDetails{
				TransactionID:     txn.ID,
				ProviderReference: txn.ProviderReference,
				LocalStatus:       txn.Status,
				GatewayStatus:     string(gp.Status),
			},
		})
		return err
	})
	if err != nil {
		s.log.DatabaseError("raise reconciliation mismatch", err)
		return
	}
	s.notifier.Announce(ctx, n)
}

func mapError(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperr.NotFound(notFound)
	case errors.Is(err, domain.ErrAssignmentConflict):
		return apperr.Conflict("duplicate provider reference")
	}
	return apperr.Wrap(apperr.KindInternal, "internal error", err)
}
