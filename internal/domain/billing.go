package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credits is an amount in minor units; 100 equals one credit.
type Credits int64

// String renders the amount as whole credits with two decimals.
func (c Credits) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Tier is the user's loyalty tier.
type Tier string

const (
	TierStandard Tier = "standard"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// ParseTier validates a stored or requested tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierStandard, TierSilver, TierGold, TierPlatinum:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// User is the paying side of a chat.
type User struct {
	ID            uuid.UUID
	Tier          Tier
	CreditBalance Credits
	LifetimeValue Credits
	UpdatedAt     time.Time
}

// TransactionStatus is the state of a payment transaction.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionSuccess || s == TransactionFailed
}

// ResolvedBy records which path settled a transaction.
type ResolvedBy string

const (
	ResolvedByWebhook        ResolvedBy = "webhook"
	ResolvedByReconciliation ResolvedBy = "reconciliation"
)

// PaymentTransaction is a credit purchase through the external gateway.
type PaymentTransaction struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	ProviderReference    string
	Status               TransactionStatus
	CreditsAmount        Credits
	WebhookReceivedCount int
	NeedsManualReview    bool
	ResolvedBy           *ResolvedBy
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// RefundReason is the closed vocabulary for admin refunds.
type RefundReason string

const (
	RefundOperatorMisconduct RefundReason = "operator_misconduct"
	RefundTechnicalIssue     RefundReason = "technical_issue"
	RefundDuplicateCharge    RefundReason = "duplicate_charge"
	RefundGoodwill           RefundReason = "goodwill"
)

// ParseRefundReason validates a refund reason.
func ParseRefundReason(s string) (RefundReason, error) {
	switch r := RefundReason(s); r {
	case RefundOperatorMisconduct, RefundTechnicalIssue, RefundDuplicateCharge, RefundGoodwill:
		return r, nil
	}
	return "", fmt.Errorf("unknown refund reason %q", s)
}

// Refund is a one-time reversal of a message charge.
type Refund struct {
	ID        uuid.UUID
	MessageID uuid.UUID
	UserID    uuid.UUID
	Amount    Credits
	Reason    RefundReason
	Actor     string
	CreatedAt time.Time
}
