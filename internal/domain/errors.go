package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoEligibleOperator means the queue had nothing to match. It is an
	// outcome, not a failure.
	ErrNoEligibleOperator = errors.New("no eligible operator")
	// ErrAssignmentConflict means another caller claimed the entry or chat first.
	ErrAssignmentConflict = errors.New("assignment conflict")
	// ErrReassignmentLimit means the chat was escalated instead of handed off.
	ErrReassignmentLimit = errors.New("reassignment limit reached")
	// ErrWebhookVerification means the webhook signature did not verify.
	ErrWebhookVerification = errors.New("webhook signature verification failed")
	// ErrChatClosed is returned for any mutation of a closed chat.
	ErrChatClosed = errors.New("chat is closed")
	// ErrIllegalTransition is returned when the state machine rejects a move.
	ErrIllegalTransition = errors.New("illegal chat transition")
	// ErrAlreadyRefunded is returned when a message was refunded before.
	ErrAlreadyRefunded = errors.New("message already refunded")
	// ErrOperatorHasChats blocks going offline with open chats.
	ErrOperatorHasChats = errors.New("operator still has open chats")
	// ErrInvariant reports a failed storage pre/post-condition.
	ErrInvariant = errors.New("storage invariant violated")
)

// InsufficientCreditsError is returned when a debit exceeds the balance.
type InsufficientCreditsError struct {
	Required  Credits
	Available Credits
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s", e.Required, e.Available)
}

// IsInsufficientCredits unwraps err looking for InsufficientCreditsError.
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ic *InsufficientCreditsError
	if errors.As(err, &ic) {
		return ic, true
	}
	return nil, false
}
