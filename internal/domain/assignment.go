package domain

import "github.com/google/uuid"

// SystemActor is recorded for changes made by the engine itself.
const SystemActor = "system"

// AssignRequest asks for chatID to be handed to operatorID.
type AssignRequest struct {
	ChatID     uuid.UUID
	OperatorID uuid.UUID
	Reason     AssignmentReason
	Actor      string
}

// AssignmentOutcome describes what an assignment attempt changed. When
// Escalated is set the chat hit the reassignment limit and no operator was
// attached.
type AssignmentOutcome struct {
	Chat         Chat
	Record       *AssignmentRecord
	Released     *uuid.UUID
	Escalated    bool
	Notification *AdminNotification
}
