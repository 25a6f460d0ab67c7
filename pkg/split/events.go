package split

import (
	"context"
	"time"
)

// EventType names the notifications a session emits. Each state transition
// emits exactly one of the transition events; ParticipantApproved and
// PaymentRecorded fire per occurrence and may precede a transition event
// from the same call.
type EventType string

const (
	EventSessionCreated      EventType = "SESSION_CREATED"
	EventSessionConfirmed    EventType = "SESSION_CONFIRMED"
	EventParticipantApproved EventType = "PARTICIPANT_APPROVED"
	EventQuorumReached       EventType = "QUORUM_REACHED"
	EventPaymentRecorded     EventType = "PAYMENT_RECORDED"
	EventSessionSettled      EventType = "SESSION_SETTLED"
	EventSessionCancelled    EventType = "SESSION_CANCELLED"
	EventSessionExpired      EventType = "SESSION_EXPIRED"
)

// Event is the notification payload handed to the emitter. Identity and
// Amount are set only where they apply (approvals and payments).
type Event struct {
	SessionID  string    `json:"session_id"`
	Type       EventType `json:"event_type"`
	State      State     `json:"state"`
	Identity   string    `json:"identity,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventEmitter is the external synchronization sink. Emission is
// best-effort: a sink failure never rolls back a committed transition.
type EventEmitter interface {
	Emit(event Event)
}

// Ledger is the external value-transfer collaborator. A Transfer error
// aborts the operation that requested it with no internal state change.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// NopLedger accepts every transfer. Useful when value movement is handled
// out of band.
type NopLedger struct{}

func (NopLedger) Transfer(context.Context, string, string, int64) error { return nil }
