package calls

import "time"

// Call represents one outbound call attempt owned by a user.
//
// Invariants:
// - DurationSeconds is non-negative and stays zero until StartedAt is set.
// - CostMinor is non-negative and stays zero until the call reaches a
//   terminal state and billing runs.
// - State only moves forward through the lifecycle; terminal states are
//   absorbing (see transition.go).
//
// Money invariant reminder: billing references call_id in the credit ledger
// (credit_transactions.call_id) rather than mutating money fields here;
// CostMinor is the one-time billing write allowed on a terminal call.
type Call struct {
	CallID string `json:"call_id" db:"call_id"`
	UserID string `json:"user_id" db:"user_id"`

	// ToNumber is the dialed destination, E.164 where possible.
	ToNumber    string `json:"to_number" db:"to_number"`
	CountryISO2 string `json:"country_iso2" db:"country_iso2"`

	State State `json:"state" db:"state"`

	// StartedAt is set on the first non-pending in-flight transition.
	// EndedAt is set on entering any terminal state.
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int   `json:"duration_seconds" db:"duration_seconds"`
	CostMinor       int64 `json:"cost_minor" db:"cost_minor"`

	// ProviderCallID is the telephony provider's identifier for this call
	// (e.g., a Twilio CallSid). Empty until the provider accepts the dial.
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	// FailureReason is set only when the call lands in failed/dropped/terminated.
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StatePending    State = "pending"
	StateInitiated  State = "initiated"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateDropped    State = "dropped"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
)

// Terminal reports whether s is an absorbing lifecycle state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDropped, StateFailed, StateTerminated:
		return true
	default:
		return false
	}
}

// Known reports whether s belongs to the closed state vocabulary.
func (s State) Known() bool {
	switch s {
	case StatePending, StateInitiated, StateRinging, StateConnecting,
		StateInProgress, StateCompleted, StateDropped, StateFailed, StateTerminated:
		return true
	default:
		return false
	}
}

// Event is an immutable audit record of a single transition attempt.
//
// Invariant: append-only. One event is written per attempt, including
// rejected transitions (Type == EventTypeTransitionRejected).
type Event struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	// Type is the target state name for applied transitions, or a
	// rejection subtype.
	Type EventType `json:"type" db:"type"`

	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`

	// Metadata is optional JSON (error codes, billed amounts, provider
	// payload fragments). Store as JSONB in Postgres.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypeTransitionRejected records an out-of-order or duplicate
	// status event that the transition guard refused. The call row is
	// untouched; the anomaly is still auditable.
	EventTypeTransitionRejected EventType = "transition_rejected"
)

// EventTypeFor returns the event type recorded for an applied transition.
func EventTypeFor(target State) EventType { return EventType(target) }
