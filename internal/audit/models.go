package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor and ip capture are best-effort; do not block money or lifecycle
//   flows on audit failures.
//
// Storage recommendation (Postgres):
// - Table audit_events with an INSERT-only policy.
// - Optional: trigger to prevent UPDATE/DELETE.
// - Optional: partition by time for retention.

type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	// IPAddress should capture the original client IP when available.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Target identifiers (optional, depending on the event type).
	SubjectUserID string `json:"subject_user_id,omitempty" db:"subject_user_id"`
	RateID        string `json:"rate_id,omitempty" db:"rate_id"`
	CallID        string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRateChange EventType = "rate_change"
	EventTypeDeposit    EventType = "deposit"
)
