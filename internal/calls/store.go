package calls

import (
	"context"
	"time"
)

// UpdateFunc mutates a call under the store's per-call lock and returns the
// events to append for this attempt.
type UpdateFunc func(c *Call) ([]Event, error)

// Store is the persistence contract for calls and their event trail.
//
// Serialization contract: Update must hold an exclusive per-call lock while
// fn runs, so that two near-simultaneous status events cannot both read the
// same pre-transition state. The state-machine guard alone is not enough.
//
// Event contract: events are append-only. If fn returns an error, the call
// row is left unchanged but any events fn returned are still appended —
// rejected transitions stay auditable.
type Store interface {
	// Insert persists a new call together with its initial event.
	Insert(ctx context.Context, c Call, ev Event) error

	Get(ctx context.Context, callID string) (Call, error)
	GetByProviderRef(ctx context.Context, providerCallID string) (Call, error)

	Update(ctx context.Context, callID string, fn UpdateFunc) (Call, error)

	Events(ctx context.Context, callID string) ([]Event, error)

	// ListInFlight returns non-terminal calls last updated before the cutoff,
	// oldest first. Used by the timeout sweeper.
	ListInFlight(ctx context.Context, updatedBefore time.Time, limit int) ([]Call, error)
}
