package calls

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidTransition marks an out-of-order or duplicate status event.
	// It is recorded as an anomaly event, never surfaced to webhook callers.
	ErrInvalidTransition = errors.New("calls: invalid transition")

	ErrValidation = errors.New("calls: validation failed")
	ErrNotFound   = errors.New("calls: not found")
)

// rank orders the in-flight lifecycle. Transitions may only move forward
// (skipping states is allowed: providers report status out of order, and a
// call can go ringing -> completed without ever reporting connecting).
func rank(s State) int {
	switch s {
	case StatePending:
		return 0
	case StateInitiated:
		return 1
	case StateRinging:
		return 2
	case StateConnecting:
		return 3
	case StateInProgress:
		return 4
	case StateCompleted, StateDropped, StateFailed, StateTerminated:
		return 5
	default:
		return -1
	}
}

// CanTransition reports whether target is reachable from current.
//
// Rules:
// - terminal states are absorbing: nothing is reachable from them
// - any terminal state is reachable from any non-terminal state
// - in-flight states move strictly forward by rank
// - unknown states (unmapped provider vocabulary) are never reachable
func CanTransition(current, target State) bool {
	if !current.Known() || !target.Known() {
		return false
	}
	if current.Terminal() {
		return false
	}
	if target.Terminal() {
		return true
	}
	return rank(target) > rank(current)
}

// Apply validates and applies a transition to c, returning the event to
// append. On ErrInvalidTransition the call is left untouched; callers record
// the anomaly via RejectionEvent and decide whether to treat it as fatal.
//
// Timestamp side effects:
// - StartedAt is set once, on the first non-pending in-flight state.
// - EndedAt is set on entering any terminal state.
func Apply(c *Call, target State, occurredAt time.Time) (Event, error) {
	if !CanTransition(c.State, target) {
		return Event{}, ErrInvalidTransition
	}

	c.State = target
	if c.StartedAt == nil && target != StatePending && !target.Terminal() {
		t := occurredAt
		c.StartedAt = &t
	}
	if target.Terminal() {
		if c.EndedAt == nil {
			t := occurredAt
			c.EndedAt = &t
		}
	}
	c.UpdatedAt = occurredAt

	return Event{
		CallID:     c.CallID,
		Type:       EventTypeFor(target),
		OccurredAt: occurredAt,
	}, nil
}

// RejectionEvent builds the anomaly event recorded for a refused transition.
func RejectionEvent(c Call, target State, occurredAt time.Time, cause string) Event {
	meta, _ := json.Marshal(map[string]string{
		"from":  string(c.State),
		"to":    string(target),
		"cause": cause,
	})
	return Event{
		CallID:     c.CallID,
		Type:       EventTypeTransitionRejected,
		OccurredAt: occurredAt,
		Metadata:   string(meta),
	}
}
