package calls

import "strings"

// MapProviderStatus translates a provider status string (Twilio vocabulary)
// into the internal state plus an optional failure reason.
//
// Unrecognized strings pass through unchanged as State(s); the transition
// guard rejects them and records an anomaly event, so a new provider status
// can never silently corrupt a call row.
func MapProviderStatus(s string) (State, string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "initiated":
		return StateInitiated, ""
	case "ringing":
		return StateRinging, ""
	case "answered", "connecting":
		return StateConnecting, ""
	case "in-progress", "in_progress":
		return StateInProgress, ""
	case "completed":
		return StateCompleted, ""
	case "busy":
		return StateFailed, "busy"
	case "no-answer", "no_answer":
		return StateFailed, "no_answer"
	case "failed":
		return StateFailed, "provider_failed"
	case "canceled", "cancelled":
		return StateTerminated, "canceled"
	default:
		return State(s), ""
	}
}
