package calls

import "testing"

func TestMapProviderStatus(t *testing.T) {
	cases := []struct {
		in     string
		state  State
		reason string
	}{
		{"queued", StateInitiated, ""},
		{"initiated", StateInitiated, ""},
		{"ringing", StateRinging, ""},
		{"in-progress", StateInProgress, ""},
		{"completed", StateCompleted, ""},
		{"busy", StateFailed, "busy"},
		{"no-answer", StateFailed, "no_answer"},
		{"failed", StateFailed, "provider_failed"},
		{"canceled", StateTerminated, "canceled"},
		{"Completed", StateCompleted, ""},
	}
	for _, tc := range cases {
		st, reason := MapProviderStatus(tc.in)
		if st != tc.state || reason != tc.reason {
			t.Fatalf("%q: expected (%s,%q), got (%s,%q)", tc.in, tc.state, tc.reason, st, reason)
		}
	}
}

func TestMapProviderStatus_UnknownPassesThrough(t *testing.T) {
	st, reason := MapProviderStatus("some-new-status")
	if reason != "" {
		t.Fatalf("expected no reason, got %q", reason)
	}
	if st.Known() {
		t.Fatalf("unknown status must not map into the closed vocabulary, got %s", st)
	}
	if CanTransition(StateRinging, st) {
		t.Fatalf("unknown status must be rejected by the guard")
	}
}
