package telephony

import (
	"context"
	"errors"
)

var ErrDialRejected = errors.New("telephony: dial rejected by provider")

// Provider is the boundary to the external carrier.
//
// Rules:
// - No provider SDK types leak past this package.
// - Callers never hold a store lock across a Provider call.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// Dial starts an outbound call and returns the provider's identifier
	// for it. Subsequent progress arrives via status callbacks.
	Dial(ctx context.Context, req DialRequest) (DialResult, error)

	// Hangup asks the provider to end an active call. Idempotent at the
	// provider: hanging up a finished call is not an error.
	Hangup(ctx context.Context, providerCallID string) error
}

type DialRequest struct {
	From string `json:"from"`
	To   string `json:"to"`

	// StatusCallbackURL receives call progress webhooks.
	StatusCallbackURL string `json:"status_callback_url"`
}

type DialResult struct {
	// ProviderCallID is the provider's unique identifier for this call.
	ProviderCallID string `json:"provider_call_id"`

	// Status is the provider's initial status string (e.g. "queued").
	Status string `json:"status"`
}
