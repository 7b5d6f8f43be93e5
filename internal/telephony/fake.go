package telephony

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-process provider for tests and local development. Dials
// always succeed and record what was asked; nothing rings anywhere.
type Fake struct {
	mu      sync.Mutex
	dials   []DialRequest
	hangups []string

	// DialErr / HangupErr force failures for error-path tests.
	DialErr   error
	HangupErr error
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Name() string { return "fake" }

func (f *Fake) HealthCheck(ctx context.Context) error { return nil }

func (f *Fake) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DialErr != nil {
		return DialResult{}, f.DialErr
	}
	f.dials = append(f.dials, req)
	return DialResult{ProviderCallID: "FAKE" + uuid.NewString(), Status: "queued"}, nil
}

func (f *Fake) Hangup(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HangupErr != nil {
		return f.HangupErr
	}
	f.hangups = append(f.hangups, providerCallID)
	return nil
}

func (f *Fake) Dials() []DialRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DialRequest, len(f.dials))
	copy(out, f.dials)
	return out
}

func (f *Fake) Hangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.hangups))
	copy(out, f.hangups)
	return out
}
