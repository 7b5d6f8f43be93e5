package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service is the call lifecycle manager.
//
// Lifecycle invariants:
// - One event per transition attempt, including rejected ones.
// - Terminal states are absorbing; repeat attempts are recorded anomalies.
// - All state mutations go through Store.Update (serialized per call).
type Service struct {
	store Store
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, clock: time.Now}
}

// Create registers a new call in pending state.
func (s *Service) Create(ctx context.Context, userID, toNumber, countryISO2 string) (Call, error) {
	if userID == "" {
		return Call{}, fmt.Errorf("%w: user_id required", ErrValidation)
	}
	if toNumber == "" {
		return Call{}, fmt.Errorf("%w: to_number required", ErrValidation)
	}
	if countryISO2 == "" {
		return Call{}, fmt.Errorf("%w: country_iso2 required", ErrValidation)
	}

	now := s.clock().UTC()
	c := Call{
		CallID:      uuid.NewString(),
		UserID:      userID,
		ToNumber:    toNumber,
		CountryISO2: countryISO2,
		State:       StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ev := Event{
		ID:         uuid.NewString(),
		CallID:     c.CallID,
		Type:       EventTypeFor(StatePending),
		OccurredAt: now,
		CreatedAt:  now,
	}
	if err := s.store.Insert(ctx, c, ev); err != nil {
		return Call{}, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, fmt.Errorf("%w: call_id required", ErrValidation)
	}
	return s.store.Get(ctx, callID)
}

func (s *Service) GetByProviderRef(ctx context.Context, providerCallID string) (Call, error) {
	if providerCallID == "" {
		return Call{}, fmt.Errorf("%w: provider_call_id required", ErrValidation)
	}
	return s.store.GetByProviderRef(ctx, providerCallID)
}

func (s *Service) Events(ctx context.Context, callID string) ([]Event, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: call_id required", ErrValidation)
	}
	return s.store.Events(ctx, callID)
}

// Transition applies target iff it is reachable from the call's current
// state. On an illegal target the call is untouched, an anomaly event is
// appended, and ErrInvalidTransition is returned; the caller decides whether
// that is fatal (webhook handlers absorb it).
func (s *Service) Transition(ctx context.Context, callID string, target State, occurredAt time.Time, metadata string) (Call, error) {
	if callID == "" {
		return Call{}, fmt.Errorf("%w: call_id required", ErrValidation)
	}
	if occurredAt.IsZero() {
		occurredAt = s.clock().UTC()
	}
	now := s.clock().UTC()

	return s.store.Update(ctx, callID, func(c *Call) ([]Event, error) {
		ev, err := Apply(c, target, occurredAt)
		if err != nil {
			rej := RejectionEvent(*c, target, occurredAt, "unreachable state")
			rej.ID = uuid.NewString()
			rej.CreatedAt = now
			return []Event{rej}, err
		}
		ev.ID = uuid.NewString()
		ev.CreatedAt = now
		ev.Metadata = metadata
		return []Event{ev}, nil
	})
}

// Terminate requests the terminated state; used for user hangups and
// system-forced hangups (timeout, credit exhaustion). Idempotent: an
// already-terminal call is a no-op.
//
// Any provider-side hangup happens at the caller, outside the store lock.
func (s *Service) Terminate(ctx context.Context, callID, reason string) (Call, error) {
	if callID == "" {
		return Call{}, fmt.Errorf("%w: call_id required", ErrValidation)
	}
	occurredAt := s.clock().UTC()

	out, err := s.store.Update(ctx, callID, func(c *Call) ([]Event, error) {
		if c.State.Terminal() {
			rej := RejectionEvent(*c, StateTerminated, occurredAt, "already terminal")
			rej.ID = uuid.NewString()
			rej.CreatedAt = occurredAt
			return []Event{rej}, ErrInvalidTransition
		}
		ev, err := Apply(c, StateTerminated, occurredAt)
		if err != nil {
			return nil, err
		}
		c.FailureReason = reason
		ev.ID = uuid.NewString()
		ev.CreatedAt = occurredAt
		meta, _ := json.Marshal(map[string]string{"reason": reason})
		ev.Metadata = string(meta)
		return []Event{ev}, nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		// Absorbed: terminating a finished call is a no-op by contract.
		return out, nil
	}
	return out, err
}

// AttachProviderRef records the provider's call identifier once the dial is
// accepted. Kept outside Transition so the initiated event carries the ref.
func (s *Service) AttachProviderRef(ctx context.Context, callID, providerCallID string) (Call, error) {
	if callID == "" || providerCallID == "" {
		return Call{}, fmt.Errorf("%w: call_id and provider_call_id required", ErrValidation)
	}
	return s.store.Update(ctx, callID, func(c *Call) ([]Event, error) {
		c.ProviderCallID = providerCallID
		return nil, nil
	})
}
