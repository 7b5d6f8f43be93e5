package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and early development.
// It honors the same serialization contract as the Postgres store via a
// per-call mutex. Not intended for production.
type MemoryStore struct {
	mu     sync.Mutex
	calls  map[string]*memCall
	byRef  map[string]string
	events map[string][]Event
}

type memCall struct {
	mu sync.Mutex
	c  Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:  make(map[string]*memCall),
		byRef:  make(map[string]string),
		events: make(map[string][]Event),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, c Call, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.CallID]; ok {
		return ErrValidation
	}
	s.calls[c.CallID] = &memCall{c: c}
	if c.ProviderCallID != "" {
		s.byRef[c.ProviderCallID] = c.CallID
	}
	s.events[c.CallID] = append(s.events[c.CallID], ev)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (Call, error) {
	s.mu.Lock()
	rec, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return Call{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.c, nil
}

func (s *MemoryStore) GetByProviderRef(ctx context.Context, providerCallID string) (Call, error) {
	s.mu.Lock()
	callID, ok := s.byRef[providerCallID]
	s.mu.Unlock()
	if !ok {
		return Call{}, ErrNotFound
	}
	return s.Get(ctx, callID)
}

func (s *MemoryStore) Update(ctx context.Context, callID string, fn UpdateFunc) (Call, error) {
	s.mu.Lock()
	rec, ok := s.calls[callID]
	s.mu.Unlock()
	if !ok {
		return Call{}, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	staged := rec.c
	events, err := fn(&staged)

	s.mu.Lock()
	s.events[callID] = append(s.events[callID], events...)
	s.mu.Unlock()

	if err != nil {
		return rec.c, err
	}

	if staged.ProviderCallID != rec.c.ProviderCallID && staged.ProviderCallID != "" {
		s.mu.Lock()
		s.byRef[staged.ProviderCallID] = callID
		s.mu.Unlock()
	}
	rec.c = staged
	return staged, nil
}

func (s *MemoryStore) Events(ctx context.Context, callID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[callID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemoryStore) ListInFlight(ctx context.Context, updatedBefore time.Time, limit int) ([]Call, error) {
	s.mu.Lock()
	recs := make([]*memCall, 0, len(s.calls))
	for _, rec := range s.calls {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	var out []Call
	for _, rec := range recs {
		rec.mu.Lock()
		c := rec.c
		rec.mu.Unlock()
		if c.State.Terminal() {
			continue
		}
		if !c.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
