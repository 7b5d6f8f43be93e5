package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
)

// MemoryRepo is an in-memory reporting repository for tests and early
// development. It enforces per-user isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Calls   []calls.Call
	Ledgers []billing.CreditTransaction
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.UserID != userID {
			continue
		}
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListLedger(ctx context.Context, userID string, from, to time.Time) ([]billing.CreditTransaction, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.CreditTransaction, 0)
	for _, e := range r.Ledgers {
		if e.UserID != userID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
