package billing

import (
	"context"
	"sync"
	"time"

	"papercup-core/internal/calls"
)

// MemoryStore is an in-memory billing store for tests and early development.
// It shares a calls.MemoryStore so reconciliation can mutate the call and the
// ledger in one staged unit, honoring the same lock order as Postgres
// (call first, then the owner's balance). Not intended for production.
type MemoryStore struct {
	callStore *calls.MemoryStore

	mu    sync.Mutex
	users map[string]*memUser
}

type memUser struct {
	mu        sync.Mutex
	balance   int64
	entries   []CreditTransaction
	byKey     map[string]CreditTransaction
	updatedAt time.Time
}

func NewMemoryStore(callStore *calls.MemoryStore) *MemoryStore {
	return &MemoryStore{
		callStore: callStore,
		users:     make(map[string]*memUser),
	}
}

func (s *MemoryStore) user(userID string) *memUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &memUser{byKey: make(map[string]CreditTransaction)}
		s.users[userID] = u
	}
	return u
}

func (s *MemoryStore) WithCall(ctx context.Context, callID string, fn func(ctx context.Context, tx CallTx) error) error {
	var fnErr error
	_, err := s.callStore.Update(ctx, callID, func(c *calls.Call) ([]calls.Event, error) {
		u := s.user(c.UserID)
		u.mu.Lock()
		defer u.mu.Unlock()

		tx := &memTx{call: c, user: u, stagedBalance: u.balance}
		fnErr = fn(ctx, tx)
		if fnErr != nil {
			// All-or-nothing: discard staged money writes and events.
			return nil, fnErr
		}

		u.balance = tx.stagedBalance
		for _, e := range tx.stagedEntries {
			u.entries = append(u.entries, e)
			u.byKey[e.IdempotencyKey] = e
			u.updatedAt = e.CreatedAt
		}
		if tx.callDirty {
			*c = tx.stagedCall
		}
		return tx.stagedEvents, nil
	})
	if err != nil {
		return err
	}
	return fnErr
}

func (s *MemoryStore) WithUser(ctx context.Context, userID string, fn func(ctx context.Context, tx UserTx) error) error {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	tx := &memTx{user: u, stagedBalance: u.balance}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	u.balance = tx.stagedBalance
	for _, e := range tx.stagedEntries {
		u.entries = append(u.entries, e)
		u.byKey[e.IdempotencyKey] = e
		u.updatedAt = e.CreatedAt
	}
	return nil
}

func (s *MemoryStore) BalanceOf(ctx context.Context, userID string) (Balance, error) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return Balance{UserID: userID, BalanceMinor: u.balance, UpdatedAt: u.updatedAt}, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, userID string) ([]CreditTransaction, error) {
	u := s.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]CreditTransaction, len(u.entries))
	copy(out, u.entries)
	return out, nil
}

// memTx stages all writes; WithCall/WithUser commit them only when fn
// succeeds.
type memTx struct {
	call *calls.Call
	user *memUser

	stagedCall    calls.Call
	callDirty     bool
	stagedEvents  []calls.Event
	stagedEntries []CreditTransaction
	stagedBalance int64
}

func (t *memTx) Call(ctx context.Context) (calls.Call, error) {
	if t.call == nil {
		return calls.Call{}, ErrNotFound
	}
	if t.callDirty {
		return t.stagedCall, nil
	}
	return *t.call, nil
}

func (t *memTx) SaveCall(ctx context.Context, c calls.Call) error {
	t.stagedCall = c
	t.callDirty = true
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev calls.Event) error {
	t.stagedEvents = append(t.stagedEvents, ev)
	return nil
}

func (t *memTx) Balance(ctx context.Context) (int64, error) {
	return t.stagedBalance, nil
}

func (t *memTx) FindByIdempotencyKey(ctx context.Context, key string) (CreditTransaction, bool, error) {
	for _, e := range t.stagedEntries {
		if e.IdempotencyKey == key {
			return e, true, nil
		}
	}
	e, ok := t.user.byKey[key]
	return e, ok, nil
}

func (t *memTx) Append(ctx context.Context, e CreditTransaction) (int64, error) {
	if e.AmountMinor == 0 {
		return 0, ErrInvalidArgument
	}
	t.stagedEntries = append(t.stagedEntries, e)
	t.stagedBalance += e.AmountMinor
	return t.stagedBalance, nil
}
