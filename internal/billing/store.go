package billing

import (
	"context"

	"papercup-core/internal/calls"
)

// UserTx exposes money operations while the user's balance is exclusively
// locked. All writes made through it belong to one atomic unit: if the
// enclosing function returns an error, nothing is persisted.
type UserTx interface {
	Balance(ctx context.Context) (int64, error)
	FindByIdempotencyKey(ctx context.Context, key string) (CreditTransaction, bool, error)
	// Append posts a ledger entry and applies its signed amount to the
	// balance projection, returning the new balance.
	Append(ctx context.Context, e CreditTransaction) (int64, error)
}

// CallTx extends UserTx with the billed call, locked ahead of the balance
// (call -> balance lock order, everywhere).
type CallTx interface {
	UserTx
	Call(ctx context.Context) (calls.Call, error)
	SaveCall(ctx context.Context, c calls.Call) error
	AppendEvent(ctx context.Context, ev calls.Event) error
}

// Store is the transactional storage contract for the billing reconciler.
//
// Unlike calls.Store.Update, these transactions are strictly all-or-nothing:
// an error from fn rolls back every write, including events. This is the
// single most important correctness property of billing — a crash partway
// through must never produce a charged-but-not-completed call or a
// completed-but-unbilled one.
type Store interface {
	// WithCall runs fn with the call row and its owner's balance locked.
	WithCall(ctx context.Context, callID string, fn func(ctx context.Context, tx CallTx) error) error

	// WithUser runs fn with only the user's balance locked (deposit path).
	WithUser(ctx context.Context, userID string, fn func(ctx context.Context, tx UserTx) error) error

	BalanceOf(ctx context.Context, userID string) (Balance, error)
	Transactions(ctx context.Context, userID string) ([]CreditTransaction, error)
}
