package billing

import "time"

// CreditTransaction is an immutable ledger entry against a user's balance.
//
// Money invariants:
// - AmountMinor is signed and never zero: deposits/refunds positive,
//   charges/withdrawals negative.
// - The sum of a user's entries equals the user's balance at all times;
//   every balance change is posted through the same atomic unit that writes
//   the entry.
// - Entries are never updated or deleted.
type CreditTransaction struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// AmountMinor is the signed amount in minor units (e.g., cents).
	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	Type TransactionType `json:"type" db:"type"`

	// ExternalRef is optional: a payment-processor charge id, invoice id, etc.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// CallID links a call_charge entry to the call it billed.
	CallID string `json:"call_id,omitempty" db:"call_id"`

	// IdempotencyKey makes money-posting operations safe to retry.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// Metadata is optional JSON for audit/debug (store as JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeCallCharge TransactionType = "call_charge"
)

// Balance is the projection of a user's ledger.
type Balance struct {
	UserID       string    `json:"user_id" db:"user_id"`
	BalanceMinor int64     `json:"balance_minor" db:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
