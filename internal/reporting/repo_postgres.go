package reporting

import (
	"context"
	"database/sql"
	"time"

	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
)

// PostgresRepo reads call records and the credit ledger for aggregation.
// Read-only: reporting never writes.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error) {
	const q = `
SELECT call_id, user_id, state, duration_seconds, cost_minor, created_at
FROM calls
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		var c calls.Call
		if err := rows.Scan(&c.CallID, &c.UserID, &c.State, &c.DurationSeconds, &c.CostMinor, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListLedger(ctx context.Context, userID string, from, to time.Time) ([]billing.CreditTransaction, error) {
	const q = `
SELECT id, user_id, amount_minor, type, created_at
FROM credit_transactions
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.CreditTransaction
	for rows.Next() {
		var e billing.CreditTransaction
		if err := rows.Scan(&e.ID, &e.UserID, &e.AmountMinor, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
