package billing

import (
	"context"
	"database/sql"
	"errors"

	"papercup-core/internal/calls"
	"papercup-core/pkg/utils"
)

// PostgresStore persists the credit ledger and balance projection.
//
// NOTE: This store assumes the following tables exist:
// - credit_transactions (immutable append-only; UNIQUE (user_id, idempotency_key))
// - user_balances (projection, one row per user)
// plus the calls/call_events tables owned by calls.PostgresStore.
//
// Lock order inside a transaction is call row first, then the user's balance
// row. WithUser never locks a call, so the order cannot invert.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WithCall(ctx context.Context, callID string, fn func(ctx context.Context, tx CallTx) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		c, err := calls.LockCallTx(ctx, tx, callID)
		if err != nil {
			if errors.Is(err, calls.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := lockBalance(ctx, tx, c.UserID); err != nil {
			return err
		}
		return fn(ctx, &pgTx{tx: tx, userID: c.UserID, call: &c})
	})
}

func (s *PostgresStore) WithUser(ctx context.Context, userID string, fn func(ctx context.Context, tx UserTx) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockBalance(ctx, tx, userID); err != nil {
			return err
		}
		return fn(ctx, &pgTx{tx: tx, userID: userID})
	})
}

func (s *PostgresStore) BalanceOf(ctx context.Context, userID string) (Balance, error) {
	const q = `
SELECT user_id, balance_minor, updated_at
FROM user_balances
WHERE user_id = $1
`
	var b Balance
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&b.UserID, &b.BalanceMinor, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// A user with no ledger history has a zero balance, not an error.
			return Balance{UserID: userID}, nil
		}
		return Balance{}, err
	}
	return b, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string) ([]CreditTransaction, error) {
	const q = `
SELECT id, user_id, amount_minor, type,
       COALESCE(external_ref, ''), COALESCE(call_id, ''),
       idempotency_key, COALESCE(metadata, ''), created_at
FROM credit_transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CreditTransaction
	for rows.Next() {
		var e CreditTransaction
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.AmountMinor,
			&e.Type,
			&e.ExternalRef,
			&e.CallID,
			&e.IdempotencyKey,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// lockBalance serializes concurrent money operations per user. The row is
// created on first touch so new users can be charged or credited.
func lockBalance(ctx context.Context, tx *sql.Tx, userID string) error {
	const ensure = `
INSERT INTO user_balances (user_id, balance_minor, updated_at)
VALUES ($1, 0, NOW())
ON CONFLICT (user_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ensure, userID); err != nil {
		return err
	}
	const lock = `SELECT balance_minor FROM user_balances WHERE user_id = $1 FOR UPDATE`
	var ignored int64
	return tx.QueryRowContext(ctx, lock, userID).Scan(&ignored)
}

type pgTx struct {
	tx     *sql.Tx
	userID string
	call   *calls.Call
}

func (t *pgTx) Call(ctx context.Context) (calls.Call, error) {
	if t.call == nil {
		return calls.Call{}, ErrNotFound
	}
	return *t.call, nil
}

func (t *pgTx) SaveCall(ctx context.Context, c calls.Call) error {
	if err := calls.SaveCallTx(ctx, t.tx, c); err != nil {
		return err
	}
	*t.call = c
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, ev calls.Event) error {
	return calls.AppendEventsTx(ctx, t.tx, []calls.Event{ev})
}

func (t *pgTx) Balance(ctx context.Context) (int64, error) {
	const q = `SELECT balance_minor FROM user_balances WHERE user_id = $1`
	var bal int64
	if err := t.tx.QueryRowContext(ctx, q, t.userID).Scan(&bal); err != nil {
		return 0, err
	}
	return bal, nil
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, key string) (CreditTransaction, bool, error) {
	const q = `
SELECT id, user_id, amount_minor, type,
       COALESCE(external_ref, ''), COALESCE(call_id, ''),
       idempotency_key, COALESCE(metadata, ''), created_at
FROM credit_transactions
WHERE user_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e CreditTransaction
	err := t.tx.QueryRowContext(ctx, q, t.userID, key).Scan(
		&e.ID,
		&e.UserID,
		&e.AmountMinor,
		&e.Type,
		&e.ExternalRef,
		&e.CallID,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CreditTransaction{}, false, nil
		}
		return CreditTransaction{}, false, err
	}
	return e, true, nil
}

func (t *pgTx) Append(ctx context.Context, e CreditTransaction) (int64, error) {
	if e.AmountMinor == 0 {
		return 0, ErrInvalidArgument
	}
	const insert = `
INSERT INTO credit_transactions (
  id, user_id, amount_minor, type, external_ref, call_id,
  idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,NULLIF($8,''),$9
)
`
	if _, err := t.tx.ExecContext(ctx, insert,
		e.ID,
		e.UserID,
		e.AmountMinor,
		e.Type,
		e.ExternalRef,
		e.CallID,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	); err != nil {
		return 0, err
	}

	const apply = `
UPDATE user_balances
SET balance_minor = balance_minor + $2, updated_at = $3
WHERE user_id = $1
RETURNING balance_minor
`
	var bal int64
	if err := t.tx.QueryRowContext(ctx, apply, e.UserID, e.AmountMinor, e.CreatedAt).Scan(&bal); err != nil {
		return 0, err
	}
	return bal, nil
}
