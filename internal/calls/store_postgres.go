package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"papercup-core/pkg/utils"
)

// PostgresStore persists calls in Postgres.
//
// NOTE: This store assumes the following tables exist:
// - calls (one row per call; provider_call_id has a partial unique index)
// - call_events (immutable append-only; no UPDATE/DELETE)
//
// Per-call serialization uses SELECT ... FOR UPDATE on the call row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = `
call_id, user_id, to_number, country_iso2, state,
started_at, ended_at, duration_seconds, cost_minor,
COALESCE(provider_call_id, ''), COALESCE(failure_reason, ''),
created_at, updated_at
`

func scanCall(row interface{ Scan(...any) error }) (Call, error) {
	var c Call
	var started, ended sql.NullTime
	err := row.Scan(
		&c.CallID,
		&c.UserID,
		&c.ToNumber,
		&c.CountryISO2,
		&c.State,
		&started,
		&ended,
		&c.DurationSeconds,
		&c.CostMinor,
		&c.ProviderCallID,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		c.EndedAt = &t
	}
	return c, nil
}

func (s *PostgresStore) Insert(ctx context.Context, c Call, ev Event) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := InsertCallTx(ctx, tx, c); err != nil {
			return err
		}
		return AppendEventsTx(ctx, tx, []Event{ev})
	})
}

func (s *PostgresStore) Get(ctx context.Context, callID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`
	return scanCall(s.db.QueryRowContext(ctx, q, callID))
}

func (s *PostgresStore) GetByProviderRef(ctx context.Context, providerCallID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE provider_call_id = $1`
	return scanCall(s.db.QueryRowContext(ctx, q, providerCallID))
}

func (s *PostgresStore) Update(ctx context.Context, callID string, fn UpdateFunc) (Call, error) {
	var out Call
	var fnErr error

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		current, err := LockCallTx(ctx, tx, callID)
		if err != nil {
			return err
		}

		staged := current
		events, err := fn(&staged)

		// Events are appended even when the mutation is rejected; the
		// anomaly trail must survive the rollback of the call update.
		if err != nil {
			fnErr = err
			out = current
			return AppendEventsTx(ctx, tx, events)
		}

		if err := SaveCallTx(ctx, tx, staged); err != nil {
			return err
		}
		if err := AppendEventsTx(ctx, tx, events); err != nil {
			return err
		}
		out = staged
		return nil
	})
	if err != nil {
		return Call{}, err
	}
	return out, fnErr
}

func (s *PostgresStore) Events(ctx context.Context, callID string) ([]Event, error) {
	const q = `
SELECT id, call_id, type, occurred_at, COALESCE(metadata, ''), created_at
FROM call_events
WHERE call_id = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CallID, &e.Type, &e.OccurredAt, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListInFlight(ctx context.Context, updatedBefore time.Time, limit int) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE state NOT IN ('completed', 'dropped', 'failed', 'terminated')
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LockCallTx reads a call row with FOR UPDATE inside an existing
// transaction, serializing concurrent mutations of the same call. Billing
// reconciliation locks the call before the owner's balance; that lock order
// must hold everywhere.
func LockCallTx(ctx context.Context, tx *sql.Tx, callID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1 FOR UPDATE`
	return scanCall(tx.QueryRowContext(ctx, q, callID))
}

// InsertCallTx inserts a call row inside an existing transaction.
func InsertCallTx(ctx context.Context, tx *sql.Tx, c Call) error {
	const q = `
INSERT INTO calls (
  call_id, user_id, to_number, country_iso2, state,
  started_at, ended_at, duration_seconds, cost_minor,
  provider_call_id, failure_reason, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),NULLIF($11,''),$12,$13
)
`
	_, err := tx.ExecContext(ctx, q,
		c.CallID,
		c.UserID,
		c.ToNumber,
		c.CountryISO2,
		c.State,
		c.StartedAt,
		c.EndedAt,
		c.DurationSeconds,
		c.CostMinor,
		c.ProviderCallID,
		c.FailureReason,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

// SaveCallTx writes back a mutated call row inside an existing transaction.
func SaveCallTx(ctx context.Context, tx *sql.Tx, c Call) error {
	const q = `
UPDATE calls SET
  state = $2,
  started_at = $3,
  ended_at = $4,
  duration_seconds = $5,
  cost_minor = $6,
  provider_call_id = NULLIF($7, ''),
  failure_reason = NULLIF($8, ''),
  updated_at = $9
WHERE call_id = $1
`
	_, err := tx.ExecContext(ctx, q,
		c.CallID,
		c.State,
		c.StartedAt,
		c.EndedAt,
		c.DurationSeconds,
		c.CostMinor,
		c.ProviderCallID,
		c.FailureReason,
		c.UpdatedAt,
	)
	return err
}

// AppendEventsTx appends lifecycle events inside an existing transaction.
func AppendEventsTx(ctx context.Context, tx *sql.Tx, events []Event) error {
	const q = `
INSERT INTO call_events (id, call_id, type, occurred_at, metadata, created_at)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6)
`
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, q, e.ID, e.CallID, e.Type, e.OccurredAt, e.Metadata, e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}
