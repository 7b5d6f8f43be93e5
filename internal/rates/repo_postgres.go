package rates

import (
	"context"
	"database/sql"
)

// PostgresRepo persists rates in Postgres.
//
// NOTE: This repository assumes a call_rates table with
// UNIQUE (country_iso2, prefix).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ListByCountry(ctx context.Context, countryISO2 string) ([]Rate, error) {
	const q = `
SELECT id, country_iso2, prefix, rate_per_minute_minor, created_at, updated_at
FROM call_rates
WHERE country_iso2 = $1
`
	rows, err := r.db.QueryContext(ctx, q, countryISO2)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rate
	for rows.Next() {
		var rate Rate
		if err := rows.Scan(
			&rate.ID,
			&rate.CountryISO2,
			&rate.Prefix,
			&rate.RatePerMinuteMinor,
			&rate.CreatedAt,
			&rate.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rate)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Upsert(ctx context.Context, rate Rate) error {
	const q = `
INSERT INTO call_rates (id, country_iso2, prefix, rate_per_minute_minor, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (country_iso2, prefix)
DO UPDATE SET rate_per_minute_minor = EXCLUDED.rate_per_minute_minor,
              updated_at = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		rate.ID,
		rate.CountryISO2,
		rate.Prefix,
		rate.RatePerMinuteMinor,
		rate.CreatedAt,
		rate.UpdatedAt,
	)
	return err
}
