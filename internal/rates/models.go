package rates

import "time"

// Rate is a billing rule resolved by longest-prefix match.
// Amounts are expressed in minor units (e.g., cents) using int64.
//
// Invariants:
// - (country_iso2, prefix) pairs are unique.
// - RatePerMinuteMinor is strictly positive.
//
// Rates are written by administrative configuration only; the billing path
// reads them and never mutates.
type Rate struct {
	ID string `json:"id" db:"id"`

	// CountryISO2 scopes the prefix table (e.g., "US", "IN").
	CountryISO2 string `json:"country_iso2" db:"country_iso2"`

	// Prefix is a digit string matched against the cleaned destination
	// number; the longest matching prefix wins.
	Prefix string `json:"prefix" db:"prefix"`

	RatePerMinuteMinor int64 `json:"rate_per_minute_minor" db:"rate_per_minute_minor"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
