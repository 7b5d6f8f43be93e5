package rates

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidRate    = errors.New("rates: invalid rate")
	ErrInvalidRequest = errors.New("rates: invalid request")
)

// Repository abstracts rate persistence.
type Repository interface {
	// ListByCountry returns all rates configured for a country.
	ListByCountry(ctx context.Context, countryISO2 string) ([]Rate, error)
	// Upsert inserts or replaces the rate for (country_iso2, prefix).
	Upsert(ctx context.Context, r Rate) error
}

// Service resolves per-minute billing rates by longest-prefix match.
//
// The scan is linear over a country's rates. That is fine for a catalog of
// hundreds to low thousands of entries; past ~10k a digit-prefix trie keyed
// by country should replace it.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// FindRate resolves the rate for a destination number.
//
// "No rate found" is reported via found=false, not an error; the caller
// decides the fallback (billing applies a configured default rate).
func (s *Service) FindRate(ctx context.Context, number, countryISO2 string) (Rate, bool, error) {
	if number == "" || countryISO2 == "" {
		return Rate{}, false, ErrInvalidRequest
	}

	digits := CleanNumber(number, countryISO2)
	if digits == "" {
		return Rate{}, false, nil
	}

	candidates, err := s.repo.ListByCountry(ctx, countryISO2)
	if err != nil {
		return Rate{}, false, err
	}

	var best Rate
	found := false
	for _, r := range candidates {
		if !strings.HasPrefix(digits, r.Prefix) {
			continue
		}
		if !found {
			best = r
			found = true
			continue
		}
		// Most specific match wins; equal lengths break toward the
		// lexicographically smallest prefix for determinism.
		if len(r.Prefix) > len(best.Prefix) ||
			(len(r.Prefix) == len(best.Prefix) && r.Prefix < best.Prefix) {
			best = r
		}
	}
	return best, found, nil
}

// Upsert validates and stores an administrative rate entry.
func (s *Service) Upsert(ctx context.Context, r Rate) (Rate, error) {
	r.CountryISO2 = strings.ToUpper(strings.TrimSpace(r.CountryISO2))
	r.Prefix = strings.TrimSpace(r.Prefix)
	if r.CountryISO2 == "" || r.Prefix == "" {
		return Rate{}, ErrInvalidRate
	}
	if r.RatePerMinuteMinor <= 0 {
		return Rate{}, ErrInvalidRate
	}
	for _, ch := range r.Prefix {
		if ch < '0' || ch > '9' {
			return Rate{}, ErrInvalidRate
		}
	}
	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := s.repo.Upsert(ctx, r); err != nil {
		return Rate{}, err
	}
	return r, nil
}

func (s *Service) ListByCountry(ctx context.Context, countryISO2 string) ([]Rate, error) {
	if countryISO2 == "" {
		return nil, ErrInvalidRequest
	}
	return s.repo.ListByCountry(ctx, countryISO2)
}

// CleanNumber strips all non-digit characters and applies North American
// Numbering Plan normalization: US numbers without the leading "1" get it
// prepended so prefixes like "1212" match consistently.
func CleanNumber(number, countryISO2 string) string {
	var b strings.Builder
	for _, ch := range number {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if strings.EqualFold(countryISO2, "US") && !strings.HasPrefix(digits, "1") {
		digits = "1" + digits
	}
	return digits
}
