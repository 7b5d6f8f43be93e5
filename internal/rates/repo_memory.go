package rates

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory repository useful for tests and early
// development. It enforces (country, prefix) uniqueness structurally by
// keying on the pair. Not intended for production.
type MemoryRepo struct {
	mu    sync.RWMutex
	rates map[string]map[string]Rate // country -> prefix -> rate
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{rates: make(map[string]map[string]Rate)}
}

func (r *MemoryRepo) ListByCountry(ctx context.Context, countryISO2 string) ([]Rate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Rate
	for _, rate := range r.rates[countryISO2] {
		out = append(out, rate)
	}
	return out, nil
}

func (r *MemoryRepo) Upsert(ctx context.Context, rate Rate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byPrefix, ok := r.rates[rate.CountryISO2]
	if !ok {
		byPrefix = make(map[string]Rate)
		r.rates[rate.CountryISO2] = byPrefix
	}
	byPrefix[rate.Prefix] = rate
	return nil
}
