package jobs

import (
	"context"
	"log/slog"
	"time"

	"papercup-core/internal/calls"
	"papercup-core/internal/telephony"
)

// Sweeper force-terminates calls that have been in flight longer than the
// configured maximum. Stuck calls happen when the provider's terminal
// webhook is lost; without the sweep they would hold a cap slot and burn
// credit forever.
type Sweeper struct {
	store    calls.Store
	producer *Producer
	provider telephony.Provider
	log      *slog.Logger

	interval    time.Duration
	maxDuration time.Duration
	batchSize   int

	clock func() time.Time
}

func NewSweeper(store calls.Store, producer *Producer, provider telephony.Provider, maxDuration, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:       store,
		producer:    producer,
		provider:    provider,
		log:         log,
		interval:    interval,
		maxDuration: maxDuration,
		batchSize:   100,
		clock:       time.Now,
	}
}

// Run sweeps on a ticker until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so a pass can be triggered directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.maxDuration)

	stale, err := s.store.ListInFlight(ctx, cutoff, s.batchSize)
	if err != nil {
		s.log.Error("sweep list failed", "err", err)
		return
	}

	for _, c := range stale {
		elapsed := 0
		if c.StartedAt != nil {
			elapsed = int(now.Sub(*c.StartedAt) / time.Second)
		}

		err := s.producer.EnqueueSettlement(ctx, c.CallID, calls.StateTerminated, elapsed, "max_duration_exceeded", now)
		if err != nil {
			s.log.Error("sweep enqueue failed", "call_id", c.CallID, "err", err)
			continue
		}
		s.log.Warn("force-terminating stale call",
			"call_id", c.CallID, "state", string(c.State), "elapsed_seconds", elapsed)

		// Best effort, and never under a store lock.
		if c.ProviderCallID != "" && s.provider != nil {
			if err := s.provider.Hangup(ctx, c.ProviderCallID); err != nil {
				s.log.Error("provider hangup failed", "call_id", c.CallID, "err", err)
			}
		}
	}
}
