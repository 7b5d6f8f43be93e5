package jobs

import (
	"context"
	"errors"
	"log/slog"

	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
)

const defaultMaxAttempts = 5

// Worker consumes settlement jobs and drives the billing reconciler.
//
// Every handler is idempotent: the reconciler's terminal-state guard turns a
// redelivered job into a no-op, so retries and duplicate webhooks are safe.
type Worker struct {
	queue      Queue
	reconciler *billing.Service
	caps       calls.Caps // optional; released when a call lands terminal
	log        *slog.Logger

	maxAttempts int
}

func NewWorker(queue Queue, reconciler *billing.Service, caps calls.Caps, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:       queue,
		reconciler:  reconciler,
		caps:        caps,
		log:         log,
		maxAttempts: defaultMaxAttempts,
	}
}

// Run consumes until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		j, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("job dequeue failed", "err", err)
			continue
		}
		w.handle(ctx, j)
	}
}

func (w *Worker) handle(ctx context.Context, j Job) {
	if j.Kind != KindSettleCall {
		w.log.Warn("dropping job of unknown kind", "kind", j.Kind, "job_id", j.ID)
		return
	}

	res, err := w.reconciler.Settle(ctx, j.CallID, j.DurationSeconds, j.OccurredAt, calls.State(j.Target), j.Reason)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrInsufficientFunds):
		// The call was marked failed in the same committed unit; done.
		w.log.Warn("call settled as failed: insufficient balance",
			"call_id", j.CallID, "cost_minor", res.CostMinor)
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, billing.ErrInvalidArgument):
		w.log.Warn("dropping unsettleable job", "job_id", j.ID, "call_id", j.CallID, "err", err)
		return
	default:
		w.retry(ctx, j, err)
		return
	}

	if res.AlreadySettled {
		// The first settlement released the cap; nothing left to do.
		return
	}
	w.log.Info("call settled",
		"call_id", j.CallID, "state", string(res.Call.State),
		"duration_seconds", j.DurationSeconds, "cost_minor", res.CostMinor)

	if w.caps != nil {
		if err := w.caps.Release(ctx, res.Call.UserID); err != nil {
			// The cap TTL reclaims the slot eventually.
			w.log.Error("cap release failed", "user_id", res.Call.UserID, "err", err)
		}
	}
}

func (w *Worker) retry(ctx context.Context, j Job, cause error) {
	j.Attempt++
	if j.Attempt >= w.maxAttempts {
		w.log.Error("dropping job after max attempts",
			"job_id", j.ID, "call_id", j.CallID, "attempts", j.Attempt, "err", cause)
		return
	}
	w.log.Warn("settlement failed, re-enqueueing",
		"job_id", j.ID, "call_id", j.CallID, "attempt", j.Attempt, "err", cause)
	if err := w.queue.Enqueue(ctx, j); err != nil {
		w.log.Error("re-enqueue failed", "job_id", j.ID, "err", err)
	}
}
