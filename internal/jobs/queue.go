package jobs

import (
	"context"
	"time"

	"papercup-core/internal/calls"

	"github.com/google/uuid"
)

const KindSettleCall = "settle_call"

// Job is the unit of async work. Delivery is at-least-once; every handler
// must be idempotent.
type Job struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	CallID          string    `json:"call_id"`
	Target          string    `json:"target"` // terminal call state
	DurationSeconds int       `json:"duration_seconds"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`

	// Attempt counts deliveries; the worker drops the job past the cap.
	Attempt int `json:"attempt"`
}

// Queue is the transport between the webhook/sweeper producers and the
// settlement worker.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
}

// Producer builds settlement jobs. Satisfies the webhook handler's enqueuer
// contract.
type Producer struct {
	queue Queue
}

func NewProducer(queue Queue) *Producer {
	return &Producer{queue: queue}
}

func (p *Producer) EnqueueSettlement(ctx context.Context, callID string, target calls.State, durationSeconds int, reason string, occurredAt time.Time) error {
	return p.queue.Enqueue(ctx, Job{
		ID:              uuid.NewString(),
		Kind:            KindSettleCall,
		CallID:          callID,
		Target:          string(target),
		DurationSeconds: durationSeconds,
		Reason:          reason,
		OccurredAt:      occurredAt,
	})
}
