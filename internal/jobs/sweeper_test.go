package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"papercup-core/internal/calls"
	"papercup-core/internal/telephony"
)

func TestSweeper_TerminatesStaleCalls(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	lifecycle := calls.NewService(store)

	c, err := lifecycle.Create(ctx, "u1", "+12125551234", "US")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := lifecycle.AttachProviderRef(ctx, c.CallID, "CA123"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := lifecycle.Transition(ctx, c.CallID, calls.StateInProgress, time.Time{}, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	queue := NewMemoryQueue(16)
	provider := telephony.NewFake()
	s := NewSweeper(store, NewProducer(queue), provider, 4*time.Hour, time.Minute, slog.Default())
	s.clock = func() time.Time { return time.Now().Add(5 * time.Hour) }

	s.Sweep(ctx)

	if queue.Len() != 1 {
		t.Fatalf("expected one settlement job, got %d", queue.Len())
	}
	j, err := queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if j.CallID != c.CallID || j.Target != string(calls.StateTerminated) || j.Reason != "max_duration_exceeded" {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.DurationSeconds < int(4*time.Hour/time.Second) {
		t.Fatalf("expected elapsed usage in job, got %d", j.DurationSeconds)
	}

	hangups := provider.Hangups()
	if len(hangups) != 1 || hangups[0] != "CA123" {
		t.Fatalf("expected provider hangup for CA123, got %v", hangups)
	}
}

func TestSweeper_LeavesFreshAndTerminalCallsAlone(t *testing.T) {
	ctx := context.Background()
	store := calls.NewMemoryStore()
	lifecycle := calls.NewService(store)

	fresh, _ := lifecycle.Create(ctx, "u1", "+12125551234", "US")
	if _, err := lifecycle.Transition(ctx, fresh.CallID, calls.StateInProgress, time.Time{}, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	done, _ := lifecycle.Create(ctx, "u1", "+12125555678", "US")
	if _, err := lifecycle.Transition(ctx, done.CallID, calls.StateCompleted, time.Time{}, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	queue := NewMemoryQueue(16)
	s := NewSweeper(store, NewProducer(queue), telephony.NewFake(), 4*time.Hour, time.Minute, slog.Default())

	s.Sweep(ctx)

	if queue.Len() != 0 {
		t.Fatalf("nothing should be swept, got %d jobs", queue.Len())
	}
}
