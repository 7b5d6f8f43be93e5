package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
	"papercup-core/internal/rates"
)

type workerFixture struct {
	lifecycle  *calls.Service
	reconciler *billing.Service
	queue      *MemoryQueue
	caps       *calls.MemoryCaps
	worker     *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	callStore := calls.NewMemoryStore()
	rateRepo := rates.NewMemoryRepo()
	rateSvc := rates.NewService(rateRepo)
	if _, err := rateSvc.Upsert(context.Background(), rates.Rate{
		CountryISO2:        "US",
		Prefix:             "1",
		RatePerMinuteMinor: 100,
	}); err != nil {
		t.Fatalf("seed rate: %v", err)
	}

	reconciler := billing.NewService(billing.NewMemoryStore(callStore), rateSvc, 50)
	queue := NewMemoryQueue(16)
	caps := calls.NewMemoryCaps(2)
	return &workerFixture{
		lifecycle:  calls.NewService(callStore),
		reconciler: reconciler,
		queue:      queue,
		caps:       caps,
		worker:     NewWorker(queue, reconciler, caps, slog.Default()),
	}
}

func (f *workerFixture) dialedCall(t *testing.T, userID string) calls.Call {
	t.Helper()
	ctx := context.Background()

	ok, err := f.caps.Acquire(ctx, userID)
	if err != nil || !ok {
		t.Fatalf("cap acquire: ok=%v err=%v", ok, err)
	}
	c, err := f.lifecycle.Create(ctx, userID, "+12125551234", "US")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c, err = f.lifecycle.Transition(ctx, c.CallID, calls.StateInProgress, time.Time{}, "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	return c
}

func (f *workerFixture) deposit(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, _, err := f.reconciler.AddCredits(context.Background(), userID, billing.DepositRequest{
		AmountMinor:    amount,
		IdempotencyKey: fmt.Sprintf("seed:%s", userID),
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func settleJob(callID string, target calls.State, durationSeconds int, reason string) Job {
	return Job{
		ID:              "job-" + callID,
		Kind:            KindSettleCall,
		CallID:          callID,
		Target:          string(target),
		DurationSeconds: durationSeconds,
		Reason:          reason,
		OccurredAt:      time.Now().UTC(),
	}
}

func TestWorker_SettlesCompletedCall(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.deposit(t, "u1", 1000)
	c := f.dialedCall(t, "u1")

	f.worker.handle(ctx, settleJob(c.CallID, calls.StateCompleted, 61, ""))

	got, _ := f.lifecycle.Get(ctx, c.CallID)
	if got.State != calls.StateCompleted || got.CostMinor != 200 {
		t.Fatalf("expected completed at cost 200, got %+v", got)
	}
	bal, _ := f.reconciler.Balance(ctx, "u1")
	if bal.BalanceMinor != 800 {
		t.Fatalf("expected balance 800, got %d", bal.BalanceMinor)
	}
	if ok, _ := f.caps.Acquire(ctx, "u1"); !ok {
		t.Fatalf("cap slot was not released")
	}
}

func TestWorker_RedeliveredJobIsNoOp(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.deposit(t, "u1", 1000)
	c := f.dialedCall(t, "u1")

	j := settleJob(c.CallID, calls.StateCompleted, 60, "")
	f.worker.handle(ctx, j)
	f.worker.handle(ctx, j)

	bal, _ := f.reconciler.Balance(ctx, "u1")
	if bal.BalanceMinor != 900 {
		t.Fatalf("redelivery must not double-bill, got %d", bal.BalanceMinor)
	}
}

func TestWorker_InsufficientBalanceFailsCallAndFreesSlot(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.deposit(t, "u1", 100)
	c := f.dialedCall(t, "u1")

	f.worker.handle(ctx, settleJob(c.CallID, calls.StateCompleted, 90, "")) // costs 200

	got, _ := f.lifecycle.Get(ctx, c.CallID)
	if got.State != calls.StateFailed || got.FailureReason != "insufficient_balance" {
		t.Fatalf("expected failed call, got %+v", got)
	}
	bal, _ := f.reconciler.Balance(ctx, "u1")
	if bal.BalanceMinor != 100 {
		t.Fatalf("balance must be untouched, got %d", bal.BalanceMinor)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("insufficient balance is not retryable")
	}
}

func TestWorker_SettlesTerminatedWithElapsedUsage(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.deposit(t, "u1", 1000)
	c := f.dialedCall(t, "u1")

	f.worker.handle(ctx, settleJob(c.CallID, calls.StateTerminated, 61, "max_duration_exceeded"))

	got, _ := f.lifecycle.Get(ctx, c.CallID)
	if got.State != calls.StateTerminated || got.FailureReason != "max_duration_exceeded" {
		t.Fatalf("expected terminated call, got %+v", got)
	}
	if got.CostMinor != 200 {
		t.Fatalf("forced termination must bill elapsed usage, got %d", got.CostMinor)
	}
}

func TestWorker_DropsUnprocessableJobs(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.worker.handle(ctx, settleJob("no-such-call", calls.StateCompleted, 60, ""))
	f.worker.handle(ctx, Job{ID: "j1", Kind: "reticulate_splines"})
	f.worker.handle(ctx, settleJob("whatever", calls.StateRinging, 60, "")) // non-terminal target

	if f.queue.Len() != 0 {
		t.Fatalf("unprocessable jobs must not be re-enqueued, %d queued", f.queue.Len())
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop on cancel")
	}
}
