package audit

import (
	"context"
	"errors"
	"testing"
)

func TestAppend_FillsIDAndTimestamp(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogRateChange(context.Background(), "admin1", "admin", "10.0.0.1", "r1", `{"prefix":"1212"}`); err != nil {
		t.Fatalf("append: %v", err)
	}

	events := repo.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", e)
	}
	if e.Type != EventTypeRateChange || e.RateID != "r1" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestAppend_RejectsMissingType(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	if err := svc.Append(context.Background(), Event{ActorUserID: "u1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
