package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"papercup-core/internal/calls"

	"github.com/gin-gonic/gin"
)

type capturedSettlement struct {
	CallID          string
	Target          calls.State
	DurationSeconds int
	Reason          string
}

type stubQueue struct {
	mu       sync.Mutex
	enqueued []capturedSettlement
	err      error
}

func (q *stubQueue) EnqueueSettlement(ctx context.Context, callID string, target calls.State, durationSeconds int, reason string, occurredAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, capturedSettlement{callID, target, durationSeconds, reason})
	return nil
}

func newWebhookFixture(t *testing.T) (*calls.Service, *stubQueue, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	lifecycle := calls.NewService(calls.NewMemoryStore())
	q := &stubQueue{}
	h := StatusWebhookHandler{Lifecycle: lifecycle, Queue: q}

	r := gin.New()
	r.POST("/webhooks/telephony/status", h.Handle)
	return lifecycle, q, r
}

func postStatus(r *gin.Engine, form url.Values) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telephony/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	return w
}

func TestStatusWebhook_InFlightTransitionAppliedInline(t *testing.T) {
	lifecycle, q, r := newWebhookFixture(t)
	ctx := context.Background()

	c, err := lifecycle.Create(ctx, "u1", "+12125551234", "US")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := lifecycle.AttachProviderRef(ctx, c.CallID, "CA123"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	w := postStatus(r, url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	got, _ := lifecycle.Get(ctx, c.CallID)
	if got.State != calls.StateRinging {
		t.Fatalf("expected ringing, got %s", got.State)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("in-flight status must not enqueue settlement")
	}
}

func TestStatusWebhook_TerminalStatusEnqueuesSettlement(t *testing.T) {
	lifecycle, q, r := newWebhookFixture(t)
	ctx := context.Background()

	c, _ := lifecycle.Create(ctx, "u1", "+12125551234", "US")
	_, _ = lifecycle.AttachProviderRef(ctx, c.CallID, "CA123")
	_, _ = lifecycle.Transition(ctx, c.CallID, calls.StateInProgress, time.Time{}, "")

	w := postStatus(r, url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"completed"},
		"CallDuration": {"61"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if len(q.enqueued) != 1 {
		t.Fatalf("expected one settlement, got %d", len(q.enqueued))
	}
	job := q.enqueued[0]
	if job.CallID != c.CallID || job.Target != calls.StateCompleted || job.DurationSeconds != 61 {
		t.Fatalf("unexpected settlement %+v", job)
	}

	// Settlement is async: the call itself is untouched until the worker runs.
	got, _ := lifecycle.Get(ctx, c.CallID)
	if got.State != calls.StateInProgress {
		t.Fatalf("call must stay in_progress until settled, got %s", got.State)
	}
}

func TestStatusWebhook_BusyCarriesFailureReason(t *testing.T) {
	lifecycle, q, r := newWebhookFixture(t)
	ctx := context.Background()

	c, _ := lifecycle.Create(ctx, "u1", "+12125551234", "US")
	_, _ = lifecycle.AttachProviderRef(ctx, c.CallID, "CA123")

	postStatus(r, url.Values{"CallSid": {"CA123"}, "CallStatus": {"busy"}})
	if len(q.enqueued) != 1 || q.enqueued[0].Target != calls.StateFailed || q.enqueued[0].Reason != "busy" {
		t.Fatalf("unexpected settlement %+v", q.enqueued)
	}
}

func TestStatusWebhook_AlwaysAcks(t *testing.T) {
	lifecycle, _, r := newWebhookFixture(t)
	ctx := context.Background()

	// Unknown provider ref.
	w := postStatus(r, url.Values{"CallSid": {"CA_UNKNOWN"}, "CallStatus": {"ringing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("unknown ref must still ACK, got %d", w.Code)
	}

	// Unparseable form.
	w = postStatus(r, url.Values{"CallStatus": {"ringing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("bad form must still ACK, got %d", w.Code)
	}

	// Out-of-order status after the call moved past it: absorbed as anomaly.
	c, _ := lifecycle.Create(ctx, "u1", "+12125551234", "US")
	_, _ = lifecycle.AttachProviderRef(ctx, c.CallID, "CA123")
	_, _ = lifecycle.Transition(ctx, c.CallID, calls.StateInProgress, time.Time{}, "")
	w = postStatus(r, url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("stale status must still ACK, got %d", w.Code)
	}
	got, _ := lifecycle.Get(ctx, c.CallID)
	if got.State != calls.StateInProgress {
		t.Fatalf("stale status must not regress state, got %s", got.State)
	}
	evs, _ := lifecycle.Events(ctx, c.CallID)
	last := evs[len(evs)-1]
	if last.Type != calls.EventTypeTransitionRejected {
		t.Fatalf("expected anomaly event, got %q", last.Type)
	}

	// Unrecognized provider status: rejected by the guard, still ACKed.
	w = postStatus(r, url.Values{"CallSid": {"CA123"}, "CallStatus": {"warbling"}})
	if w.Code != http.StatusOK {
		t.Fatalf("unknown status must still ACK, got %d", w.Code)
	}
}
