package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"papercup-core/internal/calls"
	"papercup-core/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusCallback is a parsed provider status webhook (Twilio form vocabulary).
type StatusCallback struct {
	ProviderCallID  string
	Status          string
	DurationSeconds int
}

// ParseStatusCallback extracts the fields we act on from the webhook form.
func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallback{}, fmt.Errorf("parse form: %w", err)
	}
	cb := StatusCallback{
		ProviderCallID: strings.TrimSpace(r.PostFormValue("CallSid")),
		Status:         strings.TrimSpace(r.PostFormValue("CallStatus")),
	}
	if cb.ProviderCallID == "" {
		return StatusCallback{}, fmt.Errorf("missing CallSid")
	}
	if cb.Status == "" {
		return StatusCallback{}, fmt.Errorf("missing CallStatus")
	}
	if raw := r.PostFormValue("CallDuration"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			return StatusCallback{}, fmt.Errorf("invalid CallDuration %q", raw)
		}
		cb.DurationSeconds = d
	}
	return cb, nil
}

// SettlementEnqueuer hands terminal call events to the async billing worker.
type SettlementEnqueuer interface {
	EnqueueSettlement(ctx context.Context, callID string, target calls.State, durationSeconds int, reason string, occurredAt time.Time) error
}

// StatusWebhookHandler applies provider call progress to the lifecycle.
//
// The provider retries on non-2xx, so the handler ACKs 200 on every path it
// can't act on (unknown ref, bad form, queue down) rather than bouncing the
// delivery. In-flight transitions are applied inline; terminal statuses are
// queued for the billing worker.
type StatusWebhookHandler struct {
	Lifecycle *calls.Service
	Queue     SettlementEnqueuer

	Now func() time.Time
}

func (h StatusWebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	occurredAt := now().UTC()

	cb, err := ParseStatusCallback(c.Request)
	if err != nil {
		log.Warn("status webhook rejected", "err", err)
		c.String(http.StatusOK, "ok")
		return
	}

	call, err := h.Lifecycle.GetByProviderRef(c.Request.Context(), cb.ProviderCallID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			log.Warn("status webhook for unknown call", "provider_call_id", cb.ProviderCallID, "status", cb.Status)
		} else {
			log.Error("status webhook lookup failed", "provider_call_id", cb.ProviderCallID, "err", err)
		}
		c.String(http.StatusOK, "ok")
		return
	}

	state, reason := calls.MapProviderStatus(cb.Status)
	if state.Terminal() {
		err := h.Queue.EnqueueSettlement(c.Request.Context(), call.CallID, state, cb.DurationSeconds, reason, occurredAt)
		if err != nil {
			// The provider will redeliver; settlement is idempotent.
			log.Error("settlement enqueue failed", "call_id", call.CallID, "err", err)
		}
		c.String(http.StatusOK, "ok")
		return
	}

	_, err = h.Lifecycle.Transition(c.Request.Context(), call.CallID, state, occurredAt, "")
	if err != nil && !errors.Is(err, calls.ErrInvalidTransition) {
		log.Error("status transition failed", "call_id", call.CallID, "status", cb.Status, "err", err)
	}
	c.String(http.StatusOK, "ok")
}
