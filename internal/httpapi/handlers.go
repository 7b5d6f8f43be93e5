package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"papercup-core/internal/audit"
	"papercup-core/internal/auth"
	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
	"papercup-core/internal/rates"
	"papercup-core/internal/rbac"
	"papercup-core/internal/reporting"
	"papercup-core/internal/telephony"
	"papercup-core/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Lifecycle *calls.Service
	Billing   *billing.Service
	Rates     *rates.Service
	Reports   *reporting.Service
	Provider  telephony.Provider
	Caps      calls.Caps

	// Audit is optional; logging is best-effort and never blocks a request.
	Audit *audit.Service

	// StatusCallbackURL is passed to the provider on every dial.
	StatusCallbackURL string

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Calls ---

type dialRequest struct {
	ToNumber    string `json:"to_number"`
	CountryISO2 string `json:"country_iso2"`
}

// Dial starts an outbound call: cap check, create, provider dial (never
// under a store lock), then attach the provider ref and mark initiated.
func (h Handlers) Dial(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ok, err := h.Caps.Acquire(ctx, userID)
	if err != nil {
		log.Error("cap acquire failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many active calls"})
		return
	}

	call, err := h.Lifecycle.Create(ctx, userID, req.ToNumber, req.CountryISO2)
	if err != nil {
		h.releaseCap(c, userID)
		if errors.Is(err, calls.ErrValidation) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("call create failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	res, err := h.Provider.Dial(ctx, telephony.DialRequest{
		To:                req.ToNumber,
		StatusCallbackURL: h.StatusCallbackURL,
	})
	if err != nil {
		// The failed call and its zero-cost settlement stay auditable.
		if _, serr := h.Billing.Settle(ctx, call.CallID, 0, h.now().UTC(), calls.StateFailed, "dial_failed"); serr != nil {
			log.Error("dial failure settlement failed", "call_id", call.CallID, "err", serr)
		}
		h.releaseCap(c, userID)

		if errors.Is(err, telephony.ErrDialRejected) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "destination rejected by provider"})
			return
		}
		log.Error("provider dial failed", "call_id", call.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider unavailable"})
		return
	}

	if updated, err := h.Lifecycle.AttachProviderRef(ctx, call.CallID, res.ProviderCallID); err != nil {
		log.Error("provider ref attach failed", "call_id", call.CallID, "err", err)
	} else {
		call = updated
	}
	if updated, err := h.Lifecycle.Transition(ctx, call.CallID, calls.StateInitiated, h.now().UTC(), ""); err != nil {
		if !errors.Is(err, calls.ErrInvalidTransition) {
			log.Error("initiated transition failed", "call_id", call.CallID, "err", err)
		}
	} else {
		call = updated
	}

	c.JSON(http.StatusCreated, call)
}

// Hangup ends a call on the caller's request. Calls that never connected are
// terminated without billing; active calls are settled for elapsed usage.
// The provider-side hangup is best effort and never under a store lock.
func (h Handlers) Hangup(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	call, ok := h.authorizedCall(c)
	if !ok {
		return
	}
	if call.State.Terminal() {
		c.JSON(http.StatusOK, call)
		return
	}

	now := h.now().UTC()
	if call.State == calls.StateInProgress {
		elapsed := 0
		if call.StartedAt != nil {
			elapsed = int(now.Sub(*call.StartedAt) / time.Second)
		}
		res, err := h.Billing.Settle(ctx, call.CallID, elapsed, now, calls.StateTerminated, "user_hangup")
		if err != nil && !errors.Is(err, billing.ErrInsufficientFunds) {
			log.Error("hangup settlement failed", "call_id", call.CallID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		call = res.Call
	} else {
		var err error
		call, err = h.Lifecycle.Terminate(ctx, call.CallID, "user_hangup")
		if err != nil {
			log.Error("terminate failed", "call_id", call.CallID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}
	h.releaseCap(c, call.UserID)

	if call.ProviderCallID != "" {
		if err := h.Provider.Hangup(ctx, call.ProviderCallID); err != nil {
			log.Error("provider hangup failed", "call_id", call.CallID, "err", err)
		}
	}

	c.JSON(http.StatusOK, call)
}

func (h Handlers) GetCall(c *gin.Context) {
	call, ok := h.authorizedCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) GetCallEvents(c *gin.Context) {
	call, ok := h.authorizedCall(c)
	if !ok {
		return
	}
	events, err := h.Lifecycle.Events(c.Request.Context(), call.CallID)
	if err != nil {
		logger.FromGin(c).Error("events lookup failed", "call_id", call.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": call.CallID, "events": events})
}

// authorizedCall loads the call and enforces ownership: the owner, support,
// and admin may see it.
func (h Handlers) authorizedCall(c *gin.Context) (calls.Call, bool) {
	ctx := c.Request.Context()
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return calls.Call{}, false
	}

	call, err := h.Lifecycle.Get(ctx, c.Param("call_id"))
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		} else if errors.Is(err, calls.ErrValidation) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			logger.FromGin(c).Error("call lookup failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return calls.Call{}, false
	}

	if call.UserID != userID {
		role, _ := auth.Role(ctx)
		if role != rbac.RoleAdmin && role != rbac.RoleSupport {
			// 404, not 403: call IDs of other users stay unguessable.
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return calls.Call{}, false
		}
	}
	return call, true
}

func (h Handlers) releaseCap(c *gin.Context, userID string) {
	if err := h.Caps.Release(c.Request.Context(), userID); err != nil {
		logger.FromGin(c).Error("cap release failed", "user_id", userID, "err", err)
	}
}

// --- Credits ---

func (h Handlers) GetBalance(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	bal, err := h.Billing.Balance(c.Request.Context(), userID)
	if err != nil {
		logger.FromGin(c).Error("balance lookup failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, bal)
}

type depositRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h Handlers) Deposit(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	entry, balance, err := h.Billing.AddCredits(c.Request.Context(), userID, billing.DepositRequest{
		AmountMinor:    req.AmountMinor,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("deposit failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.auditDeposit(c, userID, entry)
	c.JSON(http.StatusOK, gin.H{"transaction": entry, "balance_minor": balance})
}

func (h Handlers) ListTransactions(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	txns, err := h.Billing.Transactions(c.Request.Context(), userID)
	if err != nil {
		logger.FromGin(c).Error("transactions lookup failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// --- Admin rates ---

type upsertRateRequest struct {
	CountryISO2        string `json:"country_iso2"`
	Prefix             string `json:"prefix"`
	RatePerMinuteMinor int64  `json:"rate_per_minute_minor"`
}

func (h Handlers) UpsertRate(c *gin.Context) {
	var req upsertRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	r, err := h.Rates.Upsert(c.Request.Context(), rates.Rate{
		CountryISO2:        req.CountryISO2,
		Prefix:             req.Prefix,
		RatePerMinuteMinor: req.RatePerMinuteMinor,
	})
	if err != nil {
		if errors.Is(err, rates.ErrInvalidRate) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("rate upsert failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.auditRateChange(c, r)
	c.JSON(http.StatusOK, r)
}

func (h Handlers) ListRates(c *gin.Context) {
	country := c.Query("country")
	out, err := h.Rates.ListByCountry(c.Request.Context(), country)
	if err != nil {
		if errors.Is(err, rates.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "country required"})
			return
		}
		logger.FromGin(c).Error("rate list failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rates": out})
}

// --- Audit ---

func (h Handlers) auditRateChange(c *gin.Context, r rates.Rate) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	actor, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	meta, _ := json.Marshal(r)
	if err := h.Audit.LogRateChange(ctx, actor, role, c.ClientIP(), r.ID, string(meta)); err != nil {
		logger.FromGin(c).Error("audit append failed", "err", err)
	}
}

func (h Handlers) auditDeposit(c *gin.Context, subjectUserID string, entry billing.CreditTransaction) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	actor, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	meta, _ := json.Marshal(entry)
	if err := h.Audit.LogDeposit(ctx, actor, role, c.ClientIP(), subjectUserID, string(meta)); err != nil {
		logger.FromGin(c).Error("audit append failed", "err", err)
	}
}

// --- Reports ---

// reportSubject resolves whose data a report covers: self by default;
// support/admin may pass ?user_id= to inspect any user.
func (h Handlers) reportSubject(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	if q := c.Query("user_id"); q != "" && q != userID {
		role, _ := auth.Role(c.Request.Context())
		if role != rbac.RoleAdmin && role != rbac.RoleSupport {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return "", false
		}
		return q, true
	}
	return userID, true
}

func (h Handlers) reportRange(c *gin.Context) (reporting.TimeRange, bool) {
	now := h.now().UTC()
	out := reporting.TimeRange{From: now.AddDate(0, 0, -30), To: now}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return reporting.TimeRange{}, false
		}
		out.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return reporting.TimeRange{}, false
		}
		out.To = t
	}
	return out, true
}

func (h Handlers) CallsReport(c *gin.Context) {
	userID, ok := h.reportSubject(c)
	if !ok {
		return
	}
	rng, ok := h.reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{UserID: userID, Range: rng})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("calls report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) SpendReport(c *gin.Context) {
	userID, ok := h.reportSubject(c)
	if !ok {
		return
	}
	rng, ok := h.reportRange(c)
	if !ok {
		return
	}
	out, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{UserID: userID, Range: rng})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("spend report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, out)
}
