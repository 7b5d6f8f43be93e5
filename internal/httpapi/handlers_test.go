package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"papercup-core/internal/auth"
	"papercup-core/internal/billing"
	"papercup-core/internal/calls"
	"papercup-core/internal/rates"
	"papercup-core/internal/rbac"
	"papercup-core/internal/reporting"
	"papercup-core/internal/telephony"

	"github.com/gin-gonic/gin"
)

type fixture struct {
	lifecycle *calls.Service
	billing   *billing.Service
	rates     *rates.Service
	reportsDB *reporting.MemoryRepo
	provider  *telephony.Fake
	caps      *calls.MemoryCaps
	handlers  *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	callStore := calls.NewMemoryStore()
	rateSvc := rates.NewService(rates.NewMemoryRepo())
	if _, err := rateSvc.Upsert(context.Background(), rates.Rate{
		CountryISO2:        "US",
		Prefix:             "1",
		RatePerMinuteMinor: 100,
	}); err != nil {
		t.Fatalf("seed rate: %v", err)
	}

	billingSvc := billing.NewService(billing.NewMemoryStore(callStore), rateSvc, 50)
	reportsDB := reporting.NewMemoryRepo()
	provider := telephony.NewFake()
	caps := calls.NewMemoryCaps(1)

	f := &fixture{
		lifecycle: calls.NewService(callStore),
		billing:   billingSvc,
		rates:     rateSvc,
		reportsDB: reportsDB,
		provider:  provider,
		caps:      caps,
	}
	f.handlers = &Handlers{
		Lifecycle:         f.lifecycle,
		Billing:           billingSvc,
		Rates:             rateSvc,
		Reports:           reporting.NewService(reportsDB),
		Provider:          provider,
		Caps:              caps,
		StatusCallbackURL: "https://example.com/webhooks/telephony/status",
	}
	return f
}

func identity(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (f *fixture) router(userID, role string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", identity(userID, role))
	v1.POST("/calls", f.handlers.Dial)
	v1.POST("/calls/:call_id/hangup", f.handlers.Hangup)
	v1.GET("/calls/:call_id", f.handlers.GetCall)
	v1.GET("/calls/:call_id/events", f.handlers.GetCallEvents)
	v1.GET("/credits/balance", f.handlers.GetBalance)
	v1.POST("/credits/deposits", f.handlers.Deposit)
	v1.GET("/credits/transactions", f.handlers.ListTransactions)
	v1.PUT("/admin/rates", f.handlers.UpsertRate)
	v1.GET("/admin/rates", f.handlers.ListRates)
	v1.GET("/reports/calls", f.handlers.CallsReport)
	v1.GET("/reports/spend", f.handlers.SpendReport)
	return r
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeCall(t *testing.T, w *httptest.ResponseRecorder) calls.Call {
	t.Helper()
	var c calls.Call
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode call: %v (%s)", err, w.Body.String())
	}
	return c
}

func TestDial_HappyPath(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)

	w := doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"+12125551234","country_iso2":"US"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	c := decodeCall(t, w)
	if c.State != calls.StateInitiated {
		t.Fatalf("expected initiated, got %s", c.State)
	}
	if c.ProviderCallID == "" {
		t.Fatalf("provider ref not attached")
	}
	if len(f.provider.Dials()) != 1 {
		t.Fatalf("provider not dialed")
	}

	// Cap of 1: a second dial while the first is active is refused.
	w = doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"+12125555678","country_iso2":"US"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestDial_ValidationReleasesCap(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)

	w := doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"","country_iso2":"US"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	// The slot must be free again.
	w = doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"+12125551234","country_iso2":"US"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 after failed dial, got %d", w.Code)
	}
}

func TestDial_ProviderFailureMarksCallFailed(t *testing.T) {
	f := newFixture(t)
	f.provider.DialErr = context.DeadlineExceeded
	r := f.router("u1", rbac.RoleUser)

	w := doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"+12125551234","country_iso2":"US"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}

	// The call record survives as failed and the cap slot is free.
	f.provider.DialErr = nil
	w = doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"+12125551234","country_iso2":"US"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected slot released, got %d", w.Code)
	}
}

func TestHangup_ActiveCallBillsElapsedUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, _, err := f.billing.AddCredits(ctx, "u1", billing.DepositRequest{AmountMinor: 1000, IdempotencyKey: "seed"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	r := f.router("u1", rbac.RoleUser)
	w := doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"+12125551234","country_iso2":"US"}`)
	c := decodeCall(t, w)

	if _, err := f.lifecycle.Transition(ctx, c.CallID, calls.StateInProgress, time.Time{}, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Hang up 90s into the call.
	f.handlers.Now = func() time.Time { return time.Now().Add(90 * time.Second) }

	w = doJSON(r, http.MethodPost, "/v1/calls/"+c.CallID+"/hangup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decodeCall(t, w)
	if got.State != calls.StateTerminated || got.FailureReason != "user_hangup" {
		t.Fatalf("expected terminated user_hangup, got %+v", got)
	}
	if got.CostMinor != 200 { // 90s -> 2 minutes at 100/min
		t.Fatalf("expected cost 200, got %d", got.CostMinor)
	}

	hangups := f.provider.Hangups()
	if len(hangups) != 1 || hangups[0] != c.ProviderCallID {
		t.Fatalf("expected provider hangup, got %v", hangups)
	}

	// Hangup is idempotent.
	w = doJSON(r, http.MethodPost, "/v1/calls/"+c.CallID+"/hangup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat hangup, got %d", w.Code)
	}
	bal, _ := f.billing.Balance(ctx, "u1")
	if bal.BalanceMinor != 800 {
		t.Fatalf("expected single charge, balance 800, got %d", bal.BalanceMinor)
	}
}

func TestHangup_UnansweredCallBillsNothing(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)

	w := doJSON(r, http.MethodPost, "/v1/calls", `{"to_number":"+12125551234","country_iso2":"US"}`)
	c := decodeCall(t, w)

	w = doJSON(r, http.MethodPost, "/v1/calls/"+c.CallID+"/hangup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeCall(t, w)
	if got.State != calls.StateTerminated || got.CostMinor != 0 {
		t.Fatalf("unanswered hangup must not bill, got %+v", got)
	}
}

func TestGetCall_OwnershipEnforced(t *testing.T) {
	f := newFixture(t)
	owner := f.router("u1", rbac.RoleUser)

	w := doJSON(owner, http.MethodPost, "/v1/calls", `{"to_number":"+12125551234","country_iso2":"US"}`)
	c := decodeCall(t, w)

	if w := doJSON(owner, http.MethodGet, "/v1/calls/"+c.CallID, ""); w.Code != http.StatusOK {
		t.Fatalf("owner read: expected 200, got %d", w.Code)
	}

	stranger := f.router("u2", rbac.RoleUser)
	if w := doJSON(stranger, http.MethodGet, "/v1/calls/"+c.CallID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("stranger read: expected 404, got %d", w.Code)
	}

	support := f.router("u3", rbac.RoleSupport)
	if w := doJSON(support, http.MethodGet, "/v1/calls/"+c.CallID+"/events", ""); w.Code != http.StatusOK {
		t.Fatalf("support read: expected 200, got %d", w.Code)
	}

	if w := doJSON(owner, http.MethodGet, "/v1/calls/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing call: expected 404, got %d", w.Code)
	}
}

func TestCredits_DepositBalanceTransactions(t *testing.T) {
	f := newFixture(t)
	r := f.router("u1", rbac.RoleUser)

	w := doJSON(r, http.MethodPost, "/v1/credits/deposits", `{"amount_minor":500,"idempotency_key":"dep-1","external_ref":"ch_1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodGet, "/v1/credits/balance", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"balance_minor":500`) {
		t.Fatalf("balance: got %d %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodGet, "/v1/credits/transactions", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"dep-1"`) {
		t.Fatalf("transactions: got %d %s", w.Code, w.Body.String())
	}

	if w := doJSON(r, http.MethodPost, "/v1/credits/deposits", `{"amount_minor":-5,"idempotency_key":"dep-2"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("negative deposit: expected 400, got %d", w.Code)
	}
}

func TestAdminRates_UpsertAndList(t *testing.T) {
	f := newFixture(t)
	r := f.router("admin1", rbac.RoleAdmin)

	w := doJSON(r, http.MethodPut, "/v1/admin/rates", `{"country_iso2":"us","prefix":"1212","rate_per_minute_minor":150}`)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(r, http.MethodGet, "/v1/admin/rates?country=US", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"1212"`) {
		t.Fatalf("list: got %d %s", w.Code, w.Body.String())
	}

	if w := doJSON(r, http.MethodPut, "/v1/admin/rates", `{"country_iso2":"US","prefix":"12a","rate_per_minute_minor":150}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad prefix: expected 400, got %d", w.Code)
	}
}

func TestReports_SelfAndPrivilegedAccess(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.reportsDB.Calls = []calls.Call{
		{CallID: "c1", UserID: "u1", State: calls.StateCompleted, DurationSeconds: 60, CostMinor: 100, CreatedAt: now.Add(-time.Hour)},
	}
	f.reportsDB.Ledgers = []billing.CreditTransaction{
		{ID: "t1", UserID: "u1", AmountMinor: -100, Type: billing.TransactionTypeCallCharge, CreatedAt: now.Add(-time.Hour)},
	}

	self := f.router("u1", rbac.RoleUser)
	w := doJSON(self, http.MethodGet, "/v1/reports/calls", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total_calls":1`) {
		t.Fatalf("self report: got %d %s", w.Code, w.Body.String())
	}

	// A plain user may not read someone else's report.
	if w := doJSON(self, http.MethodGet, "/v1/reports/spend?user_id=u2", ""); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	support := f.router("s1", rbac.RoleSupport)
	w = doJSON(support, http.MethodGet, "/v1/reports/spend?user_id=u1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"call_charge_minor":100`) {
		t.Fatalf("support report: got %d %s", w.Code, w.Body.String())
	}

	if w := doJSON(self, http.MethodGet, "/v1/reports/calls?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad range: expected 400, got %d", w.Code)
	}
}
