package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioDefaultBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig carries the REST credentials for the Twilio adapter.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// FromNumber is the caller ID used for outbound dials (E.164).
	FromNumber string

	// BaseURL overrides the API endpoint; tests point it at a local server.
	BaseURL string

	// HTTPClient overrides the default client (30s timeout).
	HTTPClient *http.Client
}

// Twilio drives outbound calls over Twilio's REST API. Form-encoded POSTs
// with basic auth; call progress comes back via the status webhook.
type Twilio struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	base := cfg.BaseURL
	if base == "" {
		base = twilioDefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Twilio{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: client,
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) HealthCheck(ctx context.Context) error {
	reqURL := fmt.Sprintf("%s/Accounts/%s.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// twilioCall is the subset of the Calls resource we read back.
type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (t *Twilio) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	if t.accountSID == "" || t.authToken == "" {
		return DialResult{}, fmt.Errorf("twilio credentials not configured")
	}
	from := req.From
	if from == "" {
		from = t.fromNumber
	}

	form := url.Values{}
	form.Set("From", from)
	form.Set("To", req.To)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", "POST")
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}

	reqURL := fmt.Sprintf("%s/Accounts/%s/Calls.json", t.baseURL, t.accountSID)
	resp, err := t.postForm(ctx, reqURL, form)
	if err != nil {
		return DialResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return DialResult{}, fmt.Errorf("%w: %s", ErrDialRejected, readErrBody(resp))
	default:
		return DialResult{}, apiError(resp)
	}

	var call twilioCall
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return DialResult{}, fmt.Errorf("twilio dial: decode response: %w", err)
	}
	if call.SID == "" {
		return DialResult{}, fmt.Errorf("twilio dial: response missing sid")
	}
	return DialResult{ProviderCallID: call.SID, Status: call.Status}, nil
}

func (t *Twilio) Hangup(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return fmt.Errorf("twilio hangup: provider call id required")
	}

	form := url.Values{}
	form.Set("Status", "completed")

	reqURL := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", t.baseURL, t.accountSID, url.PathEscape(providerCallID))
	resp, err := t.postForm(ctx, reqURL, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 404 means the call already ended and was pruned; hangup is idempotent.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return apiError(resp)
	}
	return nil
}

func (t *Twilio) postForm(ctx context.Context, reqURL string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio request: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	return fmt.Errorf("twilio api error (%d): %s", resp.StatusCode, readErrBody(resp))
}

func readErrBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(body)
}
