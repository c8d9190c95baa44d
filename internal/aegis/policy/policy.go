// Package policy implements C9: a thin, fail-closed HTTP client to the
// external policy decision point.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fe-row/AEGIS/infrastructure/resilience"
	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// retryConfig bounds the retry of a transient network failure against the
// policy engine to a couple of short attempts — a denial must still be fast
// enough to stay inside the pipeline's own request timeout.
var retryConfig = resilience.RetryConfig{
	MaxAttempts:  2,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       0.2,
}

// DefaultTimeout is the bounded timeout for policy engine calls.
const DefaultTimeout = 5 * time.Second

// Request is the full context sent to the policy decision point.
type Request struct {
	AgentID           string                 `json:"agent_id"`
	AgentType         string                 `json:"agent_type"`
	ServiceName       string                 `json:"service_name"`
	Action            string                 `json:"action"`
	TrustScore        float64                `json:"trust_score"`
	Permission        *model.Permission      `json:"permission"`
	WalletBalance     string                 `json:"wallet_balance"`
	EstimatedCostUSD  string                 `json:"estimated_cost_usd"`
	CurrentHourCount  int64                  `json:"current_hour_count"`
	Hour              int                    `json:"hour"`
	Minute            int                    `json:"minute"`
	DayOfWeek         int                    `json:"day_of_week"`
}

// Decision is the policy engine's verdict.
type Decision struct {
	Allowed      bool
	RequiresHITL bool
	DenyReasons  []string
	Raw          string
}

// Client is C9.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a policy engine client against baseURL.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Evaluate calls the policy decision point. Any network error, non-2xx
// response, or parse failure yields a fail-closed deny — never a Go error
// that would let the caller treat this as something other than a denial.
func (c *Client) Evaluate(ctx context.Context, req Request) Decision {
	body, err := json.Marshal(req)
	if err != nil {
		return failClosed(fmt.Sprintf("policy engine error: marshal request: %v", err))
	}

	var resp *http.Response
	retryErr := resilience.Retry(ctx, retryConfig, func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		httpReq.Header.Set("Content-Type", "application/json")
		var doErr error
		resp, doErr = c.httpClient.Do(httpReq)
		return doErr
	})
	if retryErr != nil {
		return failClosed(fmt.Sprintf("policy engine error: %v", retryErr))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failClosed(fmt.Sprintf("policy engine error: read response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failClosed(fmt.Sprintf("policy engine error: status %d", resp.StatusCode))
	}

	if !gjson.ValidBytes(raw) {
		return failClosed("policy engine error: invalid JSON response")
	}

	parsed := gjson.ParseBytes(raw)
	var reasons []string
	for _, r := range parsed.Get("deny_reasons").Array() {
		reasons = append(reasons, r.String())
	}

	return Decision{
		Allowed:      parsed.Get("allowed").Bool(),
		RequiresHITL: parsed.Get("requires_hitl").Bool(),
		DenyReasons:  reasons,
		Raw:          string(raw),
	}
}

func failClosed(reason string) Decision {
	return Decision{Allowed: false, RequiresHITL: false, DenyReasons: []string{reason}}
}
