// Package webhook implements HMAC-SHA256 signed outbound notifications to
// sponsor-configured endpoints, plus the alerting sink for high-cost HITL
// requests and circuit breaker trips.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultTimeout bounds an outbound webhook call.
const DefaultTimeout = 10 * time.Second

// MaxClockSkew is the oldest a timestamp may be before a receiver should
// reject the delivery as stale — carried here for symmetry with what a
// receiving implementation must enforce.
const MaxClockSkew = 300 * time.Second

// Sink delivers signed JSON payloads to sponsor-configured endpoints and
// raises standalone alerts (e.g. high-estimated-cost HITL requests,
// circuit breaker trips) to an operational alerting channel.
type Sink struct {
	httpClient *http.Client
	secret     []byte
}

// New constructs a webhook sink signing with secret.
func New(secret []byte, httpClient *http.Client) *Sink {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Sink{httpClient: httpClient, secret: secret}
}

// Deliver POSTs payload as canonical JSON to url, signed per spec.md §6:
// `X-Aegis-Signature: sha256=<hex>` over `timestamp + "." + canonical_body`,
// and `X-Aegis-Timestamp: <unix>`.
func (s *Sink) Deliver(ctx context.Context, url string, payload interface{}) error {
	body, err := canonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	timestamp := time.Now().UTC().Unix()
	signature := s.sign(timestamp, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aegis-Signature", fmt.Sprintf("sha256=%s", signature))
	req.Header.Set("X-Aegis-Timestamp", fmt.Sprintf("%d", timestamp))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sink) sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(fmt.Sprintf("%d.", timestamp)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an inbound signature against MaxClockSkew and the shared
// secret — used by receivers of AEGIS's own webhooks, and by this
// package's own tests.
func (s *Sink) Verify(signatureHeader string, timestamp int64, body []byte) bool {
	if time.Since(time.Unix(timestamp, 0)) > MaxClockSkew {
		return false
	}
	want := "sha256=" + s.sign(timestamp, body)
	return hmac.Equal([]byte(signatureHeader), []byte(want))
}

func canonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// AlertSink raises operational alerts that are not per-sponsor webhooks
// (e.g. a dedicated ops channel for high-cost approvals and breaker
// trips).
type AlertSink interface {
	Alert(ctx context.Context, title, message string, fields map[string]interface{})
}

// LoggingAlertSink is the default AlertSink: it logs structured events via
// whatever Logger is wired in, used when no external alerting integration
// is configured.
type LoggingAlertSink struct {
	Log func(title, message string, fields map[string]interface{})
}

// Alert implements AlertSink.
func (l *LoggingAlertSink) Alert(_ context.Context, title, message string, fields map[string]interface{}) {
	if l.Log != nil {
		l.Log(title, message, fields)
	}
}
