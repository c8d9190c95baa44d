// Package pipeline implements C16: the execution pipeline, the linear
// guard → action → audit sequence every agent-initiated call to an
// external service passes through.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fe-row/AEGIS/internal/aegis/anomaly"
	"github.com/fe-row/AEGIS/internal/aegis/audit"
	"github.com/fe-row/AEGIS/internal/aegis/breaker"
	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/firewall"
	"github.com/fe-row/AEGIS/internal/aegis/hitl"
	"github.com/fe-row/AEGIS/internal/aegis/jit"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/policy"
	"github.com/fe-row/AEGIS/internal/aegis/ssrf"
	"github.com/fe-row/AEGIS/internal/aegis/trust"
)

// Status is the outcome envelope of one pipeline run.
type Status string

const (
	StatusExecuted    Status = "executed"
	StatusBlocked     Status = "blocked"
	StatusHITLPending Status = "hitl_pending"
)

// DefaultOutboundTimeout bounds the proxied call itself.
const DefaultOutboundTimeout = 30 * time.Second

// IdempotencyLockTTL bounds how long one in-flight request holds its key.
const IdempotencyLockTTL = DefaultOutboundTimeout + 10*time.Second

// IdempotencyResultTTL is how long a completed response stays cached
// under its idempotency key.
const IdempotencyResultTTL = 24 * time.Hour

// Request is one call an agent wants proxied to an external service.
type Request struct {
	SponsorID      string
	AgentID        string
	ServiceName    string
	Action         string
	URL            string
	Method         string
	Headers        map[string]string
	Body           []byte
	Prompt         string
	Model          string
	EstimatedCost  decimal.Decimal
	IdempotencyKey string
	ClientIP       string
}

// Result is what the pipeline returns to its caller.
type Result struct {
	RequestID      string
	Status         Status
	ErrorCode      errs.Code
	Reason         string
	ResponseCode   int
	ResponseBody   []byte
	CostUSD        decimal.Decimal
	PolicyDecision policy.Decision
	DurationMS     int64
	HITLRequestID  string
}

// identityService is the narrow slice of identity.Service the pipeline
// needs.
type identityService interface {
	GetForSponsor(ctx context.Context, agentID, sponsorID string) (*model.Agent, error)
	Panic(ctx context.Context, agentID string) error
}

// walletService is the narrow slice of wallet.Service the pipeline needs.
type walletService interface {
	CanSpend(ctx context.Context, agentID string, amount decimal.Decimal) (bool, string, error)
	ReserveAndCharge(ctx context.Context, agentID string, amount decimal.Decimal, description, serviceName, actionType string) (bool, string, *model.WalletTransaction, error)
	Freeze(ctx context.Context, agentID string, frozen bool) error
}

// permissionCache is the narrow slice of permcache.Service the pipeline
// needs.
type permissionCache interface {
	Get(ctx context.Context, agentID, serviceName string) (*model.Permission, error)
}

// anomalyDetector is the narrow slice of anomaly.Detector the pipeline
// needs.
type anomalyDetector interface {
	DetectAnomaly(ctx context.Context, agentID, service, action string) (anomaly.Result, error)
	RecordAction(ctx context.Context, agentID, service, action string, cost float64) error
}

// breakerService is the narrow slice of breaker.Breaker the pipeline needs.
type breakerService interface {
	CheckAndTrip(ctx context.Context, agentID string, amount float64, tripped breaker.TrippedStore) (bool, error)
	RecordSpend(ctx context.Context, agentID string, amount float64, at time.Time) error
}

// policyClient is the narrow slice of policy.Client the pipeline needs.
type policyClient interface {
	Evaluate(ctx context.Context, req policy.Request) policy.Decision
}

// hitlGateway is the narrow slice of hitl.Gateway the pipeline needs.
type hitlGateway interface {
	Create(ctx context.Context, agentID, sponsorID, description string, payload map[string]interface{}, estimatedCost decimal.Decimal) (*model.HITLRequest, error)
}

// secretBroker is the narrow slice of jit.Broker the pipeline needs.
type secretBroker interface {
	Mint(ctx context.Context, agentID, serviceName, realSecret string, ttl time.Duration) (string, error)
	Revoke(ctx context.Context, agentID, token string) error
	RevokeAll(ctx context.Context, agentID string) error
}

// auditLogger is the narrow slice of audit.Logger the pipeline needs.
type auditLogger interface {
	Log(ctx context.Context, e audit.Entry) error
}

// trustEngine is the narrow slice of trust.Engine the pipeline needs.
type trustEngine interface {
	Adjust(ctx context.Context, agentID string, delta float64) (float64, error)
}

// ssrfGuard is the narrow slice of ssrf.Guard the pipeline needs.
type ssrfGuard interface {
	ValidateURL(ctx context.Context, rawURL string) ssrf.Result
}

// SponsorNotifier raises an out-of-band alert to a sponsor (anomaly and
// circuit breaker events); backed by the webhook package in production.
type SponsorNotifier interface {
	Notify(ctx context.Context, sponsorID, event string, details map[string]interface{})
}

// secretStore is the narrow slice of store.Persistent the pipeline needs
// beyond what the other components already wrap.
type secretStore interface {
	GetSecret(ctx context.Context, sponsorID, serviceName string) (*model.Secret, error)
	GetWallet(ctx context.Context, agentID string) (*model.Wallet, error)
	CreateSnapshot(ctx context.Context, snap *model.StateSnapshot) error
}

// idempotencyStore is the narrow slice of store.Ephemeral the pipeline
// needs for idempotency replay/locking and the hourly permission counter.
type idempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Pipeline is C16: it wires every guard/action component into the 21-step
// sequence spec.md §4.14 requires.
type Pipeline struct {
	persistent secretStore
	ephemeral  idempotencyStore

	identity  identityService
	wallet    walletService
	permCache permissionCache
	anomaly   anomalyDetector
	breaker   breakerService
	policy    policyClient
	hitl      hitlGateway
	jit       secretBroker
	audit     auditLogger
	trust     trustEngine
	ssrf      ssrfGuard

	crypto   *aegiscrypto.Primitives
	notifier SponsorNotifier

	httpClient *http.Client
}

// Deps bundles the already-constructed components the pipeline wires
// together. Every field is required except Notifier.
type Deps struct {
	Persistent secretStore
	Ephemeral  idempotencyStore
	Identity   identityService
	Wallet     walletService
	PermCache  permissionCache
	Anomaly    anomalyDetector
	Breaker    breakerService
	Policy     policyClient
	HITL       hitlGateway
	JIT        secretBroker
	Audit      auditLogger
	Trust      trustEngine
	SSRF       ssrfGuard
	Crypto     *aegiscrypto.Primitives
	Notifier   SponsorNotifier
	HTTPClient *http.Client
}

// New constructs the pipeline.
func New(d Deps) *Pipeline {
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultOutboundTimeout}
	}
	return &Pipeline{
		persistent: d.Persistent,
		ephemeral:  d.Ephemeral,
		identity:   d.Identity,
		wallet:     d.Wallet,
		permCache:  d.PermCache,
		anomaly:    d.Anomaly,
		breaker:    d.Breaker,
		policy:     d.Policy,
		hitl:       d.HITL,
		jit:        d.JIT,
		audit:      d.Audit,
		trust:      d.Trust,
		ssrf:       d.SSRF,
		crypto:     d.Crypto,
		notifier:   d.Notifier,
		httpClient: client,
	}
}

func idempotencyResponseKey(key string) string { return fmt.Sprintf("idempotency:response:%s", key) }
func idempotencyLockKey(key string) string      { return fmt.Sprintf("idempotency:lock:%s", key) }
func hourCounterKey(agentID, serviceName string, hour time.Time) string {
	return fmt.Sprintf("permcap:%s:%s:%s", agentID, serviceName, hour.UTC().Format("2006010215"))
}

// Execute runs the full pipeline for one request. It never returns a Go
// error for a policy-level denial — denials come back as a Result with
// Status == StatusBlocked, matching spec.md §7.2's "a successful
// decision, not an HTTP error." The request_id is minted once here and
// threaded through every Result so a replayed idempotent call returns the
// identical id, not a freshly minted one.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	// 1. Idempotency.
	if req.IdempotencyKey != "" {
		if cached, ok, err := p.ephemeral.Get(ctx, idempotencyResponseKey(req.IdempotencyKey)); err == nil && ok {
			var result Result
			if err := json.Unmarshal(cached, &result); err == nil {
				return &result, nil
			}
		}
		locked, err := p.ephemeral.SetNX(ctx, idempotencyLockKey(req.IdempotencyKey), []byte("1"), IdempotencyLockTTL)
		if err != nil {
			return nil, errs.Internal("acquire idempotency lock", err)
		}
		if !locked {
			return nil, errs.Conflict("a request with this idempotency key is already in flight")
		}
		defer p.ephemeral.Del(ctx, idempotencyLockKey(req.IdempotencyKey))
	}

	requestID := uuid.NewString()

	result, err := p.run(ctx, req, start, requestID)
	if err != nil {
		return nil, err
	}
	result.RequestID = requestID

	// Every outcome — executed, blocked, or hitl_pending — is cached under
	// the idempotency key: a replay must return the same verdict and the
	// same request_id regardless of which branch produced it.
	if req.IdempotencyKey != "" {
		if raw, err := json.Marshal(result); err == nil {
			_ = p.ephemeral.Set(ctx, idempotencyResponseKey(req.IdempotencyKey), raw, IdempotencyResultTTL)
		}
	}

	return result, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, start time.Time, requestID string) (*Result, error) {
	// 2. SSRF.
	ssrfResult := p.ssrf.ValidateURL(ctx, req.URL)
	if !ssrfResult.Safe {
		return p.blocked(ctx, req, start, errs.CodeSSRFBlocked, ssrfResult.Reason, nil)
	}

	// 3. Identity.
	agent, err := p.identity.GetForSponsor(ctx, req.AgentID, req.SponsorID)
	if err != nil {
		return nil, err
	}
	if agent.Status == model.AgentPanic {
		return p.blocked(ctx, req, start, errs.CodeAgentPanic, "agent is in panic state", nil)
	}
	if agent.Status != model.AgentActive {
		return p.blocked(ctx, req, start, errs.CodeAgentSuspended, fmt.Sprintf("agent status is %s", agent.Status), nil)
	}

	// 4. Prompt firewall.
	if req.Prompt != "" {
		fw := firewall.Analyze(req.Prompt)
		if !fw.Safe {
			if _, tErr := p.trust.Adjust(ctx, req.AgentID, trust.PenaltyPromptInjection); tErr != nil {
				return nil, tErr
			}
			return p.blocked(ctx, req, start, errs.CodePromptInjection, "prompt failed the injection firewall", map[string]interface{}{"threats": fw.Threats, "risk_score": fw.RiskScore})
		}
	}

	// 5. Anomaly detector.
	anomalyRes, err := p.anomaly.DetectAnomaly(ctx, req.AgentID, req.ServiceName, req.Action)
	if err != nil {
		return nil, err
	}
	if anomalyRes.IsAnomalous {
		if _, tErr := p.trust.Adjust(ctx, req.AgentID, trust.PenaltyAnomaly); tErr != nil {
			return nil, tErr
		}
		p.notify(ctx, req.SponsorID, "anomaly_detected", map[string]interface{}{"agent_id": req.AgentID, "anomalies": anomalyRes.Anomalies})
		return p.blocked(ctx, req, start, errs.CodeAnomalyDetected, "anomalous behavior detected", map[string]interface{}{"anomalies": anomalyRes.Anomalies})
	}

	// 6. Permission cache.
	perm, err := p.permCache.Get(ctx, req.AgentID, req.ServiceName)
	if err != nil {
		return nil, err
	}
	if perm == nil || !perm.Active {
		return p.blocked(ctx, req, start, errs.CodeNoPermission, "no active permission for this service", nil)
	}

	// 7. Wallet preflight.
	canSpend, reason, err := p.wallet.CanSpend(ctx, req.AgentID, req.EstimatedCost)
	if err != nil {
		return nil, err
	}
	if !canSpend {
		return p.blocked(ctx, req, start, errs.CodeWalletInsufficientFunds, reason, nil)
	}

	// 8. Circuit breaker.
	tripped, err := p.breaker.CheckAndTrip(ctx, req.AgentID, toFloat(req.EstimatedCost), breakerTripAdapter{identity: p.identity, wallet: p.wallet, jit: p.jit})
	if err != nil {
		return nil, err
	}
	if tripped {
		if _, tErr := p.trust.Adjust(ctx, req.AgentID, trust.PenaltyCircuitBreak); tErr != nil {
			return nil, tErr
		}
		p.notify(ctx, req.SponsorID, "circuit_breaker_tripped", map[string]interface{}{"agent_id": req.AgentID})
		return p.blocked(ctx, req, start, errs.CodeCircuitBreaker, "circuit breaker tripped", nil)
	}

	// Hourly permission cap counter, read before the policy call and
	// incremented after a successful invoke (steps 6's permission record
	// and step 17).
	hourKey := hourCounterKey(req.AgentID, req.ServiceName, time.Now())
	currentHourCount, _ := p.peekCounter(ctx, hourKey)

	now := time.Now().UTC()

	// 9. Policy engine.
	wallet, err := p.walletBalance(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	decision := p.policy.Evaluate(ctx, policy.Request{
		AgentID:          req.AgentID,
		AgentType:        agent.AgentType,
		ServiceName:      req.ServiceName,
		Action:           req.Action,
		TrustScore:       agent.TrustScore,
		Permission:       perm,
		WalletBalance:    wallet.StringFixed(6),
		EstimatedCostUSD: req.EstimatedCost.StringFixed(6),
		CurrentHourCount: currentHourCount,
		Hour:             now.Hour(),
		Minute:           now.Minute(),
		DayOfWeek:        int(now.Weekday()),
	})
	if !decision.Allowed && !decision.RequiresHITL {
		if _, tErr := p.trust.Adjust(ctx, req.AgentID, trust.PenaltyPolicyViolation); tErr != nil {
			return nil, tErr
		}
		return p.blockedWithPolicy(ctx, req, start, errs.CodePolicyDenied, firstOr(decision.DenyReasons, "policy denied"), decision, nil)
	}

	// 10. HITL branch: notify the sponsor out-of-band and hand back a
	// pending result. Execute caches this under the idempotency key like
	// any other outcome, so a retry of the same request returns the same
	// hitl_pending verdict and request_id rather than opening a second
	// approval.
	if decision.RequiresHITL {
		hitlReq, err := p.hitl.Create(ctx, req.AgentID, req.SponsorID, fmt.Sprintf("%s %s on %s", req.Action, req.Method, req.ServiceName), map[string]interface{}{
			"url":    req.URL,
			"method": req.Method,
			"body":   string(req.Body),
		}, req.EstimatedCost)
		if err != nil {
			return nil, err
		}
		p.notify(ctx, req.SponsorID, "hitl_pending", map[string]interface{}{
			"agent_id":        req.AgentID,
			"hitl_request_id": hitlReq.ID,
			"request_id":      requestID,
		})
		return &Result{
			Status:         StatusHITLPending,
			PolicyDecision: decision,
			HITLRequestID:  hitlReq.ID,
			DurationMS:     time.Since(start).Milliseconds(),
		}, nil
	}

	// 11. JIT mint.
	secret, err := p.persistent.GetSecret(ctx, req.SponsorID, req.ServiceName)
	if err != nil {
		return nil, errs.Internal("load secret", err)
	}
	if secret == nil {
		return p.blocked(ctx, req, start, errs.CodeNoPermission, "no secret vault entry configured for this service", nil)
	}
	subject := []byte(fmt.Sprintf("sponsor:%s:service:%s", req.SponsorID, req.ServiceName))
	realSecret, err := p.crypto.Decrypt(subject, "aegis-secret-vault", secret.EncryptedValue)
	if err != nil {
		return nil, errs.Internal("decrypt vault secret", err)
	}
	token, err := p.jit.Mint(ctx, req.AgentID, req.ServiceName, string(realSecret), jit.DefaultTTL)
	if err != nil {
		return nil, err
	}

	// 12. Outbound HTTP.
	responseCode, responseBody, outboundErr := p.invoke(ctx, req, token)

	// 13. JIT revoke.
	_ = p.jit.Revoke(ctx, req.AgentID, token)

	if outboundErr != nil {
		return nil, outboundErr
	}

	// 14. Wallet charge.
	charged, denyReason, _, err := p.wallet.ReserveAndCharge(ctx, req.AgentID, req.EstimatedCost, fmt.Sprintf("%s:%s", req.ServiceName, req.Action), req.ServiceName, req.Action)
	if err != nil {
		return nil, err
	}
	if !charged {
		return p.blocked(ctx, req, start, errs.CodeWalletInsufficientFunds, denyReason, nil)
	}
	if err := p.breaker.RecordSpend(ctx, req.AgentID, toFloat(req.EstimatedCost), time.Now()); err != nil {
		return nil, err
	}

	// 15. Behavior record.
	if err := p.anomaly.RecordAction(ctx, req.AgentID, req.ServiceName, req.Action, toFloat(req.EstimatedCost)); err != nil {
		return nil, err
	}

	// 16. Trust reward.
	if responseCode >= 200 && responseCode < 400 {
		if _, err := p.trust.Adjust(ctx, req.AgentID, trust.RewardSuccessfulAction); err != nil {
			return nil, err
		}
	}

	// 17. Counter increment.
	_, _ = p.ephemeral.Incr(ctx, hourKey)
	_ = p.ephemeral.Expire(ctx, hourKey, time.Hour)

	duration := time.Since(start)

	// 18. Audit append.
	if err := p.audit.Log(ctx, audit.Entry{
		AgentID:           req.AgentID,
		SponsorID:         req.SponsorID,
		ActionType:        req.Action,
		ServiceName:       req.ServiceName,
		Prompt:            req.Prompt,
		Model:             req.Model,
		PermissionGranted: true,
		PolicyEvaluation:  map[string]interface{}{"allowed": decision.Allowed, "raw": decision.Raw},
		CostUSD:           req.EstimatedCost,
		ResponseCode:      responseCode,
		ClientIP:          req.ClientIP,
		DurationMS:        duration.Milliseconds(),
	}); err != nil {
		return nil, err
	}

	// 19. Snapshot for mutating methods; failures here are non-fatal.
	if isMutatingMethod(req.Method) {
		p.snapshot(ctx, req, responseCode)
	}

	// 20/21. Build response; the idempotency cache write and lock release
	// happen in Execute.
	return &Result{
		Status:         StatusExecuted,
		ResponseCode:   responseCode,
		ResponseBody:   responseBody,
		CostUSD:        req.EstimatedCost,
		PolicyDecision: decision,
		DurationMS:     duration.Milliseconds(),
	}, nil
}

func (p *Pipeline) invoke(ctx context.Context, req Request, token string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, nil, errs.Internal("build outbound request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	client := *p.httpClient
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, errs.Internal("outbound call", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, nil, errs.Internal("read outbound response", err)
	}
	return resp.StatusCode, body, nil
}

func (p *Pipeline) snapshot(ctx context.Context, req Request, responseCode int) {
	snap := &model.StateSnapshot{
		AgentID: req.AgentID,
		SnapshotData: map[string]interface{}{
			"method": req.Method,
			"url":    req.URL,
			"status": responseCode,
		},
		RollbackInstructions: map[string]interface{}{
			"service": req.ServiceName,
			"action":  req.Action,
		},
	}
	_ = p.persistent.CreateSnapshot(ctx, snap)
}

func (p *Pipeline) blocked(ctx context.Context, req Request, start time.Time, code errs.Code, reason string, metadata map[string]interface{}) (*Result, error) {
	return p.blockedWithPolicy(ctx, req, start, code, reason, policy.Decision{}, metadata)
}

func (p *Pipeline) blockedWithPolicy(ctx context.Context, req Request, start time.Time, code errs.Code, reason string, decision policy.Decision, metadata map[string]interface{}) (*Result, error) {
	duration := time.Since(start)
	policyEval := map[string]interface{}{"error_code": string(code), "reason": reason}
	for k, v := range metadata {
		policyEval[k] = v
	}
	if err := p.audit.Log(ctx, audit.Entry{
		AgentID:           req.AgentID,
		SponsorID:         req.SponsorID,
		ActionType:        req.Action,
		ServiceName:       req.ServiceName,
		Prompt:            req.Prompt,
		Model:             req.Model,
		PermissionGranted: false,
		PolicyEvaluation:  policyEval,
		CostUSD:           decimal.Zero,
		ResponseCode:      0,
		ClientIP:          req.ClientIP,
		DurationMS:        duration.Milliseconds(),
	}); err != nil {
		return nil, err
	}
	return &Result{
		Status:         StatusBlocked,
		ErrorCode:      code,
		Reason:         reason,
		PolicyDecision: decision,
		DurationMS:     duration.Milliseconds(),
	}, nil
}

func (p *Pipeline) walletBalance(ctx context.Context, agentID string) (decimal.Decimal, error) {
	w, err := p.persistent.GetWallet(ctx, agentID)
	if err != nil {
		return decimal.Zero, errs.Internal("load wallet balance", err)
	}
	if w == nil {
		return decimal.Zero, errs.NotFound("wallet", agentID)
	}
	return w.Balance, nil
}

func (p *Pipeline) peekCounter(ctx context.Context, key string) (int64, error) {
	return p.ephemeral.IncrBy(ctx, key, 0)
}

func (p *Pipeline) notify(ctx context.Context, sponsorID, event string, details map[string]interface{}) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(ctx, sponsorID, event, details)
}

// breakerTripAdapter implements breaker.TrippedStore by composing the
// identity, wallet, and jit services already wired into the pipeline.
type breakerTripAdapter struct {
	identity identityService
	wallet   walletService
	jit      secretBroker
}

func (a breakerTripAdapter) PanicAgent(ctx context.Context, agentID string) error {
	return a.identity.Panic(ctx, agentID)
}

func (a breakerTripAdapter) RevokeAllJIT(ctx context.Context, agentID string) error {
	return a.jit.RevokeAll(ctx, agentID)
}

func (a breakerTripAdapter) FreezeWallet(ctx context.Context, agentID string) error {
	return a.wallet.Freeze(ctx, agentID, true)
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func firstOr(reasons []string, fallback string) string {
	if len(reasons) > 0 {
		return reasons[0]
	}
	return fallback
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
