package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fe-row/AEGIS/infrastructure/logging"
	infmetrics "github.com/fe-row/AEGIS/infrastructure/metrics"
	infmw "github.com/fe-row/AEGIS/infrastructure/middleware"
	"github.com/fe-row/AEGIS/internal/aegis/audit"
	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/forensic"
	"github.com/fe-row/AEGIS/internal/aegis/hitl"
	"github.com/fe-row/AEGIS/internal/aegis/identity"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/permcache"
	"github.com/fe-row/AEGIS/internal/aegis/pipeline"
	"github.com/fe-row/AEGIS/internal/aegis/rollback"
	"github.com/fe-row/AEGIS/internal/aegis/wallet"
)

// secretVault is the narrow slice of store.Persistent the secret-vault
// management handlers need.
type secretVault interface {
	UpsertSecret(ctx context.Context, secret *model.Secret) error
}

// Deps bundles the already-constructed domain services the HTTP surface
// dispatches to; every field is required.
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Identity  *identity.Service
	Wallet    *wallet.Service
	PermCache *permcache.Service
	HITL      *hitl.Gateway
	Audit     *audit.Logger
	Forensic  *forensic.Exporter
	Rollback  *rollback.Service
	Vault     secretVault
	Crypto    *aegiscrypto.Primitives

	Auth    *JWTAuth
	Log     *logging.Logger
	Metrics *infmetrics.Metrics

	MaxRequestBodyBytes int64
	RequestTimeout      time.Duration

	RateLimitDefaultRPM int
	RateLimitAuthRPM    int
}

// Service owns the HTTP surface: §6's execution API plus the
// sponsor-facing management endpoints that front identity, wallet,
// permission, secret, HITL, audit, and forensic-export operations.
type Service struct {
	deps    Deps
	health  *infmw.HealthChecker
	limiter *infmw.RateLimiter
}

// NewService constructs the HTTP service. readyChecks are registered with
// the health checker (e.g. a Postgres/Redis ping).
func NewService(deps Deps, readyChecks map[string]func() error) *Service {
	health := infmw.NewHealthChecker("aegis")
	for name, check := range readyChecks {
		health.RegisterCheck(name, check)
	}
	return &Service{
		deps:    deps,
		health:  health,
		limiter: infmw.NewRateLimiterWithWindow(deps.RateLimitDefaultRPM, time.Minute, deps.RateLimitDefaultRPM, deps.Log),
	}
}

// Router builds the full gorilla/mux handler: security headers, CORS,
// body-size limit, request timeout, tracing/logging, metrics, and rate
// limiting wrap every route; §6's execution API and the sponsor management
// API additionally require a verified bearer token.
func (s *Service) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/livez", infmw.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(s.deps.Auth.Middleware)

	api.HandleFunc("/proxy/execute", s.handleExecute).Methods(http.MethodPost)

	api.HandleFunc("/agents", s.handleRegisterAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agent_id}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agent_id}/suspend", s.handleSuspendAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{agent_id}/activate", s.handleActivateAgent).Methods(http.MethodPost)

	api.HandleFunc("/agents/{agent_id}/permissions", s.handleUpsertPermission).Methods(http.MethodPut)
	api.HandleFunc("/agents/{agent_id}/permissions/{service}", s.handleDeactivatePermission).Methods(http.MethodDelete)

	api.HandleFunc("/agents/{agent_id}/wallet", s.handleGetWallet).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agent_id}/wallet/topup", s.handleTopUpWallet).Methods(http.MethodPost)
	api.HandleFunc("/agents/{agent_id}/wallet/freeze", s.handleFreezeWallet).Methods(http.MethodPost)

	api.HandleFunc("/secrets", s.handleUpsertSecret).Methods(http.MethodPut)

	api.HandleFunc("/hitl", s.handleListPendingHITL).Methods(http.MethodGet)
	api.HandleFunc("/hitl/{request_id}", s.handleGetHITL).Methods(http.MethodGet)
	api.HandleFunc("/hitl/{request_id}/decide", s.handleDecideHITL).Methods(http.MethodPost)

	api.HandleFunc("/audit", s.handleQueryAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit/verify", s.handleVerifyChain).Methods(http.MethodGet)

	api.HandleFunc("/forensic/verify", s.handleDeepVerify).Methods(http.MethodGet)
	api.HandleFunc("/forensic/export", s.handleExportBatch).Methods(http.MethodPost)

	api.HandleFunc("/agents/{agent_id}/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/{snapshot_id}/rollback", s.handleExecuteRollback).Methods(http.MethodPost)

	return s.wrap(r)
}

// wrap applies the process-wide middleware chain in the order spec.md §6
// requires: security headers and CORS first, then body-size and timeout
// bounds, then rate limiting, then tracing/logging and metrics; innermost
// of all is panic recovery around the actual handler.
func (s *Service) wrap(h http.Handler) http.Handler {
	recovery := infmw.NewRecoveryMiddleware(s.deps.Log)
	h = recovery.Handler(h)
	h = infmw.MetricsMiddleware("aegis", s.deps.Metrics)(h)
	h = infmw.LoggingMiddleware(s.deps.Log)(h)
	h = s.limiter.Handler(h)
	h = infmw.NewTimeoutMiddleware(s.deps.RequestTimeout).Handler(h)
	h = infmw.NewBodyLimitMiddleware(s.deps.MaxRequestBodyBytes).Handler(h)
	h = infmw.NewCORSMiddleware(nil).Handler(h)
	h = infmw.NewSecurityHeadersMiddleware(nil).Handler(h)
	return h
}

