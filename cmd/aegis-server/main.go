// Command aegis-server is the AEGIS process entrypoint: it wires storage,
// every domain component, the execution pipeline, the background
// scheduler, and the HTTP surface, then serves until a shutdown signal
// drains the audit buffer one final time.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/fe-row/AEGIS/infrastructure/logging"
	infmetrics "github.com/fe-row/AEGIS/infrastructure/metrics"
	infmw "github.com/fe-row/AEGIS/infrastructure/middleware"
	"github.com/fe-row/AEGIS/internal/aegis/anomaly"
	"github.com/fe-row/AEGIS/internal/aegis/audit"
	"github.com/fe-row/AEGIS/internal/aegis/breaker"
	"github.com/fe-row/AEGIS/internal/aegis/config"
	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/forensic"
	"github.com/fe-row/AEGIS/internal/aegis/hitl"
	"github.com/fe-row/AEGIS/internal/aegis/httpapi"
	"github.com/fe-row/AEGIS/internal/aegis/identity"
	"github.com/fe-row/AEGIS/internal/aegis/jit"
	"github.com/fe-row/AEGIS/internal/aegis/permcache"
	"github.com/fe-row/AEGIS/internal/aegis/pipeline"
	"github.com/fe-row/AEGIS/internal/aegis/policy"
	"github.com/fe-row/AEGIS/internal/aegis/rollback"
	"github.com/fe-row/AEGIS/internal/aegis/rotation"
	"github.com/fe-row/AEGIS/internal/aegis/scheduler"
	"github.com/fe-row/AEGIS/internal/aegis/ssrf"
	"github.com/fe-row/AEGIS/internal/aegis/store/postgres"
	"github.com/fe-row/AEGIS/internal/aegis/store/redis"
	"github.com/fe-row/AEGIS/internal/aegis/trust"
	"github.com/fe-row/AEGIS/internal/aegis/wallet"
	"github.com/fe-row/AEGIS/internal/aegis/webhook"
)

func main() {
	cfg := config.Load()
	log := logging.New("aegis", cfg.LogLevel, cfg.LogFormat)

	masterKey, err := decodeMasterKey(cfg.MasterKeyHex)
	if err != nil {
		log.Fatal(context.Background(), "invalid master key", err)
	}
	crypto, err := aegiscrypto.New(masterKey)
	if err != nil {
		log.Fatal(context.Background(), "initialise crypto primitives", err)
	}

	pg, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(context.Background(), "connect to postgres", err)
	}
	rdb := redis.Open(cfg.RedisAddr, cfg.RedisDB)

	metrics := infmetrics.New("aegis")

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	outboundClient := &http.Client{Timeout: cfg.ProxiedCallTimeout}

	sink := webhook.New([]byte(cfg.WebhookSecret), httpClient)
	alerts := &webhook.LoggingAlertSink{Log: func(title, message string, fields map[string]interface{}) {
		log.LogSecurityEvent(context.Background(), title, mergeFields(message, fields))
	}}
	notifier := &webhook.SponsorAlertNotifier{Sink: sink, Targets: cfg.WebhookEndpoints, Alerts: alerts}
	targets := webhook.StaticTargets(cfg.WebhookEndpoints)

	identitySvc := identity.New(pg)
	walletSvc := wallet.New(pg)
	permCacheSvc := permcache.New(rdb, pg)
	anomalyDet := anomaly.New(rdb, pg)
	breakerSvc := breaker.New(rdb, time.Duration(cfg.CircuitBreakerWindowSeconds)*time.Second, cfg.CircuitBreakerThresholdPct, notifier)
	policyClient := policy.New(cfg.PolicyEngineURL, &http.Client{Timeout: cfg.PolicyEngineTimeout})
	hitlGateway := hitl.New(pg, sink, targets, alerts)
	jitBroker := jit.New(rdb)
	auditLogger := audit.New(rdb, pg, func(format string, args ...interface{}) {
		log.Warn(context.Background(), fmt.Sprintf(format, args...), nil)
	})
	trustEngine := trust.New(identitySvc)
	ssrfGuard := ssrf.New(nil)

	var tsa forensic.TSAClient
	if cfg.TSAEndpoint != "" {
		tsa = forensic.NewHTTPTSAClient(cfg.TSAEndpoint, httpClient)
	}
	exportSink, err := forensic.NewLocalSink(cfg.ForensicExportDir)
	if err != nil {
		log.Fatal(context.Background(), "initialise forensic export sink", err)
	}
	forensicExporter := forensic.New(pg, exportSink, tsa)
	rollbackSvc := rollback.New(pg)

	pl := pipeline.New(pipeline.Deps{
		Persistent: pg,
		Ephemeral:  rdb,
		Identity:   identitySvc,
		Wallet:     walletSvc,
		PermCache:  permCacheSvc,
		Anomaly:    anomalyDet,
		Breaker:    breakerSvc,
		Policy:     policyClient,
		HITL:       hitlGateway,
		JIT:        jitBroker,
		Audit:      auditLogger,
		Trust:      trustEngine,
		SSRF:       ssrfGuard,
		Crypto:     crypto,
		Notifier:   notifier,
		HTTPClient: outboundClient,
	})

	sched := scheduler.New(auditLogger, pg, crypto, rotation.NewRegistry(nil), log, scheduler.Config{
		AuditFlushInterval:    time.Duration(cfg.AuditFlushIntervalSeconds) * time.Second,
		RotationCheckInterval: time.Duration(cfg.SecretRotationCheckIntervalHours) * time.Hour,
	})
	schedCtx, schedCancel := context.WithCancel(context.Background())
	if err := sched.Start(schedCtx); err != nil {
		log.Fatal(context.Background(), "start scheduler", err)
	}

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn(context.Background(), "AEGIS_JWT_SECRET is unset; refusing unauthenticated default is unsafe in production", nil)
	}

	readyChecks := map[string]func() error{
		"postgres": func() error { return pg.Ping(context.Background()) },
		"redis":    func() error { return rdb.Ping(context.Background()) },
	}

	svc := httpapi.NewService(httpapi.Deps{
		Pipeline:  pl,
		Identity:  identitySvc,
		Wallet:    walletSvc,
		PermCache: permCacheSvc,
		HITL:      hitlGateway,
		Audit:     auditLogger,
		Forensic:  forensicExporter,
		Rollback:  rollbackSvc,
		Vault:     pg,
		Crypto:    crypto,

		Auth:    httpapi.NewJWTAuth(jwtSecret),
		Log:     log,
		Metrics: metrics,

		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RequestTimeout:      cfg.ProxiedCallTimeout,

		RateLimitDefaultRPM: cfg.RateLimitDefaultRPM,
		RateLimitAuthRPM:    cfg.RateLimitAuthRPM,
	}, readyChecks)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      svc.Router(),
		ReadTimeout:  cfg.HTTPClientTimeout,
		WriteTimeout: cfg.ProxiedCallTimeout,
	}

	shutdown := infmw.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		schedCancel()
		sched.Stop(context.Background())
		if _, err := auditLogger.FlushBuffer(context.Background()); err != nil {
			log.Error(context.Background(), "final audit flush on shutdown failed", err, nil)
		}
	})
	shutdown.ListenForSignals()

	go func() {
		log.Info(context.Background(), fmt.Sprintf("aegis listening on %s", server.Addr), nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(context.Background(), "http server failed", err)
		}
	}()

	shutdown.Wait()
}

func decodeMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("AEGIS_MASTER_KEY must be set to a 64-character hex string (32 bytes)")
	}
	return hex.DecodeString(hexKey)
}

func mergeFields(message string, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["message"] = message
	return out
}
