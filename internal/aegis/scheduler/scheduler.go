// Package scheduler implements C17: the two periodic background tasks
// that keep the audit chain durable and the secret vault rotated without
// sitting in the request path of any single proxied call.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fe-row/AEGIS/infrastructure/logging"
	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/rotation"
)

// DefaultAuditFlushInterval and DefaultRotationCheckInterval are the
// scheduler's default tick periods, overridable via config.
const (
	DefaultAuditFlushInterval    = 10 * time.Second
	DefaultRotationCheckInterval = time.Hour
)

// auditFlusher is the narrow slice of audit.Logger the scheduler needs.
type auditFlusher interface {
	FlushBuffer(ctx context.Context) (int, error)
}

// secretStore is the narrow slice of store.Persistent the rotation task
// needs.
type secretStore interface {
	ListSecretsForRotation(ctx context.Context, asOf time.Time) ([]*model.Secret, error)
	MarkSecretRotated(ctx context.Context, secretID string, newEncryptedValue []byte, rotatedAt time.Time) error
}

// Scheduler is C17: it owns the lifecycle of the audit-flush and
// secret-rotation background jobs, scheduled on a robfig/cron runner rather
// than a hand-rolled ticker loop.
type Scheduler struct {
	audit  auditFlusher
	vault  secretStore
	crypto *aegiscrypto.Primitives
	strat  *rotation.Registry
	log    *logging.Logger

	auditInterval    time.Duration
	rotationInterval time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Config bundles the Scheduler's tunables; zero values fall back to the
// package defaults.
type Config struct {
	AuditFlushInterval    time.Duration
	RotationCheckInterval time.Duration
}

// New constructs the scheduler. log may be nil.
func New(audit auditFlusher, vault secretStore, crypto *aegiscrypto.Primitives, strat *rotation.Registry, log *logging.Logger, cfg Config) *Scheduler {
	if cfg.AuditFlushInterval <= 0 {
		cfg.AuditFlushInterval = DefaultAuditFlushInterval
	}
	if cfg.RotationCheckInterval <= 0 {
		cfg.RotationCheckInterval = DefaultRotationCheckInterval
	}
	if strat == nil {
		strat = rotation.NewRegistry(nil)
	}
	return &Scheduler{
		audit:            audit,
		vault:            vault,
		crypto:           crypto,
		strat:            strat,
		log:              log,
		auditInterval:    cfg.AuditFlushInterval,
		rotationInterval: cfg.RotationCheckInterval,
	}
}

// Start schedules both periodic jobs onto a fresh cron runner and starts
// it. Safe to call once; a second call on an already-running scheduler is
// a no-op. ctx bounds each job invocation, not the scheduler's own
// lifetime — cancelling it only affects jobs already in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	c.Schedule(cron.Every(s.auditInterval), cron.FuncJob(func() {
		if err := s.flushTick(ctx); err != nil {
			s.warn("audit-flush tick failed: %v", err)
		}
	}))
	c.Schedule(cron.Every(s.rotationInterval), cron.FuncJob(func() {
		if err := s.rotationTick(ctx); err != nil {
			s.warn("secret-rotation tick failed: %v", err)
		}
	}))
	c.Start()

	s.cron = c
	s.running = true
	s.info("scheduler started")
	return nil
}

// Stop tells cron to stop scheduling new runs and waits for any in-flight
// job to finish, then runs one final audit flush to drain whatever
// accumulated in the buffer since the last tick.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := s.audit.FlushBuffer(ctx); err != nil {
		s.warn("final drain flush failed: %v", err)
	}

	s.info("scheduler stopped")
	return nil
}

func (s *Scheduler) flushTick(ctx context.Context) error {
	n, err := s.audit.FlushBuffer(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.info(fmt.Sprintf("flushed %d audit entries", n))
	}
	return nil
}

// rotationTick scans the vault for entries with a positive rotation
// interval past their deadline and invokes each one's registered rotation
// strategy, re-encrypting and persisting the result.
func (s *Scheduler) rotationTick(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.vault.ListSecretsForRotation(ctx, now)
	if err != nil {
		return err
	}
	for _, secret := range due {
		if secret.RotationIntervalH <= 0 {
			continue
		}
		if err := s.rotateOne(ctx, secret, now); err != nil {
			s.warn("rotate secret %s/%s failed: %v", secret.SponsorID, secret.ServiceName, err)
		}
	}
	return nil
}

func (s *Scheduler) rotateOne(ctx context.Context, secret *model.Secret, now time.Time) error {
	subject := []byte(fmt.Sprintf("sponsor:%s:service:%s", secret.SponsorID, secret.ServiceName))
	current, err := s.crypto.Decrypt(subject, "aegis-secret-vault", secret.EncryptedValue)
	if err != nil {
		return fmt.Errorf("decrypt current secret: %w", err)
	}

	strategy := s.strat.Resolve(secret.ServiceName)
	next, err := strategy.Rotate(ctx, secret.SponsorID, secret.ServiceName, string(current))
	if err != nil {
		return fmt.Errorf("run rotation strategy: %w", err)
	}

	encrypted, err := s.crypto.Encrypt(subject, "aegis-secret-vault", []byte(next))
	if err != nil {
		return fmt.Errorf("encrypt rotated secret: %w", err)
	}

	if err := s.vault.MarkSecretRotated(ctx, secret.ID, encrypted, now); err != nil {
		return fmt.Errorf("persist rotated secret: %w", err)
	}
	s.info(fmt.Sprintf("rotated secret for sponsor=%s service=%s", secret.SponsorID, secret.ServiceName))
	return nil
}

func (s *Scheduler) info(msg string) {
	if s.log != nil {
		s.log.Info(context.Background(), msg, nil)
	}
}

func (s *Scheduler) warn(format string, args ...interface{}) {
	if s.log != nil {
		s.log.WithFields(nil).Warnf(format, args...)
	}
}
