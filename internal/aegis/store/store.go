// Package store defines the two storage-layer seams AEGIS is built on: the
// durable Persistent store (C1, Postgres) and the Ephemeral store (C2,
// Redis). Components depend only on these interfaces so tests can swap in
// sqlmock/miniredis-style doubles.
package store

import (
	"context"
	"time"

	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// Persistent is the durable store backing agents, permissions, wallets,
// secrets, audit logs, HITL requests, behavior profiles, and snapshots.
type Persistent interface {
	// Agents
	CreateAgent(ctx context.Context, agent *model.Agent, wallet *model.Wallet, profile *model.BehaviorProfile) error
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	GetAgentForSponsor(ctx context.Context, agentID, sponsorID string) (*model.Agent, error)
	ListAgents(ctx context.Context, sponsorID string, limit, offset int) ([]*model.Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status model.AgentStatus) error
	UpdateAgentTrust(ctx context.Context, agentID string, trustScore float64) error

	// Permissions
	GetActivePermission(ctx context.Context, agentID, serviceName string) (*model.Permission, error)
	UpsertPermission(ctx context.Context, perm *model.Permission) error
	DeactivatePermission(ctx context.Context, agentID, serviceName string) error

	// Wallets — WithWalletLock provides the serializable row-level-locked
	// transaction scope spec.md §4.3 requires for reserve_and_charge.
	GetWallet(ctx context.Context, agentID string) (*model.Wallet, error)
	WithWalletLock(ctx context.Context, agentID string, fn func(ctx context.Context, w *model.Wallet) (*model.Wallet, *model.WalletTransaction, error)) (*model.Wallet, *model.WalletTransaction, error)
	FreezeWallet(ctx context.Context, agentID string, frozen bool) error

	// Secrets
	GetSecret(ctx context.Context, sponsorID, serviceName string) (*model.Secret, error)
	UpsertSecret(ctx context.Context, secret *model.Secret) error
	ListSecretsForRotation(ctx context.Context, asOf time.Time) ([]*model.Secret, error)
	MarkSecretRotated(ctx context.Context, secretID string, newEncryptedValue []byte, rotatedAt time.Time) error

	// Audit
	InsertAuditEntries(ctx context.Context, entries []*model.AuditEntry) error
	LatestLogHash(ctx context.Context) (string, error)
	QueryAudit(ctx context.Context, sponsorID string, agentID, serviceName string, since *time.Time, limit, offset int) ([]*model.AuditEntry, error)
	CountRecentAudit(ctx context.Context, agentID string, hours int) (int, error)
	AuditEntriesByID(ctx context.Context, fromID, toID int64, limit int) ([]*model.AuditEntry, error)
	MarkAuditExported(ctx context.Context, ids []int64, exportedAt time.Time, tsaToken []byte) error
	InsertExportLedger(ctx context.Context, batchHash string, fromID, toID int64, exportedBy string, exportedAt time.Time) error

	// HITL
	CreateHITLRequest(ctx context.Context, req *model.HITLRequest) error
	DecideHITLRequest(ctx context.Context, id string, now time.Time, approve bool, decider, note string) (*model.HITLRequest, error)
	GetHITLRequest(ctx context.Context, id string) (*model.HITLRequest, error)
	ListPendingHITL(ctx context.Context, sponsorID string) ([]*model.HITLRequest, error)

	// Behavior profiles
	GetBehaviorProfile(ctx context.Context, agentID string) (*model.BehaviorProfile, error)
	UpsertBehaviorProfile(ctx context.Context, profile *model.BehaviorProfile) error

	// Snapshots
	CreateSnapshot(ctx context.Context, snap *model.StateSnapshot) error
	MarkSnapshotRolledBack(ctx context.Context, id string, at time.Time) error
	GetSnapshot(ctx context.Context, id string) (*model.StateSnapshot, error)
	ListSnapshotsForAgent(ctx context.Context, agentID string, limit int) ([]*model.StateSnapshot, error)
}

// Ephemeral is the fast, TTL-bearing store backing rate counters, the JIT
// token map, the idempotency cache, the permission cache, the audit
// buffer/processing lists, behavior history, locks, and the revocation set.
type Ephemeral interface {
	// Generic key/value with TTL, used by the permission cache and JIT map.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// NX-locking primitives for idempotency and the audit flush lock.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, expectedValue []byte) (bool, error)

	// Lists, used for buffer/processing queues.
	RPush(ctx context.Context, key string, values ...[]byte) error
	LPop(ctx context.Context, key string) ([]byte, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LLen(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sorted sets, used by the circuit breaker's windowed spend sums.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Counters, used by the rate limiter and hourly permission caps.
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}
