// Package model defines the plain record types AEGIS persists and passes
// between components. Relationships are foreign-key ids, not object graphs.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgentStatus is the lifecycle state of an agent identity.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentRevoked   AgentStatus = "revoked"
	AgentPanic     AgentStatus = "panic"
)

// Agent is an autonomous software actor acting on behalf of a sponsor.
type Agent struct {
	ID          string
	SponsorID   string
	Name        string
	AgentType   string
	Status      AgentStatus
	TrustScore  float64
	Fingerprint string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TimeWindow is an HH:MM-HH:MM time-of-day window.
type TimeWindow struct {
	Start string
	End   string
}

// Permission scopes an agent's allowed actions against one service.
type Permission struct {
	ID                string
	AgentID           string
	ServiceName       string
	AllowedActions    []string
	MaxRequestsPerHr  int
	Window            TimeWindow
	RecordCap         int
	RequiresHITL      bool
	PolicyOverride    map[string]interface{}
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Wallet is an agent's spending budget. All monetary fields are fixed-point
// decimal (12,6) — never binary float.
type Wallet struct {
	AgentID         string
	Balance         decimal.Decimal
	DailyLimit      decimal.Decimal
	MonthlyLimit    decimal.Decimal
	SpentToday      decimal.Decimal
	SpentThisMonth  decimal.Decimal
	LastDailyReset  time.Time
	LastMonthlyReset time.Time
	Frozen          bool
}

// WalletTransaction is an append-only ledger row for a wallet mutation.
type WalletTransaction struct {
	ID          string
	AgentID     string
	Amount      decimal.Decimal
	Description string
	ServiceName string
	ActionType  string
	CreatedAt   time.Time
}

// Secret is an AEAD-encrypted vault entry, unique per (sponsor, service).
type Secret struct {
	ID                string
	SponsorID         string
	ServiceName       string
	EncryptedValue    []byte
	SecretType        string
	RotationIntervalH int
	LastRotatedAt     time.Time
}

// AuditEntry is one append-only, hash-chained ledger row.
type AuditEntry struct {
	ID                int64
	LogHash           string
	PreviousHash      string
	AgentID           string
	SponsorID         string
	ActionType        string
	ServiceName       string
	Prompt            string
	Model             string
	PermissionGranted bool
	PolicyEvaluation  map[string]interface{}
	CostUSD           decimal.Decimal
	ResponseCode      int
	ClientIP          string
	DurationMS        int64
	Metadata          map[string]interface{}
	CreatedAt         time.Time
	TSAToken          []byte
	ExportedAt        *time.Time
}

// HITLStatus is the state of a human-in-the-loop approval request.
type HITLStatus string

const (
	HITLPending  HITLStatus = "pending"
	HITLApproved HITLStatus = "approved"
	HITLRejected HITLStatus = "rejected"
	HITLExpired  HITLStatus = "expired"
)

// HITLRequest is a pause point requiring a sponsor's explicit approval.
type HITLRequest struct {
	ID             string
	AgentID        string
	SponsorID      string
	Description    string
	Payload        map[string]interface{}
	EstimatedCost  decimal.Decimal
	Status         HITLStatus
	Decider        string
	DecisionNote   string
	CreatedAt      time.Time
	DecidedAt      *time.Time
	ExpiresAt      time.Time
}

// BehaviorProfile summarizes an agent's typical runtime signal.
type BehaviorProfile struct {
	AgentID         string
	TypicalServices []string
	HourFrequency   map[int]int
	AvgRequestsPerH float64
	AvgCostPerAction decimal.Decimal
	FeatureVector   []float64
	UpdatedAt       time.Time
}

// StateSnapshot records enough to undo a mutating action.
type StateSnapshot struct {
	ID                   string
	AgentID              string
	AuditID              int64
	SnapshotData         map[string]interface{}
	RollbackInstructions map[string]interface{}
	RolledBack           bool
	RolledBackAt         *time.Time
	CreatedAt            time.Time
}
