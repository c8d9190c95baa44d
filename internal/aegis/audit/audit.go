// Package audit implements C13: buffered, crash-safe, hash-chained audit
// logging.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/store"
)

const (
	bufferKey     = "audit:buffer"
	processingKey = "audit:processing"
	flushLockKey  = "audit:flush"

	// MaxPromptChars is the stored prompt truncation length.
	MaxPromptChars = 500

	// MaxFlushBatch is the most entries one flush moves buffer→processing.
	MaxFlushBatch = 200

	// FlushLockTTL bounds how long one flush holds the distributed lock.
	FlushLockTTL = 15 * time.Second
)

// persistentStore is the narrow slice of store.Persistent the audit
// service needs.
type persistentStore interface {
	InsertAuditEntries(ctx context.Context, entries []*model.AuditEntry) error
	LatestLogHash(ctx context.Context) (string, error)
	QueryAudit(ctx context.Context, sponsorID string, agentID, serviceName string, since *time.Time, limit, offset int) ([]*model.AuditEntry, error)
	CountRecentAudit(ctx context.Context, agentID string, hours int) (int, error)
	AuditEntriesByID(ctx context.Context, fromID, toID int64, limit int) ([]*model.AuditEntry, error)
}

// Entry is the input shape for Log, before buffering.
type Entry struct {
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
}

// bufferedRecord is what actually sits in the buffer/processing lists —
// just enough to rebuild a chained AuditEntry at flush time.
type bufferedRecord struct {
	AgentID           string                 `json:"agent_id"`
	SponsorID         string                 `json:"sponsor_id"`
	ActionType        string                 `json:"action_type"`
	ServiceName       string                 `json:"service_name"`
	Prompt            string                 `json:"prompt"`
	Model             string                 `json:"model"`
	PermissionGranted bool                   `json:"permission_granted"`
	PolicyEvaluation  map[string]interface{} `json:"policy_evaluation"`
	CostUSD           string                 `json:"cost_usd"`
	ResponseCode      int                    `json:"response_code"`
	ClientIP          string                 `json:"client_ip"`
	DurationMS        int64                  `json:"duration_ms"`
	Metadata          map[string]interface{} `json:"metadata"`
	Timestamp         time.Time              `json:"timestamp"`
}

// chainFields is the canonical-JSON subset that log_hash is computed over.
type chainFields struct {
	AgentID           string  `json:"agent_id"`
	SponsorID         string  `json:"sponsor_id"`
	ActionType        string  `json:"action_type"`
	ServiceName       string  `json:"service_name"`
	PermissionGranted bool    `json:"permission_granted"`
	CostUSD           string  `json:"cost_usd"`
	Timestamp         int64   `json:"timestamp"`
}

// Logger is C13.
type Logger struct {
	ephemeral  store.Ephemeral
	persistent persistentStore
	warn       func(format string, args ...interface{})
}

// New constructs the audit logger. warn may be nil, in which case
// malformed-entry and skip warnings are silently dropped.
func New(ephemeral store.Ephemeral, persistent persistentStore, warn func(format string, args ...interface{})) *Logger {
	if warn == nil {
		warn = func(string, ...interface{}) {}
	}
	return &Logger{ephemeral: ephemeral, persistent: persistent, warn: warn}
}

// Log assembles a record and right-pushes it to the buffer queue. Errors
// are tolerated by the caller: the proxy's responsibility is to not
// crash, not to guarantee this particular entry survives.
func (l *Logger) Log(ctx context.Context, e Entry) error {
	prompt := e.Prompt
	if len(prompt) > MaxPromptChars {
		prompt = prompt[:MaxPromptChars]
	}
	rec := bufferedRecord{
		AgentID:           e.AgentID,
		SponsorID:         e.SponsorID,
		ActionType:        e.ActionType,
		ServiceName:       e.ServiceName,
		Prompt:            prompt,
		Model:             e.Model,
		PermissionGranted: e.PermissionGranted,
		PolicyEvaluation:  e.PolicyEvaluation,
		CostUSD:           e.CostUSD.StringFixed(6),
		ResponseCode:      e.ResponseCode,
		ClientIP:          e.ClientIP,
		DurationMS:        e.DurationMS,
		Metadata:          e.Metadata,
		Timestamp:         time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.Internal("marshal audit record", err)
	}
	if err := l.ephemeral.RPush(ctx, bufferKey, raw); err != nil {
		return errs.Internal("push audit buffer", err)
	}
	return nil
}

// FlushBuffer performs the crash-safe buffer→processing→persistent
// commit and returns the number of entries committed. It returns 0 (no
// error) whenever there was nothing to do or the flush lock was held by
// another process.
func (l *Logger) FlushBuffer(ctx context.Context) (int, error) {
	locked, err := l.acquireFlushLock(ctx)
	if err != nil {
		return 0, errs.Internal("acquire audit flush lock", err)
	}
	if !locked {
		return 0, nil
	}

	if err := l.moveBufferToProcessing(ctx); err != nil {
		return 0, errs.Internal("move audit buffer to processing", err)
	}

	raw, err := l.ephemeral.LRange(ctx, processingKey, 0, -1)
	if err != nil {
		return 0, errs.Internal("read audit processing list", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}

	records := make([]bufferedRecord, 0, len(raw))
	for _, r := range raw {
		var rec bufferedRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			l.warn("audit: skipping malformed processing entry: %v", err)
			continue
		}
		records = append(records, rec)
	}

	previousHash, err := l.persistent.LatestLogHash(ctx)
	if err != nil {
		return 0, errs.Internal("read latest log hash", err)
	}
	if previousHash == "" {
		previousHash = aegiscrypto.GenesisHash
	}

	entries := make([]*model.AuditEntry, 0, len(records))
	for _, rec := range records {
		payload, err := canonicalChainJSON(rec)
		if err != nil {
			return 0, errs.Internal("marshal chain fields", err)
		}
		hash := aegiscrypto.ChainHash(payload, previousHash)
		entries = append(entries, &model.AuditEntry{
			LogHash:           hash,
			PreviousHash:      previousHash,
			AgentID:           rec.AgentID,
			SponsorID:         rec.SponsorID,
			ActionType:        rec.ActionType,
			ServiceName:       rec.ServiceName,
			Prompt:            rec.Prompt,
			Model:             rec.Model,
			PermissionGranted: rec.PermissionGranted,
			PolicyEvaluation:  rec.PolicyEvaluation,
			CostUSD:           mustDecimal(rec.CostUSD),
			ResponseCode:      rec.ResponseCode,
			ClientIP:          rec.ClientIP,
			DurationMS:        rec.DurationMS,
			Metadata:          rec.Metadata,
			CreatedAt:         rec.Timestamp,
		})
		previousHash = hash
	}

	if err := l.persistent.InsertAuditEntries(ctx, entries); err != nil {
		return 0, errs.Internal("commit audit entries", err)
	}

	if err := l.ephemeral.Del(ctx, processingKey); err != nil {
		return 0, errs.Internal("clear audit processing list", err)
	}

	return len(entries), nil
}

func (l *Logger) acquireFlushLock(ctx context.Context) (bool, error) {
	token := []byte("locked")
	ok, err := l.ephemeral.SetNX(ctx, flushLockKey, token, FlushLockTTL)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.ephemeral.SetNX(ctx, flushLockKey, token, FlushLockTTL)
}

// moveBufferToProcessing moves up to MaxFlushBatch entries one at a time
// so ordering survives a crash mid-move.
func (l *Logger) moveBufferToProcessing(ctx context.Context) error {
	for i := 0; i < MaxFlushBatch; i++ {
		raw, ok, err := l.ephemeral.LPop(ctx, bufferKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := l.ephemeral.RPush(ctx, processingKey, raw); err != nil {
			return err
		}
	}
	return nil
}

// VerifyChainIntegrity walks the first limit entries ascending by id and
// checks previous_hash linkage against the prior entry's log_hash (and
// genesis for the first).
func (l *Logger) VerifyChainIntegrity(ctx context.Context, limit int) ([]ChainBreak, error) {
	entries, err := l.persistent.AuditEntriesByID(ctx, 0, 0, limit)
	if err != nil {
		return nil, errs.Internal("load audit entries", err)
	}

	var breaks []ChainBreak
	expected := aegiscrypto.GenesisHash
	for _, e := range entries {
		if e.PreviousHash != expected {
			breaks = append(breaks, ChainBreak{
				ID:       e.ID,
				Expected: expected,
				Actual:   e.PreviousHash,
			})
		}
		expected = e.LogHash
	}
	return breaks, nil
}

// ChainBreak describes a link where previous_hash does not match the
// prior entry's log_hash.
type ChainBreak struct {
	ID       int64
	Expected string
	Actual   string
}

// Query is a filtered read.
func (l *Logger) Query(ctx context.Context, sponsorID, agentID, serviceName string, since *time.Time, limit, offset int) ([]*model.AuditEntry, error) {
	entries, err := l.persistent.QueryAudit(ctx, sponsorID, agentID, serviceName, since, limit, offset)
	if err != nil {
		return nil, errs.Internal("query audit", err)
	}
	return entries, nil
}

// CountRecent counts an agent's audit entries in the trailing window.
func (l *Logger) CountRecent(ctx context.Context, agentID string, hours int) (int, error) {
	n, err := l.persistent.CountRecentAudit(ctx, agentID, hours)
	if err != nil {
		return 0, errs.Internal("count recent audit", err)
	}
	return n, nil
}

func canonicalChainJSON(rec bufferedRecord) (string, error) {
	cf := chainFields{
		AgentID:           rec.AgentID,
		SponsorID:         rec.SponsorID,
		ActionType:        rec.ActionType,
		ServiceName:       rec.ServiceName,
		PermissionGranted: rec.PermissionGranted,
		CostUSD:           rec.CostUSD,
		Timestamp:         rec.Timestamp.Unix(),
	}
	raw, err := json.Marshal(cf)
	if err != nil {
		return "", err
	}
	return sortedJSONKeys(raw)
}

// sortedJSONKeys re-encodes a JSON object with map keys sorted, matching
// the spec's "canonical JSON ... with sorted keys" requirement even
// though Go's own json.Marshal already emits struct fields in declared
// order — re-decoding through map[string]interface{} makes the sort
// explicit and independent of struct field order.
func sortedJSONKeys(raw []byte) (string, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte("{")
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return string(buf), nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
