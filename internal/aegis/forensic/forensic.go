// Package forensic implements C14: deep chain-tamper detection and
// write-once batch export of the audit ledger.
package forensic

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"

	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// DefaultBatchSize bounds one export_batch call.
const DefaultBatchSize = 500

// persistentStore is the narrow slice of store.Persistent forensic needs.
type persistentStore interface {
	AuditEntriesByID(ctx context.Context, fromID, toID int64, limit int) ([]*model.AuditEntry, error)
	MarkAuditExported(ctx context.Context, ids []int64, exportedAt time.Time, tsaToken []byte) error
	InsertExportLedger(ctx context.Context, batchHash string, fromID, toID int64, exportedBy string, exportedAt time.Time) error
}

// Sink is where a finished, write-once export batch is uploaded. The
// production backend is an object store configured for write-once/
// retention; LocalSink below is the filesystem backend used in
// development.
type Sink interface {
	Upload(ctx context.Context, objectKey string, batch []byte) error
}

// TSAClient requests an RFC 3161 timestamp token for a digest. A nil
// TSAClient means export proceeds without timestamping.
type TSAClient interface {
	Timestamp(ctx context.Context, digest [32]byte) ([]byte, error)
}

// Tamper describes one chain link that fails recomputation.
type Tamper struct {
	ID          int64
	Issue       string
	StoredHash  string
	ComputedHash string
}

// Exporter is C14.
type Exporter struct {
	persistent persistentStore
	sink       Sink
	tsa        TSAClient
}

// New constructs the forensic exporter. tsa may be nil.
func New(persistent persistentStore, sink Sink, tsa TSAClient) *Exporter {
	return &Exporter{persistent: persistent, sink: sink, tsa: tsa}
}

// chainRecomputeFields mirrors the audit package's chain hash input —
// duplicated here deliberately: forensic verification must recompute
// from the entries' own stored fields, not trust the audit package's
// in-flight encoding.
type chainRecomputeFields struct {
	AgentID           string `json:"agent_id"`
	SponsorID         string `json:"sponsor_id"`
	ActionType        string `json:"action_type"`
	ServiceName       string `json:"service_name"`
	PermissionGranted bool   `json:"permission_granted"`
	CostUSD           string `json:"cost_usd"`
	Timestamp         int64  `json:"timestamp"`
}

// DeepVerifyChain walks up to limit entries (starting after offset) and
// recomputes each log_hash from its own source fields, reporting any
// tampering found — unlike VerifyChainIntegrity, this also catches a
// forged hash whose previous_hash link is otherwise consistent.
func (e *Exporter) DeepVerifyChain(ctx context.Context, limit, offset int) ([]Tamper, error) {
	entries, err := e.persistent.AuditEntriesByID(ctx, int64(offset)+1, 0, limit)
	if err != nil {
		return nil, errs.Internal("load audit entries", err)
	}

	var tampers []Tamper
	for _, entry := range entries {
		computed, err := recomputeLogHash(entry)
		if err != nil {
			return nil, errs.Internal("recompute log hash", err)
		}
		if computed != entry.LogHash {
			tampers = append(tampers, Tamper{
				ID:           entry.ID,
				Issue:        "log_hash does not match recomputed value",
				StoredHash:   entry.LogHash,
				ComputedHash: computed,
			})
		}
	}
	return tampers, nil
}

func recomputeLogHash(e *model.AuditEntry) (string, error) {
	fields := chainRecomputeFields{
		AgentID:           e.AgentID,
		SponsorID:         e.SponsorID,
		ActionType:        e.ActionType,
		ServiceName:       e.ServiceName,
		PermissionGranted: e.PermissionGranted,
		CostUSD:           e.CostUSD.StringFixed(6),
		Timestamp:         e.CreatedAt.Unix(),
	}
	payload, err := canonicalJSON(fields)
	if err != nil {
		return "", err
	}
	return aegiscrypto.ChainHash(payload, e.PreviousHash), nil
}

// ExportResult summarizes one completed export_batch call.
type ExportResult struct {
	FromID      int64
	ToID        int64
	Count       int
	BatchHash   string
	ObjectKey   string
	TSAToken    []byte
	ExportedAt  time.Time
}

// ExportBatch selects rows (un-exported by default, or an explicit
// [fromID, toID] range), verifies the batch's own chain before export,
// serializes it as canonical JSON, hashes it, optionally timestamps it,
// uploads it, and marks the rows exported.
func (e *Exporter) ExportBatch(ctx context.Context, fromID, toID int64, batchSize int, exportedBy string) (*ExportResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	entries, err := e.persistent.AuditEntriesByID(ctx, fromID, toID, batchSize)
	if err != nil {
		return nil, errs.Internal("load audit entries for export", err)
	}
	if len(entries) == 0 {
		return &ExportResult{Count: 0}, nil
	}

	if tampers, err := verifyBatchChain(entries); err != nil {
		return nil, errs.Internal("verify batch chain", err)
	} else if len(tampers) > 0 {
		return nil, errs.Conflict(fmt.Sprintf("export aborted: chain break at entry %d", tampers[0].ID))
	}

	canonical, err := canonicalExportJSON(entries)
	if err != nil {
		return nil, errs.Internal("serialize export batch", err)
	}

	digest := sha3.Sum256(canonical)
	batchHash := fmt.Sprintf("%x", digest)

	var tsaToken []byte
	if e.tsa != nil {
		sha2Digest := sha256.Sum256(canonical)
		tsaToken, err = e.tsa.Timestamp(ctx, sha2Digest)
		if err != nil {
			return nil, errs.Internal("request tsa timestamp", err)
		}
	}

	now := time.Now().UTC()
	ids := make([]int64, len(entries))
	for i, ent := range entries {
		ids[i] = ent.ID
	}

	objectKey := fmt.Sprintf("audit-export/%s-%d-%d.json", now.Format("20060102T150405Z"), ids[0], ids[len(ids)-1])
	if e.sink != nil {
		if err := e.sink.Upload(ctx, objectKey, canonical); err != nil {
			return nil, errs.Internal("upload export batch", err)
		}
	}

	if err := e.persistent.MarkAuditExported(ctx, ids, now, tsaToken); err != nil {
		return nil, errs.Internal("mark audit exported", err)
	}
	if err := e.persistent.InsertExportLedger(ctx, batchHash, ids[0], ids[len(ids)-1], exportedBy, now); err != nil {
		return nil, errs.Internal("insert export ledger", err)
	}

	return &ExportResult{
		FromID:     ids[0],
		ToID:       ids[len(ids)-1],
		Count:      len(ids),
		BatchHash:  batchHash,
		ObjectKey:  objectKey,
		TSAToken:   tsaToken,
		ExportedAt: now,
	}, nil
}

func verifyBatchChain(entries []*model.AuditEntry) ([]Tamper, error) {
	var tampers []Tamper
	for i, e := range entries {
		if i == 0 {
			continue
		}
		if e.PreviousHash != entries[i-1].LogHash {
			tampers = append(tampers, Tamper{ID: e.ID, Issue: "chain break within export batch"})
		}
	}
	return tampers, nil
}

// exportFields is the exact field list spec'd for the export batch's
// canonical serialization.
type exportFields struct {
	ID                int64  `json:"id"`
	LogHash           string `json:"log_hash"`
	PreviousHash      string `json:"previous_hash"`
	AgentID           string `json:"agent_id"`
	SponsorID         string `json:"sponsor_id"`
	ActionType        string `json:"action_type"`
	ServiceName       string `json:"service_name"`
	PermissionGranted bool   `json:"permission_granted"`
	CostUSD           string `json:"cost_usd"`
	ResponseCode      int    `json:"response_code"`
	IPAddress         string `json:"ip_address"`
	DurationMS        int64  `json:"duration_ms"`
	Timestamp         int64  `json:"timestamp"`
}

func canonicalExportJSON(entries []*model.AuditEntry) ([]byte, error) {
	fields := make([]exportFields, len(entries))
	for i, e := range entries {
		fields[i] = exportFields{
			ID:                e.ID,
			LogHash:           e.LogHash,
			PreviousHash:      e.PreviousHash,
			AgentID:           e.AgentID,
			SponsorID:         e.SponsorID,
			ActionType:        e.ActionType,
			ServiceName:       e.ServiceName,
			PermissionGranted: e.PermissionGranted,
			CostUSD:           e.CostUSD.StringFixed(6),
			ResponseCode:      e.ResponseCode,
			IPAddress:         e.ClientIP,
			DurationMS:        e.DurationMS,
			Timestamp:         e.CreatedAt.Unix(),
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	// Re-encode through maps so every object's keys come out sorted.
	var generic []map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func canonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
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
