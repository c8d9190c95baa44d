// Package rollback implements the state-snapshot rollback framework: each
// mutating pipeline action records enough state to undo it, a sponsor can
// list those snapshots for an agent, and "executing" a rollback hands back
// the recorded instructions rather than performing the undo itself — the
// actual undo is integration-specific, one per downstream service.
package rollback

import (
	"context"
	"time"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// snapshotStore is the narrow slice of store.Persistent the service needs.
type snapshotStore interface {
	GetSnapshot(ctx context.Context, id string) (*model.StateSnapshot, error)
	ListSnapshotsForAgent(ctx context.Context, agentID string, limit int) ([]*model.StateSnapshot, error)
	MarkSnapshotRolledBack(ctx context.Context, id string, at time.Time) error
}

// Service is the rollback framework.
type Service struct {
	persistent snapshotStore
}

// New constructs the rollback service.
func New(persistent snapshotStore) *Service {
	return &Service{persistent: persistent}
}

// ListSnapshots returns an agent's most recent snapshots, newest first.
func (s *Service) ListSnapshots(ctx context.Context, agentID string, limit int) ([]*model.StateSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	snaps, err := s.persistent.ListSnapshotsForAgent(ctx, agentID, limit)
	if err != nil {
		return nil, errs.Internal("list snapshots", err)
	}
	return snaps, nil
}

// Result is what ExecuteRollback hands back: the recorded instructions and
// snapshot data for the caller's integration to apply, not a performed undo.
type Result struct {
	SnapshotID           string
	Instructions         map[string]interface{}
	SnapshotData         map[string]interface{}
	Action               string
}

// ExecuteRollback marks a snapshot consumed and returns its rollback
// instructions. A snapshot already rolled back is rejected — the framework
// guarantees a snapshot is handed out for undo exactly once.
func (s *Service) ExecuteRollback(ctx context.Context, snapshotID string) (*Result, error) {
	snap, err := s.persistent.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, errs.Internal("get snapshot", err)
	}
	if snap == nil {
		return nil, errs.NotFound("snapshot", snapshotID)
	}
	if snap.RolledBack {
		return nil, errs.Conflict("snapshot already rolled back")
	}

	if err := s.persistent.MarkSnapshotRolledBack(ctx, snapshotID, time.Now().UTC()); err != nil {
		return nil, errs.Internal("mark snapshot rolled back", err)
	}

	return &Result{
		SnapshotID:   snap.ID,
		Instructions: snap.RollbackInstructions,
		SnapshotData: snap.SnapshotData,
		Action:       "rollback_ready",
	}, nil
}
