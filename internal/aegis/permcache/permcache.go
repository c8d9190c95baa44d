// Package permcache implements C6: a fingerprint-keyed ephemeral-store copy
// of each (agent, service) permission record with a five-minute TTL.
package permcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/store"
)

// TTL is how long a cached permission record is trusted before the cache
// service falls back to the persistent store.
const TTL = 5 * time.Minute

const keyPrefix = "permcache:"

// cachedPermission is the subset of model.Permission the policy engine
// actually consumes. Raw secrets never enter this structure.
type cachedPermission struct {
	AllowedActions   []string               `json:"allowed_actions"`
	MaxRequestsPerHr int                    `json:"max_requests_per_hour"`
	Window           model.TimeWindow       `json:"window"`
	RecordCap        int                    `json:"record_cap"`
	RequiresHITL     bool                   `json:"requires_hitl"`
	PolicyOverride   map[string]interface{} `json:"policy_override"`
	Active           bool                   `json:"active"`
}

func fromPermission(p *model.Permission) cachedPermission {
	return cachedPermission{
		AllowedActions:   p.AllowedActions,
		MaxRequestsPerHr: p.MaxRequestsPerHr,
		Window:           p.Window,
		RecordCap:        p.RecordCap,
		RequiresHITL:     p.RequiresHITL,
		PolicyOverride:   p.PolicyOverride,
		Active:           p.Active,
	}
}

// Service is C6.
type Service struct {
	ephemeral  store.Ephemeral
	persistent store.Persistent
}

// New constructs the permission cache.
func New(ephemeral store.Ephemeral, persistent store.Persistent) *Service {
	return &Service{ephemeral: ephemeral, persistent: persistent}
}

func cacheKey(agentID, serviceName string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, agentID, serviceName)
}

// Get returns the active permission for (agentID, serviceName), serving
// from the ephemeral store when present and falling back to the
// persistent store on a miss (which also repopulates the cache).
func (s *Service) Get(ctx context.Context, agentID, serviceName string) (*model.Permission, error) {
	key := cacheKey(agentID, serviceName)

	if raw, ok, err := s.ephemeral.Get(ctx, key); err == nil && ok {
		var cached cachedPermission
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &model.Permission{
				AgentID:          agentID,
				ServiceName:      serviceName,
				AllowedActions:   cached.AllowedActions,
				MaxRequestsPerHr: cached.MaxRequestsPerHr,
				Window:           cached.Window,
				RecordCap:        cached.RecordCap,
				RequiresHITL:     cached.RequiresHITL,
				PolicyOverride:   cached.PolicyOverride,
				Active:           cached.Active,
			}, nil
		}
	}

	perm, err := s.persistent.GetActivePermission(ctx, agentID, serviceName)
	if err != nil {
		return nil, errs.Internal("load permission", err)
	}
	if perm == nil {
		return nil, nil
	}
	if err := s.populate(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

func (s *Service) populate(ctx context.Context, perm *model.Permission) error {
	raw, err := json.Marshal(fromPermission(perm))
	if err != nil {
		return errs.Internal("marshal cached permission", err)
	}
	if err := s.ephemeral.Set(ctx, cacheKey(perm.AgentID, perm.ServiceName), raw, TTL); err != nil {
		return errs.Internal("populate permission cache", err)
	}
	return nil
}

// Invalidate removes the cached entry for (agentID, serviceName). Callers
// that create/update/delete a permission must invoke this before returning
// success to their own caller (spec.md §4.4).
func (s *Service) Invalidate(ctx context.Context, agentID, serviceName string) error {
	if err := s.ephemeral.Del(ctx, cacheKey(agentID, serviceName)); err != nil {
		return errs.Internal("invalidate permission cache", err)
	}
	return nil
}

// Upsert writes perm to the persistent store and invalidates the cache
// before returning, so that the very next Get either misses and reloads or
// is served a fresh Set from the same caller.
func (s *Service) Upsert(ctx context.Context, perm *model.Permission) error {
	if err := s.persistent.UpsertPermission(ctx, perm); err != nil {
		return errs.Internal("upsert permission", err)
	}
	return s.Invalidate(ctx, perm.AgentID, perm.ServiceName)
}

// Deactivate deactivates a permission and invalidates its cache entry.
func (s *Service) Deactivate(ctx context.Context, agentID, serviceName string) error {
	if err := s.persistent.DeactivatePermission(ctx, agentID, serviceName); err != nil {
		return errs.Internal("deactivate permission", err)
	}
	return s.Invalidate(ctx, agentID, serviceName)
}
