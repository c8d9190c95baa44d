// Package anomaly implements C8: a per-agent rolling behavior log and the
// velocity/novelty checks run against it on every request.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/store"
)

const (
	// RollingWindowSize is the number of most-recent actions retained.
	RollingWindowSize = 1000
	// HourCounterTTL bounds how long an hour's request counter survives.
	HourCounterTTL = 2 * time.Hour
	// AnomalousThreshold is the score at or above which a check is flagged.
	AnomalousThreshold = 0.6

	unusualServiceWeight = 0.4
	unusualHourWeight    = 0.3
	velocitySpikeWeight  = 0.5
	velocitySpikeFactor  = 3.0
)

func actionsKey(agentID string) string { return fmt.Sprintf("anomaly:actions:%s", agentID) }
func hourKey(agentID string, hour time.Time) string {
	return fmt.Sprintf("anomaly:hour:%s:%s", agentID, hour.UTC().Format("2006010215"))
}

// actionRecord is one serialized rolling-log entry.
type actionRecord struct {
	Service   string  `json:"service"`
	Action    string  `json:"action"`
	Hour      int     `json:"hour"`
	Timestamp int64   `json:"timestamp"`
	Cost      float64 `json:"cost"`
}

// Result is the detector's verdict for one (agent, service, action) check.
type Result struct {
	IsAnomalous bool
	RiskScore   float64
	Anomalies   []string
}

// profileStore is the narrow slice of store.Persistent the detector needs;
// any store.Persistent implementation satisfies it automatically.
type profileStore interface {
	GetBehaviorProfile(ctx context.Context, agentID string) (*model.BehaviorProfile, error)
	UpsertBehaviorProfile(ctx context.Context, profile *model.BehaviorProfile) error
}

// Detector is C8.
type Detector struct {
	ephemeral  store.Ephemeral
	persistent profileStore
}

// New constructs the anomaly detector.
func New(ephemeral store.Ephemeral, persistent profileStore) *Detector {
	return &Detector{ephemeral: ephemeral, persistent: persistent}
}

// RecordAction appends one action to the agent's rolling log, trims it to
// RollingWindowSize, and bumps the current-hour counter with its TTL reset.
// This is intentionally a sequence of independent ephemeral-store calls
// rather than a single native pipeline, since the store seam here does not
// expose MULTI/EXEC — correctness only requires each step to eventually
// land, not atomicity across them.
func (d *Detector) RecordAction(ctx context.Context, agentID, service, action string, cost float64) error {
	now := time.Now().UTC()
	rec := actionRecord{Service: service, Action: action, Hour: now.Hour(), Timestamp: now.Unix(), Cost: cost}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.Internal("marshal action record", err)
	}

	key := actionsKey(agentID)
	if err := d.ephemeral.RPush(ctx, key, raw); err != nil {
		return errs.Internal("push action record", err)
	}
	if err := trimToLast(ctx, d.ephemeral, key, RollingWindowSize); err != nil {
		return err
	}

	hk := hourKey(agentID, now)
	if _, err := d.ephemeral.Incr(ctx, hk); err != nil {
		return errs.Internal("increment hour counter", err)
	}
	if err := d.ephemeral.Expire(ctx, hk, HourCounterTTL); err != nil {
		return errs.Internal("set hour counter ttl", err)
	}
	return nil
}

// trimToLast drops leading entries until key's length is at most limit.
// The Ephemeral interface has no native LTRIM, so this pops from the head.
func trimToLast(ctx context.Context, eph store.Ephemeral, key string, limit int64) error {
	length, err := eph.LLen(ctx, key)
	if err != nil {
		return errs.Internal("get action log length", err)
	}
	for length > limit {
		if _, _, err := eph.LPop(ctx, key); err != nil {
			return errs.Internal("trim action log", err)
		}
		length--
	}
	return nil
}

// DetectAnomaly scores a candidate (service, action) against the agent's
// behavior profile.
func (d *Detector) DetectAnomaly(ctx context.Context, agentID, service, action string) (Result, error) {
	profile, err := d.persistent.GetBehaviorProfile(ctx, agentID)
	if err != nil {
		return Result{}, errs.Internal("load behavior profile", err)
	}
	if profile == nil {
		return Result{IsAnomalous: false, RiskScore: 0}, nil
	}

	var score float64
	var tags []string

	if !contains(profile.TypicalServices, service) {
		score += unusualServiceWeight
		tags = append(tags, fmt.Sprintf("unusual_service:%s", service))
	}

	hour := time.Now().UTC().Hour()
	if profile.HourFrequency[hour] == 0 {
		score += unusualHourWeight
		tags = append(tags, fmt.Sprintf("unusual_hour:%d", hour))
	}

	// IncrBy with a zero delta reads the counter's current value without
	// mutating it — RecordAction, not this check, owns incrementing it.
	count, err := d.ephemeral.IncrBy(ctx, hourKey(agentID, time.Now().UTC()), 0)
	if err != nil {
		return Result{}, errs.Internal("read hour counter", err)
	}
	if float64(count) > velocitySpikeFactor*profile.AvgRequestsPerH {
		score += velocitySpikeWeight
		tags = append(tags, fmt.Sprintf("velocity_spike:%d", count))
	}

	if score > 1.0 {
		score = 1.0
	}
	return Result{IsAnomalous: score >= AnomalousThreshold, RiskScore: score, Anomalies: tags}, nil
}

// UpdateProfile recomputes typical services, hour frequency, and average
// requests-per-hour from the rolling log, creating the profile if absent.
func (d *Detector) UpdateProfile(ctx context.Context, agentID string) error {
	raw, err := d.ephemeral.LRange(ctx, actionsKey(agentID), 0, -1)
	if err != nil {
		return errs.Internal("read action log", err)
	}

	services := make(map[string]struct{})
	hourFreq := make(map[int]int)
	var totalCost float64
	hourBuckets := make(map[int]int)

	for _, entry := range raw {
		var rec actionRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			continue
		}
		services[rec.Service] = struct{}{}
		hourFreq[rec.Hour]++
		hourBuckets[rec.Hour]++
		totalCost += rec.Cost
	}

	typical := make([]string, 0, len(services))
	for svc := range services {
		typical = append(typical, svc)
	}

	var avgRPH float64
	if len(hourBuckets) > 0 {
		total := 0
		for _, c := range hourBuckets {
			total += c
		}
		avgRPH = float64(total) / float64(len(hourBuckets))
	}

	var avgCost float64
	if len(raw) > 0 {
		avgCost = totalCost / float64(len(raw))
	}

	profile := &model.BehaviorProfile{
		AgentID:         agentID,
		TypicalServices: typical,
		HourFrequency:   hourFreq,
		AvgRequestsPerH: avgRPH,
	}
	profile.AvgCostPerAction = decimal.NewFromFloat(avgCost)

	if err := d.persistent.UpsertBehaviorProfile(ctx, profile); err != nil {
		return errs.Internal("upsert behavior profile", err)
	}
	return nil
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
