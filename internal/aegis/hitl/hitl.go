// Package hitl implements C12: the human-in-the-loop approval gateway.
package hitl

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/webhook"
)

// ExpiryWindow is how long a pending request remains decidable.
const ExpiryWindow = 30 * time.Minute

// HighCostAlertThreshold is the estimated-cost floor above which a warning
// is sent to the alerting sink in addition to the sponsor's webhooks.
var HighCostAlertThreshold = decimal.NewFromInt(10)

// requestStore is the narrow slice of store.Persistent the gateway needs.
type requestStore interface {
	CreateHITLRequest(ctx context.Context, req *model.HITLRequest) error
	DecideHITLRequest(ctx context.Context, id string, now time.Time, approve bool, decider, note string) (*model.HITLRequest, error)
	GetHITLRequest(ctx context.Context, id string) (*model.HITLRequest, error)
	ListPendingHITL(ctx context.Context, sponsorID string) ([]*model.HITLRequest, error)
}

// WebhookTarget resolves which endpoints to notify for a sponsor.
type WebhookTarget interface {
	EndpointsForSponsor(ctx context.Context, sponsorID string) []string
}

// Gateway is C12.
type Gateway struct {
	persistent requestStore
	sink       *webhook.Sink
	targets    WebhookTarget
	alerts     webhook.AlertSink
}

// New constructs the HITL gateway.
func New(persistent requestStore, sink *webhook.Sink, targets WebhookTarget, alerts webhook.AlertSink) *Gateway {
	return &Gateway{persistent: persistent, sink: sink, targets: targets, alerts: alerts}
}

// Create inserts a pending approval request, notifies the sponsor's
// webhooks, and raises a high-cost alert when estimatedCost exceeds
// HighCostAlertThreshold.
func (g *Gateway) Create(ctx context.Context, agentID, sponsorID, description string, payload map[string]interface{}, estimatedCost decimal.Decimal) (*model.HITLRequest, error) {
	req := &model.HITLRequest{
		AgentID:       agentID,
		SponsorID:     sponsorID,
		Description:   description,
		Payload:       payload,
		EstimatedCost: estimatedCost,
		Status:        model.HITLPending,
		ExpiresAt:     time.Now().UTC().Add(ExpiryWindow),
	}
	if err := g.persistent.CreateHITLRequest(ctx, req); err != nil {
		return nil, errs.Internal("create hitl request", err)
	}

	g.notify(ctx, req)

	if estimatedCost.GreaterThan(HighCostAlertThreshold) && g.alerts != nil {
		g.alerts.Alert(ctx, "High-cost approval requested", description, map[string]interface{}{
			"agent_id":       agentID,
			"sponsor_id":     sponsorID,
			"estimated_cost": estimatedCost.String(),
			"request_id":     req.ID,
		})
	}

	return req, nil
}

func (g *Gateway) notify(ctx context.Context, req *model.HITLRequest) {
	if g.sink == nil || g.targets == nil {
		return
	}
	body := map[string]interface{}{
		"request_id":     req.ID,
		"agent_id":       req.AgentID,
		"description":    req.Description,
		"estimated_cost": req.EstimatedCost.String(),
		"expires_at":     req.ExpiresAt,
	}
	for _, url := range g.targets.EndpointsForSponsor(ctx, req.SponsorID) {
		_ = g.sink.Deliver(ctx, url, body)
	}
}

// Decide atomically transitions a pending request. If the request is
// already terminal, the stored terminal state is returned unchanged — the
// first terminal write wins. A request found past its expiry is
// transitioned to expired regardless of the caller's verdict.
func (g *Gateway) Decide(ctx context.Context, requestID, decider string, approve bool, note string) (*model.HITLRequest, error) {
	req, err := g.persistent.DecideHITLRequest(ctx, requestID, time.Now().UTC(), approve, decider, note)
	if err != nil {
		return nil, errs.Internal("decide hitl request", err)
	}
	if req == nil {
		return nil, errs.NotFound("hitl_request", requestID)
	}
	return req, nil
}

// Get returns one request by id.
func (g *Gateway) Get(ctx context.Context, requestID string) (*model.HITLRequest, error) {
	req, err := g.persistent.GetHITLRequest(ctx, requestID)
	if err != nil {
		return nil, errs.Internal("get hitl request", err)
	}
	if req == nil {
		return nil, errs.NotFound("hitl_request", requestID)
	}
	return req, nil
}

// ListPending returns a sponsor's pending requests, newest first.
func (g *Gateway) ListPending(ctx context.Context, sponsorID string) ([]*model.HITLRequest, error) {
	reqs, err := g.persistent.ListPendingHITL(ctx, sponsorID)
	if err != nil {
		return nil, errs.Internal("list pending hitl requests", err)
	}
	return reqs, nil
}
