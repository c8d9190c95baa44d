package webhook

import "context"

// StaticTargets resolves every sponsor to the same fixed set of endpoints.
// It satisfies hitl.WebhookTarget; AEGIS does not yet persist per-sponsor
// webhook subscriptions (spec.md's data model has no such table), so a
// single ops-configured fan-out list stands in until that lands.
type StaticTargets []string

// EndpointsForSponsor implements hitl.WebhookTarget.
func (t StaticTargets) EndpointsForSponsor(_ context.Context, _ string) []string {
	return t
}

// SponsorAlertNotifier delivers every pipeline event (Notify) as a signed
// webhook to the configured endpoints when Sink is set and as an AlertSink
// alert when Alerts is set; a breaker trip (NotifyCircuitTrip) is raised as
// an AlertSink alert only. It satisfies pipeline.SponsorNotifier
// (Notify) and breaker.Notifier (NotifyCircuitTrip) by structural typing.
type SponsorAlertNotifier struct {
	Sink    *Sink
	Targets []string
	Alerts  AlertSink
}

// Notify implements pipeline.SponsorNotifier.
func (n *SponsorAlertNotifier) Notify(ctx context.Context, sponsorID, event string, details map[string]interface{}) {
	if n.Sink != nil {
		body := map[string]interface{}{
			"event":      event,
			"sponsor_id": sponsorID,
			"details":    details,
		}
		for _, url := range n.Targets {
			_ = n.Sink.Deliver(ctx, url, body)
		}
	}
	if n.Alerts != nil {
		n.Alerts.Alert(ctx, event, "AEGIS sponsor event", mergeSponsorID(sponsorID, details))
	}
}

// NotifyCircuitTrip implements breaker.Notifier.
func (n *SponsorAlertNotifier) NotifyCircuitTrip(ctx context.Context, agentID string, currentSpend, previousSpend float64) {
	if n.Alerts == nil {
		return
	}
	n.Alerts.Alert(ctx, "circuit_breaker_tripped", "agent spend velocity exceeded threshold", map[string]interface{}{
		"agent_id":       agentID,
		"current_spend":  currentSpend,
		"previous_spend": previousSpend,
	})
}

func mergeSponsorID(sponsorID string, details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["sponsor_id"] = sponsorID
	return out
}
