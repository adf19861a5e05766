package events

// Lifecycle event types consumed by dashboards and notifiers.
const (
	EventSubscriptionStatusChanged = "subscription.status_changed"
	EventInstanceProvisioned       = "instance.provisioned"
	EventInstanceRunning           = "instance.running"
	EventInstanceStopped           = "instance.stopped"
	EventInstanceFailed            = "instance.failed"
	EventInstanceDestroyed         = "instance.destroyed"
	EventInstanceResized           = "instance.resized"
)

// SubscriptionStatusPayload captures a subscription state change.
type SubscriptionStatusPayload struct {
	SubscriptionID string `json:"subscription_id"`
	AccountID      string `json:"account_id"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p SubscriptionStatusPayload) ToMap() map[string]any {
	return map[string]any{
		"subscription_id": p.SubscriptionID,
		"account_id":      p.AccountID,
		"from_status":     p.FromStatus,
		"to_status":       p.ToStatus,
	}
}

// InstancePayload captures the minimal data needed to act on an instance
// lifecycle event.
type InstancePayload struct {
	InstanceID     string `json:"instance_id"`
	SubscriptionID string `json:"subscription_id"`
	WorkloadName   string `json:"workload_name"`
	Status         string `json:"status"`
	Tier           string `json:"tier,omitempty"`
}

// ToMap converts the payload into an outbox-friendly map.
func (p InstancePayload) ToMap() map[string]any {
	payload := map[string]any{
		"instance_id":     p.InstanceID,
		"subscription_id": p.SubscriptionID,
		"workload_name":   p.WorkloadName,
		"status":          p.Status,
	}
	if p.Tier != "" {
		payload["tier"] = p.Tier
	}
	return payload
}
