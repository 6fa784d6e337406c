package domain

import "time"

// Merchant holds the delivery endpoint and signing secret for outbound
// notifications. Account management lives elsewhere; this record is only
// what the gateway needs to route and sign webhooks.
type Merchant struct {
	ID            string
	Name          string
	WebhookURL    string
	WebhookSecret string
	CreatedAt     time.Time
}
