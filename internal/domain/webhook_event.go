package domain

import "time"

type DeliveryStatus string

const (
	// DeliveryPending entries are due once next_retry_at has passed. A failed
	// attempt goes back to pending with a pushed-out next_retry_at.
	DeliveryPending DeliveryStatus = "pending"
	// DeliveryInFlight marks a claimed entry; at most one worker holds it.
	DeliveryInFlight  DeliveryStatus = "delivering"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// WebhookEvent is one merchant-bound notification in the outbox. The payload
// is immutable after creation; only delivery bookkeeping fields change.
type WebhookEvent struct {
	ID               int64
	MerchantID       string
	OrderID          int64
	EventType        string
	Payload          []byte
	Status           DeliveryStatus
	Attempts         int
	LastAttemptAt    *time.Time
	NextRetryAt      *time.Time
	DeliveredAt      *time.Time
	ProcessorEventID string
	CreatedAt        time.Time
}
