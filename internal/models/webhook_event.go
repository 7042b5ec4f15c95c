package models

import (
	"encoding/json"
	"time"
)

// WebhookStatus is the lifecycle state of a WebhookEvent.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// WebhookEvent is a persisted inbound delivery from an upstream connector.
// It lives until processed, then is retained for a bounded
// window before pruning.
type WebhookEvent struct {
	ID                   ID              `bson:"_id" json:"id"`
	JobID                ID              `bson:"jobId" json:"jobId"`
	EventID              string          `bson:"eventId" json:"eventId"`
	EventType            string          `bson:"eventType" json:"eventType"`
	ReceivedAt           time.Time       `bson:"receivedAt" json:"receivedAt"`
	Attempts             int             `bson:"attempts" json:"attempts"`
	Status               WebhookStatus   `bson:"status" json:"status"`
	RawPayload           json.RawMessage `bson:"rawPayload" json:"rawPayload"`
	Headers              map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	Error                string          `bson:"error,omitempty" json:"error,omitempty"`
	ProcessedAt          *time.Time      `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
	ProcessingDurationMs *int64          `bson:"processingDurationMs,omitempty" json:"processingDurationMs,omitempty"`
}
