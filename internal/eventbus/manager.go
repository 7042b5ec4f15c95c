// Package eventbus is the durable, at-least-once delivery transport for
// the sync/job.execute, sync/job.manual and webhook/event.process topics:
// a badger-backed queue with FIFO ordering via a timestamp-prefixed key,
// visibility timeouts, and receive-count redelivery tracking. Consumers
// must tolerate redelivery; the singleton guards in internal/jobruntime
// and internal/webhook build on this at-least-once contract.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"
)

// Topic names carried on the bus.
const (
	TopicJobExecute     = "sync/job.execute"
	TopicJobManual      = "sync/job.manual"
	TopicWebhookProcess = "webhook/event.process"
)

// ErrNoMessage is returned by Receive when no message is currently visible.
var ErrNoMessage = errors.New("eventbus: no message available")

// Message is the envelope stored on the bus. Payload is topic-specific:
// JobExecutePayload/JobManualPayload for the sync/job.* topics,
// WebhookProcessPayload for webhook/event.process.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// JobExecutePayload and JobManualPayload carry the scheduled/manual
// job-run trigger, keyed by jobId.
type JobExecutePayload struct {
	JobID string `json:"jobId"`
}

type JobManualPayload struct {
	JobID string `json:"jobId"`
}

// WebhookProcessPayload carries the webhook delivery trigger, keyed by
// jobId and eventId.
type WebhookProcessPayload struct {
	JobID   string `json:"jobId"`
	EventID string `json:"eventId"`
}

// queueMessage is the persisted envelope.
type queueMessage struct {
	ID           string    `badgerhold:"key"`
	Body         Message   `json:"body"`
	EnqueuedAt   time.Time `badgerhold:"index"`
	VisibleAt    time.Time `badgerhold:"index"`
	ReceiveCount int       `json:"receive_count"`
	Topic        string    `badgerhold:"index"`
}

// Manager implements a persistent message bus on top of Badger, providing
// FIFO ordering, visibility timeouts, and redelivery tracking.
type Manager struct {
	store             *badgerhold.Store
	topic             string
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewManager creates a topic-scoped bus manager over store. One Manager is
// created per topic a worker drains; Enqueue can target any topic via the
// Message it is given, but Receive only surfaces messages matching the
// Manager's own topic.
func NewManager(store *badgerhold.Store, topic string, visibilityTimeout time.Duration, maxReceive int) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("badgerhold store is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 5
	}

	return &Manager{
		store:             store,
		topic:             topic,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Enqueue adds a message to the bus, immediately visible.
func (m *Manager) Enqueue(ctx context.Context, msg Message) error {
	now := time.Now()
	messageID := fmt.Sprintf("%019d:%s", now.UnixNano(), uuid.New().String())

	qMsg := queueMessage{
		ID:           messageID,
		Body:         msg,
		EnqueuedAt:   now,
		VisibleAt:    now,
		ReceiveCount: 0,
		Topic:        msg.Topic,
	}

	if err := m.store.Insert(messageID, &qMsg); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	return nil
}

// Receive retrieves the next visible message for this Manager's topic.
// Returns the message and a delete function to call once processing
// completes successfully; leaving it undeleted makes the message visible
// again after the visibility timeout, giving at-least-once redelivery.
func (m *Manager) Receive(ctx context.Context) (*Message, func() error, error) {
	now := time.Now()

	var messages []queueMessage
	err := m.store.Find(&messages,
		badgerhold.Where("Topic").Eq(m.topic).
			And("VisibleAt").Le(now).
			And("ReceiveCount").Lt(m.maxReceive).
			SortBy("ID").
			Limit(1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to receive message: %w", err)
	}

	if len(messages) == 0 {
		return nil, nil, ErrNoMessage
	}

	found := messages[0]
	found.ReceiveCount++
	found.VisibleAt = now.Add(m.visibilityTimeout)

	if err := m.store.Update(found.ID, &found); err != nil {
		return nil, nil, fmt.Errorf("failed to update message visibility: %w", err)
	}

	messageID := found.ID
	deleteFn := func() error {
		deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		select {
		case <-deleteCtx.Done():
			return deleteCtx.Err()
		default:
		}

		return m.store.Delete(messageID, &queueMessage{})
	}

	return &found.Body, deleteFn, nil
}

// Extend extends the visibility timeout for a message still being worked.
func (m *Manager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	var qMsg queueMessage
	if err := m.store.Get(messageID, &qMsg); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("message not found: %s", messageID)
		}
		return fmt.Errorf("failed to find message: %w", err)
	}

	qMsg.VisibleAt = time.Now().Add(duration)

	if err := m.store.Update(messageID, &qMsg); err != nil {
		return fmt.Errorf("failed to extend message visibility: %w", err)
	}

	return nil
}

// Close is a no-op; the underlying Badger DB is owned by DB, not Manager.
func (m *Manager) Close() error {
	return nil
}
