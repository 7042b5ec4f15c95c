// -----------------------------------------------------------------------
// Webhook ingress: POST /webhook/{jobId}.
// -----------------------------------------------------------------------

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/syncd/internal/configstore"
	"github.com/ternarybob/syncd/internal/eventbus"
	"github.com/ternarybob/syncd/internal/models"
)

// webhookReceiver is the external HTTP hand-off point:
// it persists a WebhookEvent{status=pending} and emits
// webhook/event.process{jobId, eventId}. It performs no signature
// verification itself — that is the connector's job, run later by
// internal/webhook.Processor, since the receiver has no connector config
// loaded yet and must stay cheap under webhook-storm load.
type webhookReceiver struct {
	gateway *configstore.Gateway
	bus     *eventbus.Manager
	logger  arbor.ILogger
}

func newWebhookReceiver(gateway *configstore.Gateway, bus *eventbus.Manager, logger arbor.ILogger) http.Handler {
	return &webhookReceiver{gateway: gateway, bus: bus, logger: logger}
}

func (wr *webhookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobIDHex := strings.TrimPrefix(r.URL.Path, "/webhook/")
	jobIDHex = strings.Trim(jobIDHex, "/")
	if jobIDHex == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	jobID, err := models.ParseID(jobIDHex)
	if err != nil {
		http.Error(w, "malformed job id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}

	event := &models.WebhookEvent{
		ID:         models.NewID(),
		JobID:      jobID,
		EventID:    uuid.New().String(),
		EventType:  extractEventType(body),
		ReceivedAt: time.Now().UTC(),
		Status:     models.WebhookPending,
		RawPayload: json.RawMessage(body),
		Headers:    headers,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := wr.gateway.InsertWebhookEvent(ctx, event); err != nil {
		wr.logger.Error().Err(err).Str("jobId", jobIDHex).Msg("webhook receiver: persist event failed")
		http.Error(w, "failed to persist event", http.StatusInternalServerError)
		return
	}

	payload, _ := json.Marshal(eventbus.WebhookProcessPayload{JobID: jobIDHex, EventID: event.ID.Hex()})
	msg := eventbus.Message{Topic: eventbus.TopicWebhookProcess, Payload: payload}
	if err := wr.bus.Enqueue(ctx, msg); err != nil {
		wr.logger.Error().Err(err).Str("eventId", event.ID.Hex()).Msg("webhook receiver: enqueue process event failed")
		http.Error(w, "failed to enqueue event", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// extractEventType reads the event type from the raw JSON body: a
// top-level "type" string (Stripe), a top-level "event" string, or a
// top-level "event" object carrying "object_type" and "action" (Close),
// which yields "<object_type>.<action>", e.g. "lead.updated". Any other
// shape yields "". This best-effort read only drives the
// GetWebhookEventMapping lookup in internal/webhook.Processor.
func extractEventType(body []byte) string {
	var envelope struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Type != "" {
		return envelope.Type
	}
	var name string
	if json.Unmarshal(envelope.Event, &name) == nil {
		return name
	}
	var closeEvent struct {
		ObjectType string `json:"object_type"`
		Action     string `json:"action"`
	}
	if json.Unmarshal(envelope.Event, &closeEvent) == nil && closeEvent.ObjectType != "" && closeEvent.Action != "" {
		return closeEvent.ObjectType + "." + closeEvent.Action
	}
	return ""
}
