// Package stripe implements the Stripe connector: cursor pagination via
// starting_after, a created[gte] server-side incremental filter, and
// Stripe's documented webhook signature scheme.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/connector/fetch"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/synerr"
)

const defaultBaseURL = "https://api.stripe.com/v1"

var supportedEntities = []string{"customers", "charges", "invoices", "subscriptions", "products"}

func init() {
	connector.Default.Register(models.ConnectorTypeStripe, connector.Factory{
		Schema:   GetConfigSchema(),
		Metadata: metadata(),
		New:      New,
	})
}

func metadata() connector.Metadata {
	return connector.Metadata{
		Name:              "stripe",
		Version:           "1.0.0",
		Description:       "Stripe connector (customers, charges, invoices, subscriptions, products)",
		SupportedEntities: supportedEntities,
	}
}

// GetConfigSchema declares the Stripe connector's config fields.
func GetConfigSchema() connector.ConfigSchema {
	return connector.ConfigSchema{Fields: []connector.SchemaField{
		{Name: "secretKey", Type: connector.FieldPassword, Required: true, Description: "Stripe secret key"},
		{Name: "webhookSecret", Type: connector.FieldPassword, Required: false, Description: "Stripe webhook signing secret"},
	}}
}

// Connector is the Stripe connector instance.
type Connector struct {
	connector.BaseConnector
	baseURL       string
	secretKey     string
	webhookSecret string
	client        *http.Client
	pacer         *fetch.Pacer
	retry         fetch.RetryPolicy
}

// New constructs a Connector from cfg.
func New(cfg models.ConnectorConfig) (connector.Connector, error) {
	secretKey, _ := cfg.Config["secretKey"].(string)
	if secretKey == "" {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "stripe: secretKey is required")
	}
	webhookSecret, _ := cfg.Config["webhookSecret"].(string)
	baseURL, _ := cfg.Config["baseUrl"].(string)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	settings := cfg.Settings
	return &Connector{
		baseURL:       baseURL,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		client:        fetch.NewHTTPClient(settings.TimeoutMs),
		pacer:         fetch.NewPacer(settings.RateLimitDelayMs),
		retry:         fetch.RetryPolicy{RateLimitDelayMs: settings.RateLimitDelayMs, MaxRetries: settings.MaxRetries},
	}, nil
}

func (c *Connector) Metadata() connector.Metadata { return metadata() }

func (c *Connector) ValidateConfig() connector.ValidationResult {
	if c.secretKey == "" {
		return connector.ValidationResult{Valid: false, Errors: []string{"secretKey is required"}}
	}
	return connector.ValidationResult{Valid: true}
}

func (c *Connector) TestConnection(ctx context.Context) (connector.TestResult, error) {
	_, err := c.doRequest(ctx, "/customers", url.Values{"limit": {"1"}})
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}, nil
	}
	return connector.TestResult{Success: true, Message: "authenticated"}, nil
}

func (c *Connector) GetAvailableEntities(ctx context.Context) ([]string, error) {
	return supportedEntities, nil
}

func (c *Connector) SupportsResumableFetching() bool { return true }

func (c *Connector) FetchEntity(ctx context.Context, opts connector.FetchOptions) error {
	state := new(models.FetchState)
	for {
		next, err := c.FetchEntityChunk(ctx, connector.ResumableFetchOptions{
			FetchOptions:  opts,
			MaxIterations: 1_000_000,
			State:         state,
		})
		if err != nil {
			return err
		}
		if !next.HasMore {
			return nil
		}
		state = &next
	}
}

// FetchEntityChunk implements cursor pagination via starting_after.
func (c *Connector) FetchEntityChunk(ctx context.Context, opts connector.ResumableFetchOptions) (models.FetchState, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var cursor string
	if opts.State != nil && opts.State.Cursor != nil {
		cursor = *opts.State.Cursor
	}
	totalProcessed := int64(0)
	if opts.State != nil {
		totalProcessed = opts.State.TotalProcessed
	}

	path := "/" + opts.Entity
	iterations := 0
	hasMore := true

	for iterations < opts.MaxIterations && hasMore {
		iterations++

		q := url.Values{"limit": {strconv.Itoa(batchSize)}}
		if cursor != "" {
			q.Set("starting_after", cursor)
		}
		if opts.Since != nil {
			q.Set("created[gte]", strconv.FormatInt(*opts.Since/1000, 10))
		}

		var body map[string]any
		err := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			var rerr error
			body, rerr = c.doRequest(ctx, path, q)
			return rerr
		})
		if err != nil {
			return models.FetchState{}, err
		}

		data, _ := body["data"].([]any)
		records := make([]connector.Record, 0, len(data))
		var lastID string
		for _, d := range data {
			if m, ok := d.(map[string]any); ok {
				records = append(records, m)
				if id, ok := m["id"].(string); ok {
					lastID = id
				}
			}
		}

		if len(records) > 0 && opts.OnBatch != nil {
			if err := opts.OnBatch(records); err != nil {
				return models.FetchState{}, err
			}
		}
		totalProcessed += int64(len(records))
		if opts.OnProgress != nil {
			opts.OnProgress(totalProcessed, nil)
		}

		explicitHasMore, ok := body["has_more"].(bool)
		var hmPtr *bool
		if ok {
			hmPtr = &explicitHasMore
		}
		hasMore = fetch.HasMore(hmPtr, false, len(data), batchSize)
		if lastID != "" {
			cursor = lastID
		}
	}

	return models.FetchState{
		Cursor:            &cursor,
		TotalProcessed:    totalProcessed,
		HasMore:           hasMore,
		IterationsInChunk: iterations,
	}, nil
}

func (c *Connector) doRequest(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable, "stripe request failed", err)
	}
	defer resp.Body.Close()

	if err := fetch.ClassifyResponse(resp); err != nil {
		return nil, err
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("stripe: decode response: %w", err)
	}
	return body, nil
}

// --- webhooks ---

func (c *Connector) SupportsWebhooks() bool { return true }

// VerifyWebhook implements Stripe's documented signature scheme: the
// stripe-signature header carries "t=<timestamp>,v1=<hex hmac>" computed
// over "<timestamp>.<payload>" with HMAC-SHA256 and the webhook signing
// secret.
func (c *Connector) VerifyWebhook(ctx context.Context, in connector.WebhookVerifyInput) (bool, error) {
	header := in.Headers["stripe-signature"]
	if header == "" {
		return false, nil
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == "" || v1 == "" {
		return false, nil
	}

	secret := in.Secret
	if secret == "" {
		secret = c.webhookSecret
	}
	signedPayload := ts + "." + string(in.Payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(v1), []byte(expected)) {
		return false, nil
	}

	tsSeconds, err := strconv.ParseInt(ts, 10, 64)
	if err == nil {
		age := time.Since(time.Unix(tsSeconds, 0))
		if age > 5*time.Minute || age < -5*time.Minute {
			return false, nil
		}
	}
	return true, nil
}

func (c *Connector) GetSupportedWebhookEvents() []string {
	return []string{"customer.created", "customer.updated", "customer.deleted", "charge.succeeded", "invoice.paid"}
}

func (c *Connector) GetWebhookEventMapping(eventType string) *connector.WebhookMapping {
	switch eventType {
	case "customer.created", "customer.updated":
		return &connector.WebhookMapping{Entity: "customers", Operation: connector.WebhookUpsert}
	case "customer.deleted":
		return &connector.WebhookMapping{Entity: "customers", Operation: connector.WebhookDelete}
	case "charge.succeeded":
		return &connector.WebhookMapping{Entity: "charges", Operation: connector.WebhookUpsert}
	case "invoice.paid":
		return &connector.WebhookMapping{Entity: "invoices", Operation: connector.WebhookUpsert}
	default:
		return nil
	}
}

func (c *Connector) ExtractWebhookData(ctx context.Context, event connector.RawWebhookEvent) (connector.WebhookEventData, error) {
	var envelope struct {
		Data struct {
			Object map[string]any `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return connector.WebhookEventData{}, fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	id, _ := envelope.Data.Object["id"].(string)
	return connector.WebhookEventData{ID: id, Data: envelope.Data.Object}, nil
}
