// Package closecrm implements the Close CRM connector: offset pagination
// by default, a date-window shape for `activities`, and HMAC-SHA256
// webhook verification.
package closecrm

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/connector/fetch"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/synerr"
)

const defaultBaseURL = "https://api.close.com/api/v1"

var supportedEntities = []string{"leads", "contacts", "users", "activities", "opportunities"}

func init() {
	connector.Default.Register(models.ConnectorTypeCloseCRM, connector.Factory{
		Schema:   GetConfigSchema(),
		Metadata: metadata(),
		New:      New,
	})
}

func metadata() connector.Metadata {
	return connector.Metadata{
		Name:              "closecrm",
		Version:           "1.0.0",
		Description:       "Close CRM connector (leads, contacts, users, activities, opportunities)",
		SupportedEntities: supportedEntities,
	}
}

// GetConfigSchema declares the Close connector's config fields.
func GetConfigSchema() connector.ConfigSchema {
	return connector.ConfigSchema{Fields: []connector.SchemaField{
		{Name: "apiKey", Type: connector.FieldPassword, Required: true, Description: "Close API key"},
		{Name: "webhookSecret", Type: connector.FieldPassword, Required: false, Description: "Close webhook signature key"},
	}}
}

// Connector is the Close CRM connector instance, bound to one decrypted
// config snapshot and owned by a single in-flight execution.
type Connector struct {
	connector.BaseConnector
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
	pacer         *fetch.Pacer
	retry         fetch.RetryPolicy
}

// New constructs a Connector from cfg, per the registry Factory contract.
func New(cfg models.ConnectorConfig) (connector.Connector, error) {
	apiKey, _ := cfg.Config["apiKey"].(string)
	if apiKey == "" {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "closecrm: apiKey is required")
	}
	webhookSecret, _ := cfg.Config["webhookSecret"].(string)
	baseURL, _ := cfg.Config["baseUrl"].(string)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	settings := cfg.Settings
	return &Connector{
		baseURL:       baseURL,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		client:        fetch.NewHTTPClient(settings.TimeoutMs),
		pacer:         fetch.NewPacer(settings.RateLimitDelayMs),
		retry:         fetch.RetryPolicy{RateLimitDelayMs: settings.RateLimitDelayMs, MaxRetries: settings.MaxRetries},
	}, nil
}

func (c *Connector) Metadata() connector.Metadata { return metadata() }

func (c *Connector) ValidateConfig() connector.ValidationResult {
	if c.apiKey == "" {
		return connector.ValidationResult{Valid: false, Errors: []string{"apiKey is required"}}
	}
	return connector.ValidationResult{Valid: true}
}

func (c *Connector) TestConnection(ctx context.Context) (connector.TestResult, error) {
	_, _, err := c.doRequest(ctx, "GET", "/me/", nil)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}, nil
	}
	return connector.TestResult{Success: true, Message: "authenticated"}, nil
}

func (c *Connector) GetAvailableEntities(ctx context.Context) ([]string, error) {
	return supportedEntities, nil
}

// SupportsResumableFetching is true; Close implements the chunked contract.
func (c *Connector) SupportsResumableFetching() bool { return true }

// FetchEntity runs the unchunked streaming variant by looping
// FetchEntityChunk to exhaustion with a large iteration cap.
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

// FetchEntityChunk performs at most opts.MaxIterations upstream round
// trips for opts.Entity.
func (c *Connector) FetchEntityChunk(ctx context.Context, opts connector.ResumableFetchOptions) (models.FetchState, error) {
	if opts.Entity == "activities" {
		return c.fetchActivitiesChunk(ctx, opts)
	}
	return c.fetchOffsetChunk(ctx, opts)
}

// fetchOffsetChunk implements the offset pagination shape for leads,
// contacts, users and opportunities. Close's /user/ endpoint lacks a
// stable orderBy, so /user/ pages may deliver duplicates across chunk
// boundaries; the (id, _dataSourceId) upsert deduplicates them.
func (c *Connector) fetchOffsetChunk(ctx context.Context, opts connector.ResumableFetchOptions) (models.FetchState, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var offset int64
	if opts.State != nil && opts.State.Offset != nil {
		offset = *opts.State.Offset
	}
	totalProcessed := int64(0)
	if opts.State != nil {
		totalProcessed = opts.State.TotalProcessed
	}

	path := entityPath(opts.Entity)
	iterations := 0
	hasMore := true

	for iterations < opts.MaxIterations && hasMore {
		iterations++

		var body map[string]any
		var err error
		if since := sinceDate(opts.Since); since != "" && opts.Entity != "users" {
			// Filtered list: Close expects the filter in a _params body on a
			// POST carrying x-http-method-override: GET.
			params := map[string]any{
				"_limit":    batchSize,
				"_skip":     offset,
				"_order_by": "-date_updated",
				"query":     fmt.Sprintf("date_updated>=%q", since),
			}
			err = c.retry.Do(ctx, func() error {
				if err := c.pacer.Wait(ctx); err != nil {
					return err
				}
				var rerr error
				body, _, rerr = c.doFilteredRequest(ctx, path, params)
				return rerr
			})
		} else {
			query := map[string]string{
				"_limit": strconv.Itoa(batchSize),
				"_skip":  strconv.FormatInt(offset, 10),
			}
			if opts.Entity != "users" {
				query["_order_by"] = "id"
			}
			err = c.retry.Do(ctx, func() error {
				if err := c.pacer.Wait(ctx); err != nil {
					return err
				}
				var rerr error
				body, _, rerr = c.doRequest(ctx, "GET", path, query)
				return rerr
			})
		}
		if err != nil {
			return models.FetchState{}, err
		}

		data, _ := body["data"].([]any)
		records := toRecords(data)
		if opts.Since != nil {
			since := time.UnixMilli(*opts.Since)
			records = fetch.FilterSince(records, since)
		}
		if len(records) > 0 && opts.OnBatch != nil {
			if err := opts.OnBatch(records); err != nil {
				return models.FetchState{}, err
			}
		}
		totalProcessed += int64(len(records))

		explicitHasMore, hmOK := body["has_more"].(bool)
		var hmPtr *bool
		if hmOK {
			hmPtr = &explicitHasMore
		}
		hasMore = fetch.HasMore(hmPtr, false, len(data), batchSize)
		offset += int64(len(data))

		if opts.OnProgress != nil {
			opts.OnProgress(totalProcessed, nil)
		}
	}

	return models.FetchState{
		Offset:            &offset,
		TotalProcessed:    totalProcessed,
		HasMore:           hasMore,
		IterationsInChunk: iterations,
	}, nil
}

// fetchActivitiesChunk implements the date-window pagination shape:
// walk days descending, paginate within a day by offset, and
// probe one bounded day further on an empty day to distinguish end of
// history from an empty day. When opts.Since is set, dw.EndDate bounds the
// walk so an incremental sync stops at the watermark instead of reaching
// all the way back to the start of history.
func (c *Connector) fetchActivitiesChunk(ctx context.Context, opts connector.ResumableFetchOptions) (models.FetchState, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	dw := fetch.DateWindowState{
		CurrentDate: time.Now().UTC().Format("2006-01-02"),
		EndDate:     sinceDate(opts.Since),
	}
	totalProcessed := int64(0)
	if opts.State != nil {
		totalProcessed = opts.State.TotalProcessed
		if opts.State.Metadata != nil {
			if v, ok := opts.State.Metadata["currentDate"].(string); ok {
				dw.CurrentDate = v
			}
			if v, ok := opts.State.Metadata["dailyOffset"].(float64); ok {
				dw.DailyOffset = int64(v)
			}
			if v, ok := opts.State.Metadata["isCheckingForOlderData"].(bool); ok && v {
				dw.Phase = fetch.PhaseProbingOlder
			}
			if v, ok := opts.State.Metadata["endDate"].(string); ok && v != "" {
				dw.EndDate = v
			}
		}
	}

	iterations := 0
	hasMore := true

	for iterations < opts.MaxIterations && hasMore {
		if dw.EndDate != "" && dw.CurrentDate < dw.EndDate {
			hasMore = false
			break
		}
		iterations++

		query := map[string]string{
			"_limit":     strconv.Itoa(batchSize),
			"_skip":      strconv.FormatInt(dw.DailyOffset, 10),
			"_order_by":  "-date_created",
			"date_created__gte": dw.CurrentDate + "T00:00:00",
			"date_created__lt":  dw.CurrentDate + "T23:59:59",
		}
		if dw.Phase == fetch.PhaseProbingOlder {
			query = map[string]string{
				"_limit":            "1",
				"date_created__lt": dw.CurrentDate + "T00:00:00",
				"_order_by":         "-date_created",
			}
		}

		var body map[string]any
		err := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			var rerr error
			body, _, rerr = c.doRequest(ctx, "GET", "/activity/", query)
			return rerr
		})
		if err != nil {
			return models.FetchState{}, err
		}

		data, _ := body["data"].([]any)
		records := toRecords(data)

		if dw.Phase == fetch.PhaseProbingOlder {
			if len(records) == 0 {
				hasMore = false
				break
			}
			// Older data exists: resume normal walking at the day before
			// the probed boundary.
			d, _ := time.Parse("2006-01-02", dw.CurrentDate)
			dw.CurrentDate = d.AddDate(0, 0, -1).Format("2006-01-02")
			dw.DailyOffset = 0
			dw.Phase = fetch.PhaseNormal
			continue
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

		if len(records) == 0 {
			dw.Phase = fetch.PhaseProbingOlder
			continue
		}

		if len(records) < batchSize {
			// Day exhausted; advance to the previous day.
			d, _ := time.Parse("2006-01-02", dw.CurrentDate)
			dw.CurrentDate = d.AddDate(0, 0, -1).Format("2006-01-02")
			dw.DailyOffset = 0
		} else {
			dw.DailyOffset += int64(len(records))
		}
	}

	return models.FetchState{
		TotalProcessed:    totalProcessed,
		HasMore:           hasMore,
		IterationsInChunk: iterations,
		Metadata: map[string]any{
			"currentDate":            dw.CurrentDate,
			"dailyOffset":            dw.DailyOffset,
			"isCheckingForOlderData": dw.Phase == fetch.PhaseProbingOlder,
			"endDate":                dw.EndDate,
		},
	}, nil
}

func entityPath(entity string) string {
	switch entity {
	case "leads":
		return "/lead/"
	case "contacts":
		return "/contact/"
	case "users":
		return "/user/"
	case "opportunities":
		return "/opportunity/"
	default:
		return "/" + entity + "/"
	}
}

func sinceDate(sinceMs *int64) string {
	if sinceMs == nil {
		return ""
	}
	return time.UnixMilli(*sinceMs).UTC().Format("2006-01-02")
}

func toRecords(data []any) []connector.Record {
	out := make([]connector.Record, 0, len(data))
	for _, d := range data {
		if m, ok := d.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// doRequest issues one Close API call with the given query parameters.
// Filtered list calls go through doFilteredRequest instead.
func (c *Connector) doRequest(ctx context.Context, method, path string, query map[string]string) (map[string]any, *http.Response, error) {
	url := c.baseURL + path
	if len(query) > 0 {
		parts := make([]string, 0, len(query))
		for k, v := range query {
			parts = append(parts, k+"="+v)
		}
		url += "?" + strings.Join(parts, "&")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.SetBasicAuth(c.apiKey, "")

	return c.send(req)
}

// doFilteredRequest issues a filtered list call: a POST whose body carries
// the filter under _params, with x-http-method-override telling Close to
// treat it as a GET.
func (c *Connector) doFilteredRequest(ctx context.Context, path string, params map[string]any) (map[string]any, *http.Response, error) {
	payload, err := json.Marshal(map[string]any{"_params": params})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-http-method-override", "GET")

	return c.send(req)
}

func (c *Connector) send(req *http.Request) (map[string]any, *http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable, "closecrm request failed", err)
	}
	defer resp.Body.Close()

	if err := fetch.ClassifyResponse(resp); err != nil {
		return nil, resp, err
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resp, fmt.Errorf("closecrm: decode response: %w", err)
	}
	return body, resp, nil
}

// --- webhooks ---

func (c *Connector) SupportsWebhooks() bool { return true }

func (c *Connector) VerifyWebhook(ctx context.Context, in connector.WebhookVerifyInput) (bool, error) {
	sig := in.Headers["close-sig-hash"]
	if sig == "" {
		return false, nil
	}
	secret := in.Secret
	if secret == "" {
		secret = c.webhookSecret
	}
	if secret == "" {
		return false, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(in.Payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected)), nil
}

func (c *Connector) GetSupportedWebhookEvents() []string {
	return []string{"lead.created", "lead.updated", "lead.deleted", "contact.updated", "activity.created"}
}

func (c *Connector) GetWebhookEventMapping(eventType string) *connector.WebhookMapping {
	switch eventType {
	case "lead.created", "lead.updated":
		return &connector.WebhookMapping{Entity: "leads", Operation: connector.WebhookUpsert}
	case "lead.deleted":
		return &connector.WebhookMapping{Entity: "leads", Operation: connector.WebhookDelete}
	case "contact.updated":
		return &connector.WebhookMapping{Entity: "contacts", Operation: connector.WebhookUpsert}
	case "activity.created":
		return &connector.WebhookMapping{Entity: "activities", Operation: connector.WebhookUpsert}
	default:
		return nil
	}
}

func (c *Connector) ExtractWebhookData(ctx context.Context, event connector.RawWebhookEvent) (connector.WebhookEventData, error) {
	var envelope struct {
		Event struct {
			Data map[string]any `json:"data"`
		} `json:"event"`
	}
	if err := json.NewDecoder(bytes.NewReader(event.Payload)).Decode(&envelope); err != nil {
		return connector.WebhookEventData{}, fmt.Errorf("closecrm: decode webhook payload: %w", err)
	}
	id, _ := envelope.Event.Data["id"].(string)
	return connector.WebhookEventData{ID: id, Data: envelope.Event.Data}, nil
}
