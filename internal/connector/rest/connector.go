// Package rest implements the generic, schema-driven REST connector:
// the user declares, per entity, method/path/data_path and one of the
// offset/cursor pagination shapes.
package rest

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

func init() {
	connector.Default.Register(models.ConnectorTypeREST, connector.Factory{
		Schema:   GetConfigSchema(),
		Metadata: metadata(),
		New:      New,
	})
}

func metadata() connector.Metadata {
	return connector.Metadata{
		Name:        "rest",
		Version:     "1.0.0",
		Description: "Schema-driven generic REST connector",
	}
}

// EntitySpec is one user-declared entity definition.
type EntitySpec struct {
	Entity          string            `json:"entity"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	DataPath        string            `json:"data_path"`
	TotalCountPath  string            `json:"total_count_path,omitempty"`
	PaginationStyle string            `json:"pagination_style"` // "offset" | "cursor"
	LimitParam      string            `json:"limit_param,omitempty"`
	OffsetParam     string            `json:"offset_param,omitempty"`
	CursorParam     string            `json:"cursor_param,omitempty"`
	NextCursorPath  string            `json:"next_cursor_path,omitempty"`
	HasMorePath     string            `json:"has_more_path,omitempty"`
	BatchSize       int               `json:"batch_size,omitempty"`
	StaticParams    map[string]string `json:"static_params,omitempty"`
	StaticBody      map[string]any    `json:"static_body,omitempty"`
}

// GetConfigSchema declares the REST connector's config fields.
func GetConfigSchema() connector.ConfigSchema {
	return connector.ConfigSchema{Fields: []connector.SchemaField{
		{Name: "baseUrl", Type: connector.FieldString, Required: true},
		{Name: "authHeader", Type: connector.FieldString, Required: false},
		{Name: "apiKey", Type: connector.FieldPassword, Required: false},
		{Name: "webhookSecret", Type: connector.FieldPassword, Required: false},
		{Name: "entities", Type: connector.FieldObjectArray, Required: true, ItemFields: []connector.SchemaField{
			{Name: "entity", Type: connector.FieldString, Required: true},
			{Name: "method", Type: connector.FieldString, Required: true},
			{Name: "path", Type: connector.FieldString, Required: true},
			{Name: "data_path", Type: connector.FieldString, Required: true},
		}},
	}}
}

// Connector is the generic REST connector instance.
type Connector struct {
	connector.BaseConnector
	baseURL       string
	authHeader    string
	apiKey        string
	webhookSecret string
	entities      map[string]EntitySpec
	client        *http.Client
	pacer         *fetch.Pacer
	retry         fetch.RetryPolicy
}

// New constructs a Connector from cfg.
func New(cfg models.ConnectorConfig) (connector.Connector, error) {
	baseURL, _ := cfg.Config["baseUrl"].(string)
	if baseURL == "" {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "rest: baseUrl is required")
	}
	authHeader, _ := cfg.Config["authHeader"].(string)
	apiKey, _ := cfg.Config["apiKey"].(string)
	webhookSecret, _ := cfg.Config["webhookSecret"].(string)

	entities := map[string]EntitySpec{}
	raw, _ := cfg.Config["entities"].([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b, _ := json.Marshal(m)
		var spec EntitySpec
		if err := json.Unmarshal(b, &spec); err != nil {
			continue
		}
		if spec.PaginationStyle == "" {
			if spec.CursorParam != "" {
				spec.PaginationStyle = "cursor"
			} else {
				spec.PaginationStyle = "offset"
			}
		}
		entities[spec.Entity] = spec
	}
	if len(entities) == 0 {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "rest: at least one entity must be declared")
	}

	settings := cfg.Settings
	return &Connector{
		baseURL:       strings.TrimRight(baseURL, "/"),
		authHeader:    authHeader,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		entities:      entities,
		client:        fetch.NewHTTPClient(settings.TimeoutMs),
		pacer:         fetch.NewPacer(settings.RateLimitDelayMs),
		retry:         fetch.RetryPolicy{RateLimitDelayMs: settings.RateLimitDelayMs, MaxRetries: settings.MaxRetries},
	}, nil
}

func (c *Connector) Metadata() connector.Metadata {
	m := metadata()
	for e := range c.entities {
		m.SupportedEntities = append(m.SupportedEntities, e)
	}
	return m
}

func (c *Connector) ValidateConfig() connector.ValidationResult {
	if c.baseURL == "" {
		return connector.ValidationResult{Valid: false, Errors: []string{"baseUrl is required"}}
	}
	if len(c.entities) == 0 {
		return connector.ValidationResult{Valid: false, Errors: []string{"at least one entity must be declared"}}
	}
	return connector.ValidationResult{Valid: true}
}

func (c *Connector) TestConnection(ctx context.Context) (connector.TestResult, error) {
	for name := range c.entities {
		spec := c.entities[name]
		_, err := c.doRequest(ctx, spec, nil)
		if err != nil {
			return connector.TestResult{Success: false, Message: err.Error()}, nil
		}
		return connector.TestResult{Success: true, Message: "reachable"}, nil
	}
	return connector.TestResult{Success: false, Message: "no entities configured"}, nil
}

func (c *Connector) GetAvailableEntities(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(c.entities))
	for e := range c.entities {
		out = append(out, e)
	}
	return out, nil
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

func (c *Connector) FetchEntityChunk(ctx context.Context, opts connector.ResumableFetchOptions) (models.FetchState, error) {
	spec, ok := c.entities[opts.Entity]
	if !ok {
		return models.FetchState{}, fmt.Errorf("%w: %s", connector.ErrUnsupportedEntity, opts.Entity)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = spec.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	if spec.PaginationStyle == "cursor" {
		return c.fetchCursor(ctx, spec, opts, batchSize)
	}
	return c.fetchOffset(ctx, spec, opts, batchSize)
}

func (c *Connector) fetchOffset(ctx context.Context, spec EntitySpec, opts connector.ResumableFetchOptions, batchSize int) (models.FetchState, error) {
	var offset int64
	if opts.State != nil && opts.State.Offset != nil {
		offset = *opts.State.Offset
	}
	totalProcessed := int64(0)
	if opts.State != nil {
		totalProcessed = opts.State.TotalProcessed
	}

	limitParam := orDefault(spec.LimitParam, "limit")
	offsetParam := orDefault(spec.OffsetParam, "offset")

	iterations := 0
	hasMore := true
	for iterations < opts.MaxIterations && hasMore {
		iterations++

		params := cloneParams(spec.StaticParams)
		params[limitParam] = strconv.Itoa(batchSize)
		params[offsetParam] = strconv.FormatInt(offset, 10)

		var body any
		err := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			var rerr error
			body, rerr = c.doRequestParams(ctx, spec, params)
			return rerr
		})
		if err != nil {
			return models.FetchState{}, err
		}

		data := extractPath(body, spec.DataPath)
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
		if opts.OnProgress != nil {
			opts.OnProgress(totalProcessed, nil)
		}

		hmPtr := extractHasMore(body, spec.HasMorePath)
		hasMore = fetch.HasMore(hmPtr, false, len(data), batchSize)
		offset += int64(len(data))
	}

	return models.FetchState{Offset: &offset, TotalProcessed: totalProcessed, HasMore: hasMore, IterationsInChunk: iterations}, nil
}

func (c *Connector) fetchCursor(ctx context.Context, spec EntitySpec, opts connector.ResumableFetchOptions, batchSize int) (models.FetchState, error) {
	var cursor string
	if opts.State != nil && opts.State.Cursor != nil {
		cursor = *opts.State.Cursor
	}
	totalProcessed := int64(0)
	if opts.State != nil {
		totalProcessed = opts.State.TotalProcessed
	}

	limitParam := orDefault(spec.LimitParam, "limit")
	cursorParam := orDefault(spec.CursorParam, "cursor")

	iterations := 0
	hasMore := true
	for iterations < opts.MaxIterations && hasMore {
		iterations++

		params := cloneParams(spec.StaticParams)
		params[limitParam] = strconv.Itoa(batchSize)
		if cursor != "" {
			params[cursorParam] = cursor
		}

		var body any
		err := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			var rerr error
			body, rerr = c.doRequestParams(ctx, spec, params)
			return rerr
		})
		if err != nil {
			return models.FetchState{}, err
		}

		data := extractPath(body, spec.DataPath)
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
		if opts.OnProgress != nil {
			opts.OnProgress(totalProcessed, nil)
		}

		next := extractString(body, spec.NextCursorPath)
		hmPtr := extractHasMore(body, spec.HasMorePath)
		hasMore = fetch.HasMore(hmPtr, next != "", len(data), batchSize)
		cursor = next
	}

	return models.FetchState{Cursor: &cursor, TotalProcessed: totalProcessed, HasMore: hasMore, IterationsInChunk: iterations}, nil
}

func (c *Connector) doRequest(ctx context.Context, spec EntitySpec, query map[string]string) (any, error) {
	return c.doRequestParams(ctx, spec, query)
}

func (c *Connector) doRequestParams(ctx context.Context, spec EntitySpec, params map[string]string) (any, error) {
	reqURL := c.baseURL + spec.Path
	if spec.Method == "" || spec.Method == "GET" {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		if len(q) > 0 {
			reqURL += "?" + q.Encode()
		}
	}

	method := spec.Method
	if method == "" {
		method = "GET"
	}

	var bodyReader *strings.Reader
	if method != "GET" {
		bodyMap := map[string]any{}
		for k, v := range spec.StaticBody {
			bodyMap[k] = v
		}
		for k, v := range params {
			bodyMap[k] = v
		}
		b, _ := json.Marshal(bodyMap)
		bodyReader = strings.NewReader(string(b))
	}

	var req *http.Request
	var err error
	if bodyReader != nil {
		req, err = http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, reqURL, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" && c.apiKey != "" {
		req.Header.Set(c.authHeader, c.apiKey)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable, "rest request failed", err)
	}
	defer resp.Body.Close()

	if err := fetch.ClassifyResponse(resp); err != nil {
		return nil, err
	}

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("rest: decode response: %w", err)
	}
	return body, nil
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func cloneParams(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// extractPath walks a dotted JSON path ("data.items") into body.
func extractPath(body any, path string) []any {
	if path == "" {
		if arr, ok := body.([]any); ok {
			return arr
		}
		return nil
	}
	cur := body
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	arr, _ := cur.([]any)
	return arr
}

func extractString(body any, path string) string {
	if path == "" {
		return ""
	}
	cur := body
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[seg]
	}
	s, _ := cur.(string)
	return s
}

func extractHasMore(body any, path string) *bool {
	if path == "" {
		return nil
	}
	cur := body
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	b, ok := cur.(bool)
	if !ok {
		return nil
	}
	return &b
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

// --- webhooks ---

func (c *Connector) SupportsWebhooks() bool { return c.webhookSecret != "" }

func (c *Connector) VerifyWebhook(ctx context.Context, in connector.WebhookVerifyInput) (bool, error) {
	sig := in.Headers["x-signature"]
	if sig == "" {
		return false, nil
	}
	secret := in.Secret
	if secret == "" {
		secret = c.webhookSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(in.Payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected)), nil
}

func (c *Connector) GetSupportedWebhookEvents() []string {
	out := make([]string, 0, len(c.entities))
	for e := range c.entities {
		out = append(out, e+".updated")
	}
	return out
}

func (c *Connector) GetWebhookEventMapping(eventType string) *connector.WebhookMapping {
	entity := strings.TrimSuffix(eventType, ".updated")
	entity = strings.TrimSuffix(entity, ".deleted")
	if _, ok := c.entities[entity]; !ok {
		return nil
	}
	if strings.HasSuffix(eventType, ".deleted") {
		return &connector.WebhookMapping{Entity: entity, Operation: connector.WebhookDelete}
	}
	return &connector.WebhookMapping{Entity: entity, Operation: connector.WebhookUpsert}
}

func (c *Connector) ExtractWebhookData(ctx context.Context, event connector.RawWebhookEvent) (connector.WebhookEventData, error) {
	var data map[string]any
	if err := json.Unmarshal(event.Payload, &data); err != nil {
		return connector.WebhookEventData{}, fmt.Errorf("rest: decode webhook payload: %w", err)
	}
	id, _ := data["id"].(string)
	return connector.WebhookEventData{ID: id, Data: data}, nil
}
