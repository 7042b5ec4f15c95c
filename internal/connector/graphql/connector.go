// Package graphql implements the schema-driven GraphQL connector: a
// user-declared query with pagination shape chosen by variable-name
// detection ($after/$cursor -> cursor, $offset or literal offset: ->
// offset, else offset default).
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/connector/fetch"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/synerr"
)

func init() {
	connector.Default.Register(models.ConnectorTypeGraphQL, connector.Factory{
		Schema:   GetConfigSchema(),
		Metadata: metadata(),
		New:      New,
	})
}

func metadata() connector.Metadata {
	return connector.Metadata{Name: "graphql", Version: "1.0.0", Description: "Schema-driven GraphQL connector"}
}

// PaginationShape is chosen per entity by variable-name detection.
type PaginationShape string

const (
	ShapeCursor PaginationShape = "cursor"
	ShapeOffset PaginationShape = "offset"
)

// EntitySpec is one user-declared GraphQL query definition.
type EntitySpec struct {
	Entity            string `json:"entity"`
	Query             string `json:"query"`
	DataPath          string `json:"data_path"`
	TotalCountPath    string `json:"total_count_path,omitempty"`
	HasNextPagePath   string `json:"has_next_page_path,omitempty"`
	CursorPath        string `json:"cursor_path,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`
}

// GetConfigSchema declares the GraphQL connector's config fields.
func GetConfigSchema() connector.ConfigSchema {
	return connector.ConfigSchema{Fields: []connector.SchemaField{
		{Name: "endpoint", Type: connector.FieldString, Required: true},
		{Name: "apiKey", Type: connector.FieldPassword, Required: false},
		{Name: "entities", Type: connector.FieldObjectArray, Required: true, ItemFields: []connector.SchemaField{
			{Name: "entity", Type: connector.FieldString, Required: true},
			{Name: "query", Type: connector.FieldString, Required: true},
			{Name: "data_path", Type: connector.FieldString, Required: true},
		}},
	}}
}

// Connector is the GraphQL connector instance.
type Connector struct {
	connector.BaseConnector
	endpoint string
	apiKey   string
	entities map[string]EntitySpec
	client   *http.Client
	pacer    *fetch.Pacer
	retry    fetch.RetryPolicy
}

// New constructs a Connector from cfg.
func New(cfg models.ConnectorConfig) (connector.Connector, error) {
	endpoint, _ := cfg.Config["endpoint"].(string)
	if endpoint == "" {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "graphql: endpoint is required")
	}
	apiKey, _ := cfg.Config["apiKey"].(string)

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
		entities[spec.Entity] = spec
	}
	if len(entities) == 0 {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "graphql: at least one entity must be declared")
	}

	settings := cfg.Settings
	return &Connector{
		endpoint: endpoint,
		apiKey:   apiKey,
		entities: entities,
		client:   fetch.NewHTTPClient(settings.TimeoutMs),
		pacer:    fetch.NewPacer(settings.RateLimitDelayMs),
		retry:    fetch.RetryPolicy{RateLimitDelayMs: settings.RateLimitDelayMs, MaxRetries: settings.MaxRetries},
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
	if c.endpoint == "" {
		return connector.ValidationResult{Valid: false, Errors: []string{"endpoint is required"}}
	}
	return connector.ValidationResult{Valid: true}
}

func (c *Connector) TestConnection(ctx context.Context) (connector.TestResult, error) {
	_, err := c.execute(ctx, "{ __typename }", nil)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}, nil
	}
	return connector.TestResult{Success: true, Message: "reachable"}, nil
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

// detectShape chooses offset vs cursor pagination by scanning the query
// text for variable names.
func detectShape(query string) PaginationShape {
	if strings.Contains(query, "$after") || strings.Contains(query, "$cursor") {
		return ShapeCursor
	}
	if strings.Contains(query, "$offset") || strings.Contains(query, "offset:") {
		return ShapeOffset
	}
	return ShapeOffset
}

// cursorSentinel infers a default sentinel for $after based on whether the
// query looks time-like.
func cursorSentinel(query string) any {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "date") || strings.Contains(lower, "time") {
		return "1970-01-01"
	}
	return 0
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

	shape := detectShape(spec.Query)
	if shape == ShapeCursor {
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

	iterations := 0
	hasMore := true
	for iterations < opts.MaxIterations && hasMore {
		iterations++

		vars := map[string]any{"limit": batchSize, "offset": offset}
		var body map[string]any
		err := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			var rerr error
			body, rerr = c.execute(ctx, spec.Query, vars)
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

		hmPtr := extractHasMore(body, spec.HasNextPagePath)
		hasMore = fetch.HasMore(hmPtr, false, len(data), batchSize)
		offset += int64(len(data))
	}

	return models.FetchState{Offset: &offset, TotalProcessed: totalProcessed, HasMore: hasMore, IterationsInChunk: iterations}, nil
}

func (c *Connector) fetchCursor(ctx context.Context, spec EntitySpec, opts connector.ResumableFetchOptions, batchSize int) (models.FetchState, error) {
	var cursor any = cursorSentinel(spec.Query)
	if opts.State != nil && opts.State.Cursor != nil {
		cursor = *opts.State.Cursor
	}
	totalProcessed := int64(0)
	if opts.State != nil {
		totalProcessed = opts.State.TotalProcessed
	}

	iterations := 0
	hasMore := true
	for iterations < opts.MaxIterations && hasMore {
		iterations++

		vars := map[string]any{"limit": batchSize, "after": cursor, "cursor": cursor}
		var body map[string]any
		err := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			var rerr error
			body, rerr = c.execute(ctx, spec.Query, vars)
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

		next := extractString(body, spec.CursorPath)
		hmPtr := extractHasMore(body, spec.HasNextPagePath)
		hasMore = fetch.HasMore(hmPtr, next != "", len(data), batchSize)
		if next != "" {
			cursor = next
		}
	}

	cursorStr := fmt.Sprintf("%v", cursor)
	return models.FetchState{Cursor: &cursorStr, TotalProcessed: totalProcessed, HasMore: hasMore, IterationsInChunk: iterations}, nil
}

func (c *Connector) execute(ctx context.Context, query string, variables map[string]any) (map[string]any, error) {
	reqBody, _ := json.Marshal(map[string]any{"query": query, "variables": variables})

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable, "graphql request failed", err)
	}
	defer resp.Body.Close()

	if err := fetch.ClassifyResponse(resp); err != nil {
		return nil, err
	}

	var envelope struct {
		Data   map[string]any `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("graphql: decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Permanent, envelope.Errors[0].Message)
	}
	return envelope.Data, nil
}

func extractPath(body map[string]any, path string) []any {
	var cur any = body
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

func extractString(body map[string]any, path string) string {
	if path == "" {
		return ""
	}
	var cur any = body
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

func extractHasMore(body map[string]any, path string) *bool {
	if path == "" {
		return nil
	}
	var cur any = body
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
