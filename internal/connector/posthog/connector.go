// Package posthog implements the PostHog connector: wraps a HogQL query,
// appending LIMIT/OFFSET when the user's query lacks them, and maps the
// tabular {columns, results} response into column-keyed objects.
package posthog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/connector/fetch"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/synerr"
)

func init() {
	connector.Default.Register(models.ConnectorTypePostHog, connector.Factory{
		Schema:   GetConfigSchema(),
		Metadata: metadata(),
		New:      New,
	})
}

func metadata() connector.Metadata {
	return connector.Metadata{Name: "posthog", Version: "1.0.0", Description: "PostHog HogQL connector"}
}

// QuerySpec is one user-declared HogQL query mapped to an entity.
type QuerySpec struct {
	Entity string `json:"entity"`
	HogQL  string `json:"hogql"`
}

// GetConfigSchema declares the PostHog connector's config fields.
func GetConfigSchema() connector.ConfigSchema {
	return connector.ConfigSchema{Fields: []connector.SchemaField{
		{Name: "projectId", Type: connector.FieldString, Required: true},
		{Name: "apiKey", Type: connector.FieldPassword, Required: true},
		{Name: "host", Type: connector.FieldString, Required: false},
		{Name: "queries", Type: connector.FieldObjectArray, Required: true, ItemFields: []connector.SchemaField{
			{Name: "entity", Type: connector.FieldString, Required: true},
			{Name: "hogql", Type: connector.FieldString, Required: true},
		}},
	}}
}

// Connector is the PostHog connector instance.
type Connector struct {
	connector.BaseConnector
	host      string
	projectID string
	apiKey    string
	queries   map[string]QuerySpec
	client    *http.Client
	pacer     *fetch.Pacer
	retry     fetch.RetryPolicy
}

// New constructs a Connector from cfg.
func New(cfg models.ConnectorConfig) (connector.Connector, error) {
	projectID, _ := cfg.Config["projectId"].(string)
	apiKey, _ := cfg.Config["apiKey"].(string)
	if projectID == "" || apiKey == "" {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "posthog: projectId and apiKey are required")
	}
	host, _ := cfg.Config["host"].(string)
	if host == "" {
		host = "https://app.posthog.com"
	}

	queries := map[string]QuerySpec{}
	raw, _ := cfg.Config["queries"].([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b, _ := json.Marshal(m)
		var spec QuerySpec
		if err := json.Unmarshal(b, &spec); err != nil {
			continue
		}
		queries[spec.Entity] = spec
	}
	if len(queries) == 0 {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "posthog: at least one query must be declared")
	}

	settings := cfg.Settings
	return &Connector{
		host:      strings.TrimRight(host, "/"),
		projectID: projectID,
		apiKey:    apiKey,
		queries:   queries,
		client:    fetch.NewHTTPClient(settings.TimeoutMs),
		pacer:     fetch.NewPacer(settings.RateLimitDelayMs),
		retry:     fetch.RetryPolicy{RateLimitDelayMs: settings.RateLimitDelayMs, MaxRetries: settings.MaxRetries},
	}, nil
}

func (c *Connector) Metadata() connector.Metadata {
	m := metadata()
	for e := range c.queries {
		m.SupportedEntities = append(m.SupportedEntities, e)
	}
	return m
}

func (c *Connector) ValidateConfig() connector.ValidationResult {
	if c.projectID == "" || c.apiKey == "" {
		return connector.ValidationResult{Valid: false, Errors: []string{"projectId and apiKey are required"}}
	}
	return connector.ValidationResult{Valid: true}
}

func (c *Connector) TestConnection(ctx context.Context) (connector.TestResult, error) {
	_, _, err := c.runQuery(ctx, "SELECT 1")
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}, nil
	}
	return connector.TestResult{Success: true, Message: "authenticated"}, nil
}

func (c *Connector) GetAvailableEntities(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(c.queries))
	for e := range c.queries {
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

// ensureLimitOffset appends LIMIT/OFFSET to query if it lacks them.
func ensureLimitOffset(query string, limit, offset int) string {
	upper := strings.ToUpper(query)
	q := strings.TrimRight(strings.TrimSpace(query), ";")
	if !strings.Contains(upper, "LIMIT") {
		q = fmt.Sprintf("%s LIMIT %d", q, limit)
	}
	if !strings.Contains(upper, "OFFSET") {
		q = fmt.Sprintf("%s OFFSET %d", q, offset)
	}
	return q
}

func (c *Connector) FetchEntityChunk(ctx context.Context, opts connector.ResumableFetchOptions) (models.FetchState, error) {
	spec, ok := c.queries[opts.Entity]
	if !ok {
		return models.FetchState{}, fmt.Errorf("%w: %s", connector.ErrUnsupportedEntity, opts.Entity)
	}

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

	iterations := 0
	hasMore := true
	for iterations < opts.MaxIterations && hasMore {
		iterations++

		q := ensureLimitOffset(spec.HogQL, batchSize, int(offset))

		var columns []string
		var results [][]any
		err := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			var rerr error
			columns, results, rerr = c.runQuery(ctx, q)
			return rerr
		})
		if err != nil {
			return models.FetchState{}, err
		}

		records := rowsToRecords(columns, results)
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

		hasMore = fetch.HasMore(nil, false, len(results), batchSize)
		offset += int64(len(results))
	}

	return models.FetchState{Offset: &offset, TotalProcessed: totalProcessed, HasMore: hasMore, IterationsInChunk: iterations}, nil
}

// runQuery issues one HogQL query via the PostHog query API and returns
// the tabular {columns, results} response.
func (c *Connector) runQuery(ctx context.Context, hogql string) ([]string, [][]any, error) {
	body, _ := json.Marshal(map[string]any{
		"query": map[string]any{"kind": "HogQLQuery", "query": hogql},
	})

	reqURL := fmt.Sprintf("%s/api/projects/%s/query/", c.host, url.PathEscape(c.projectID))
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable, "posthog request failed", err)
	}
	defer resp.Body.Close()

	if err := fetch.ClassifyResponse(resp); err != nil {
		return nil, nil, err
	}

	var envelope struct {
		Columns []string `json:"columns"`
		Results [][]any  `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, nil, fmt.Errorf("posthog: decode response: %w", err)
	}
	return envelope.Columns, envelope.Results, nil
}

func rowsToRecords(columns []string, rows [][]any) []connector.Record {
	out := make([]connector.Record, 0, len(rows))
	for _, row := range rows {
		rec := connector.Record{}
		for i, col := range columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}
