// Package bigquery implements the Google BigQuery connector: starts a query
// job via projects.queries, pages further results via
// projects/queries/{jobId}?pageToken=, and decodes rows against the
// returned schema (recursive for RECORD, array for REPEATED). Access
// tokens are obtained via service-account JWT (RS256, scope
// bigquery.readonly) using golang.org/x/oauth2/google.
package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/connector/fetch"
	"github.com/ternarybob/syncd/internal/models"
	"github.com/ternarybob/syncd/internal/synerr"
)

const bqBaseURL = "https://bigquery.googleapis.com/bigquery/v2"

// bigqueryReadonlyScope is the OAuth scope the service-account JWT
// requests.
const bigqueryReadonlyScope = "https://www.googleapis.com/auth/bigquery.readonly"

// tokenExpiryMargin is the minimum remaining lifetime a cached token must
// have before authToken forces a fresh exchange. oauth2's own
// ReuseTokenSource only refreshes once a
// token has already expired past its package-default 10s delta, which is
// too thin a margin for a multi-minute sync chunk.
const tokenExpiryMargin = 60 * time.Second

func init() {
	connector.Default.Register(models.ConnectorTypeBigQuery, connector.Factory{
		Schema:   GetConfigSchema(),
		Metadata: metadata(),
		New:      New,
	})
}

func metadata() connector.Metadata {
	return connector.Metadata{Name: "bigquery", Version: "1.0.0", Description: "Google BigQuery connector"}
}

// QuerySpec is one user-declared SQL query mapped to an entity.
type QuerySpec struct {
	Entity string `json:"entity"`
	SQL    string `json:"sql"`
}

// GetConfigSchema declares the BigQuery connector's config fields.
func GetConfigSchema() connector.ConfigSchema {
	return connector.ConfigSchema{Fields: []connector.SchemaField{
		{Name: "projectId", Type: connector.FieldString, Required: true},
		{Name: "serviceAccountJSON", Type: connector.FieldPassword, Required: true, Description: "raw service-account key JSON"},
		{Name: "queries", Type: connector.FieldObjectArray, Required: true, ItemFields: []connector.SchemaField{
			{Name: "entity", Type: connector.FieldString, Required: true},
			{Name: "sql", Type: connector.FieldString, Required: true},
		}},
	}}
}

// Connector is the BigQuery connector instance.
type Connector struct {
	connector.BaseConnector
	projectID string
	queries   map[string]QuerySpec
	client    *http.Client
	pacer     *fetch.Pacer
	retry     fetch.RetryPolicy

	mu          sync.Mutex
	tokenSource oauth2.TokenSource
	cachedToken *oauth2.Token
}

// New constructs a Connector from cfg.
func New(cfg models.ConnectorConfig) (connector.Connector, error) {
	projectID, _ := cfg.Config["projectId"].(string)
	saJSON, _ := cfg.Config["serviceAccountJSON"].(string)
	if projectID == "" || saJSON == "" {
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "bigquery: projectId and serviceAccountJSON are required")
	}

	jwtCfg, err := google.JWTConfigFromJSON([]byte(saJSON), bigqueryReadonlyScope)
	if err != nil {
		return nil, synerr.Wrap(synerr.CodeConfigInvalid, synerr.Fatal, "bigquery: invalid service account JSON", err)
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
		return nil, synerr.New(synerr.CodeConfigInvalid, synerr.Fatal, "bigquery: at least one query must be declared")
	}

	settings := cfg.Settings
	c := &Connector{
		projectID: projectID,
		queries:   queries,
		client:    fetch.NewHTTPClient(settings.TimeoutMs),
		pacer:     fetch.NewPacer(settings.RateLimitDelayMs),
		retry:     fetch.RetryPolicy{RateLimitDelayMs: settings.RateLimitDelayMs, MaxRetries: settings.MaxRetries},
	}
	c.tokenSource = jwtCfg.TokenSource(context.Background())
	return c, nil
}

func (c *Connector) Metadata() connector.Metadata {
	m := metadata()
	for e := range c.queries {
		m.SupportedEntities = append(m.SupportedEntities, e)
	}
	return m
}

func (c *Connector) ValidateConfig() connector.ValidationResult {
	if c.projectID == "" {
		return connector.ValidationResult{Valid: false, Errors: []string{"projectId is required"}}
	}
	return connector.ValidationResult{Valid: true}
}

func (c *Connector) TestConnection(ctx context.Context) (connector.TestResult, error) {
	if _, err := c.authToken(ctx); err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}, nil
	}
	_, _, _, err := c.startQuery(ctx, "SELECT 1")
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

// authToken returns a valid access token, forcing a fresh exchange once
// the cached token has less than tokenExpiryMargin left.
func (c *Connector) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedToken != nil && time.Until(c.cachedToken.Expiry) > tokenExpiryMargin {
		return c.cachedToken.AccessToken, nil
	}

	tok, err := c.tokenSource.Token()
	if err != nil {
		return "", synerr.Wrap(synerr.CodeAuthFailed, synerr.Fatal, "bigquery: token exchange failed", err)
	}
	c.cachedToken = tok
	return tok.AccessToken, nil
}

// schemaField is BigQuery's per-field schema shape, recursive for RECORD.
type schemaField struct {
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	Mode   string        `json:"mode"`
	Fields []schemaField `json:"fields"`
}

type queryResponse struct {
	JobReference struct {
		JobID string `json:"jobId"`
	} `json:"jobReference"`
	Schema struct {
		Fields []schemaField `json:"fields"`
	} `json:"schema"`
	Rows           []bqRow `json:"rows"`
	PageToken      string  `json:"pageToken"`
	TotalRows      string  `json:"totalRows"`
	JobComplete    bool    `json:"jobComplete"`
}

type bqRow struct {
	F []bqCell `json:"f"`
}

type bqCell struct {
	V any `json:"v"`
}

// FetchEntityChunk implements the jobId/pageToken cursor shape: start a
// query via projects.queries when state carries no jobId, otherwise page
// through projects/queries/{jobId}. SQL is fully user-declared with no
// placeholder for a server-side since filter, so incremental bounding
// falls back to fetch.FilterSince on decoded rows.
func (c *Connector) FetchEntityChunk(ctx context.Context, opts connector.ResumableFetchOptions) (models.FetchState, error) {
	spec, ok := c.queries[opts.Entity]
	if !ok {
		return models.FetchState{}, fmt.Errorf("%w: %s", connector.ErrUnsupportedEntity, opts.Entity)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var jobID, pageToken string
	totalProcessed := int64(0)
	var schema []schemaField
	if opts.State != nil {
		totalProcessed = opts.State.TotalProcessed
		if opts.State.Metadata != nil {
			if v, ok := opts.State.Metadata["jobId"].(string); ok {
				jobID = v
			}
			if v, ok := opts.State.Metadata["schema"]; ok {
				if b, err := json.Marshal(v); err == nil {
					_ = json.Unmarshal(b, &schema)
				}
			}
		}
		if opts.State.Cursor != nil {
			pageToken = *opts.State.Cursor
		}
	}

	iterations := 0
	hasMore := true
	for iterations < opts.MaxIterations && hasMore {
		iterations++

		var resp *queryResponse
		var err error
		err2 := c.retry.Do(ctx, func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
			if jobID == "" {
				resp, err = c.startQueryResp(ctx, spec.SQL)
			} else {
				resp, err = c.getQueryPage(ctx, jobID, pageToken)
			}
			return err
		})
		if err2 != nil {
			return models.FetchState{}, err2
		}

		jobID = resp.JobReference.JobID
		if len(resp.Schema.Fields) > 0 {
			schema = resp.Schema.Fields
		}

		records := decodeRows(schema, resp.Rows)
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
			var total *int64
			if resp.TotalRows != "" {
				if n, err := strconv.ParseInt(resp.TotalRows, 10, 64); err == nil {
					total = &n
				}
			}
			opts.OnProgress(totalProcessed, total)
		}

		pageToken = resp.PageToken
		hasMore = fetch.HasMore(nil, pageToken != "", len(resp.Rows), batchSize)
	}

	schemaJSON, _ := json.Marshal(schema)
	var schemaAny any
	_ = json.Unmarshal(schemaJSON, &schemaAny)

	cursor := pageToken
	return models.FetchState{
		Cursor:            &cursor,
		TotalProcessed:    totalProcessed,
		HasMore:           hasMore,
		IterationsInChunk: iterations,
		Metadata:          map[string]any{"jobId": jobID, "schema": schemaAny},
	}, nil
}

func (c *Connector) startQuery(ctx context.Context, sql string) (jobID string, schema []schemaField, rows []bqRow, err error) {
	resp, err := c.startQueryResp(ctx, sql)
	if err != nil {
		return "", nil, nil, err
	}
	return resp.JobReference.JobID, resp.Schema.Fields, resp.Rows, nil
}

func (c *Connector) startQueryResp(ctx context.Context, sql string) (*queryResponse, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]any{
		"query":        sql,
		"useLegacySql": false,
	})
	reqURL := fmt.Sprintf("%s/projects/%s/queries", bqBaseURL, url.PathEscape(c.projectID))
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	return c.doQueryRequest(req)
}

func (c *Connector) getQueryPage(ctx context.Context, jobID, pageToken string) (*queryResponse, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/projects/%s/queries/%s", bqBaseURL, url.PathEscape(c.projectID), url.PathEscape(jobID))
	if pageToken != "" {
		reqURL += "?pageToken=" + url.QueryEscape(pageToken)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.doQueryRequest(req)
}

func (c *Connector) doQueryRequest(req *http.Request) (*queryResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable, "bigquery request failed", err)
	}
	defer resp.Body.Close()

	if err := fetch.ClassifyResponse(resp); err != nil {
		return nil, err
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bigquery: decode response: %w", err)
	}
	if !out.JobComplete {
		return nil, synerr.New(synerr.CodeConnFailed, synerr.Retryable, "bigquery: job not yet complete")
	}
	return &out, nil
}

// decodeRows maps BigQuery's positional {f:[{v:...}]} row shape against
// schema into column-keyed records, recursing into RECORD fields and
// expanding REPEATED fields into slices.
func decodeRows(schema []schemaField, rows []bqRow) []connector.Record {
	out := make([]connector.Record, 0, len(rows))
	for _, row := range rows {
		rec := connector.Record{}
		for i, f := range schema {
			if i >= len(row.F) {
				continue
			}
			rec[f.Name] = decodeValue(f, row.F[i].V)
		}
		out = append(out, rec)
	}
	return out
}

func decodeValue(f schemaField, v any) any {
	if v == nil {
		return nil
	}
	if f.Mode == "REPEATED" {
		arr, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			cell, ok := item.(map[string]any)
			if !ok {
				out = append(out, item)
				continue
			}
			single := f
			single.Mode = "NULLABLE"
			out = append(out, decodeValue(single, cell["v"]))
		}
		return out
	}
	if f.Type == "RECORD" || f.Type == "STRUCT" {
		cell, ok := v.(map[string]any)
		if !ok {
			return v
		}
		rowRaw, ok := cell["f"].([]any)
		if !ok {
			return v
		}
		nested := connector.Record{}
		for i, sub := range f.Fields {
			if i >= len(rowRaw) {
				continue
			}
			cellMap, ok := rowRaw[i].(map[string]any)
			if !ok {
				continue
			}
			nested[sub.Name] = decodeValue(sub, cellMap["v"])
		}
		return nested
	}
	return v
}
