package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/models"
)

func newTestConnector(t *testing.T, baseURL string, entities []map[string]any, extra map[string]any) *Connector {
	t.Helper()
	items := make([]any, 0, len(entities))
	for _, e := range entities {
		items = append(items, e)
	}
	cfg := map[string]any{"baseUrl": baseURL, "entities": items}
	for k, v := range extra {
		cfg[k] = v
	}
	c, err := New(models.ConnectorConfig{Config: cfg, Settings: models.DefaultConnectorSettings()})
	require.NoError(t, err)
	return c.(*Connector)
}

func TestNew_RequiresBaseURLAndEntities(t *testing.T) {
	_, err := New(models.ConnectorConfig{Config: map[string]any{}})
	assert.Error(t, err)

	_, err = New(models.ConnectorConfig{Config: map[string]any{"baseUrl": "http://x"}})
	assert.Error(t, err)
}

func TestFetchEntityChunk_OffsetPagination(t *testing.T) {
	all := []string{"r1", "r2", "r3", "r4", "r5"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/items", r.URL.Path)
		require.Equal(t, "v2", r.URL.Query().Get("api_version"))
		skip, _ := strconv.Atoi(r.URL.Query().Get("start"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("count"))
		end := skip + limit
		if end > len(all) {
			end = len(all)
		}
		var ids []string
		if skip < len(all) {
			ids = all[skip:end]
		}
		items := make([]any, 0, len(ids))
		for _, id := range ids {
			items = append(items, map[string]any{"id": id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"items": items, "more": end < len(all)},
		})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []map[string]any{{
		"entity":        "items",
		"method":        "GET",
		"path":          "/items",
		"data_path":     "result.items",
		"has_more_path": "result.more",
		"limit_param":   "count",
		"offset_param":  "start",
		"static_params": map[string]any{"api_version": "v2"},
	}}, nil)

	var got []string
	opts := connector.ResumableFetchOptions{
		FetchOptions: connector.FetchOptions{
			Entity:    "items",
			BatchSize: 2,
			OnBatch: func(records []connector.Record) error {
				for _, r := range records {
					got = append(got, r["id"].(string))
				}
				return nil
			},
		},
		MaxIterations: 2,
	}

	state, err := c.FetchEntityChunk(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, state.HasMore)
	require.NotNil(t, state.Offset)
	assert.Equal(t, int64(4), *state.Offset)

	opts.State = &state
	state2, err := c.FetchEntityChunk(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, state2.HasMore)
	assert.Equal(t, int64(5), state2.TotalProcessed)
	assert.Equal(t, all, got)
}

func TestFetchEntityChunk_CursorPagination(t *testing.T) {
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("page_token")
		cursors = append(cursors, cursor)
		if cursor == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data":        []any{map[string]any{"id": "a"}},
				"next_cursor": "tok_1",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "next_cursor": ""})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL, []map[string]any{{
		"entity":           "items",
		"method":           "GET",
		"path":             "/items",
		"data_path":        "data",
		"pagination_style": "cursor",
		"cursor_param":     "page_token",
		"next_cursor_path": "next_cursor",
	}}, nil)

	state, err := c.FetchEntityChunk(context.Background(), connector.ResumableFetchOptions{
		FetchOptions:  connector.FetchOptions{Entity: "items", BatchSize: 1, OnBatch: func([]connector.Record) error { return nil }},
		MaxIterations: 10,
	})
	require.NoError(t, err)
	assert.False(t, state.HasMore)
	assert.Equal(t, []string{"", "tok_1"}, cursors)
}

func TestNew_InfersCursorStyleFromCursorParam(t *testing.T) {
	c := newTestConnector(t, "http://unused", []map[string]any{{
		"entity": "items", "method": "GET", "path": "/items", "data_path": "data",
		"cursor_param": "next",
	}}, nil)
	assert.Equal(t, "cursor", c.entities["items"].PaginationStyle)
}

func TestDoRequestParams_SendsAuthHeader(t *testing.T) {
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Api-Key")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	spec := map[string]any{"entity": "items", "method": "GET", "path": "/items", "data_path": "data"}

	bearer := newTestConnector(t, srv.URL, []map[string]any{spec}, map[string]any{"apiKey": "secret"})
	_, err := bearer.doRequestParams(context.Background(), bearer.entities["items"], nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)

	custom := newTestConnector(t, srv.URL, []map[string]any{spec}, map[string]any{"apiKey": "secret", "authHeader": "X-Api-Key"})
	_, err = custom.doRequestParams(context.Background(), custom.entities["items"], nil)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotCustom)
}

func TestSupportsWebhooks_OnlyWithSecret(t *testing.T) {
	spec := map[string]any{"entity": "items", "method": "GET", "path": "/items", "data_path": "data"}

	plain := newTestConnector(t, "http://unused", []map[string]any{spec}, nil)
	assert.False(t, plain.SupportsWebhooks())

	withSecret := newTestConnector(t, "http://unused", []map[string]any{spec}, map[string]any{"webhookSecret": "s3cret"})
	assert.True(t, withSecret.SupportsWebhooks())
}

func TestVerifyWebhook_HMAC(t *testing.T) {
	spec := map[string]any{"entity": "items", "method": "GET", "path": "/items", "data_path": "data"}
	c := newTestConnector(t, "http://unused", []map[string]any{spec}, map[string]any{"webhookSecret": "s3cret"})

	payload := []byte(`{"id":"r1"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	ok, err := c.VerifyWebhook(context.Background(), connector.WebhookVerifyInput{
		Payload: payload,
		Headers: map[string]string{"x-signature": sig},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetWebhookEventMapping_DerivedFromEntities(t *testing.T) {
	spec := map[string]any{"entity": "items", "method": "GET", "path": "/items", "data_path": "data"}
	c := newTestConnector(t, "http://unused", []map[string]any{spec}, map[string]any{"webhookSecret": "s"})

	m := c.GetWebhookEventMapping("items.updated")
	require.NotNil(t, m)
	assert.Equal(t, "items", m.Entity)
	assert.Equal(t, connector.WebhookUpsert, m.Operation)

	m = c.GetWebhookEventMapping("items.deleted")
	require.NotNil(t, m)
	assert.Equal(t, connector.WebhookDelete, m.Operation)

	assert.Nil(t, c.GetWebhookEventMapping("orders.updated"))
}
