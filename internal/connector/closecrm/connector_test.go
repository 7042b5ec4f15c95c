package closecrm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/models"
)

func newTestConnector(t *testing.T, baseURL string) *Connector {
	t.Helper()
	c, err := New(models.ConnectorConfig{
		Config:   map[string]any{"apiKey": "api_key_123", "webhookSecret": "whsec_close", "baseUrl": baseURL},
		Settings: models.DefaultConnectorSettings(),
	})
	require.NoError(t, err)
	return c.(*Connector)
}

func leadPage(ids ...string) map[string]any {
	data := make([]any, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]any{"id": id})
	}
	return map[string]any{"data": data, "has_more": false}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(models.ConnectorConfig{Config: map[string]any{}})
	assert.Error(t, err)
}

func TestFetchEntityChunk_OffsetPaginationResumes(t *testing.T) {
	// Five leads served two at a time via _skip/_limit.
	all := []string{"lead_1", "lead_2", "lead_3", "lead_4", "lead_5"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "id", r.URL.Query().Get("_order_by"))
		skip, _ := strconv.Atoi(r.URL.Query().Get("_skip"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("_limit"))
		end := skip + limit
		if end > len(all) {
			end = len(all)
		}
		var ids []string
		if skip < len(all) {
			ids = all[skip:end]
		}
		page := leadPage(ids...)
		page["has_more"] = end < len(all)
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)

	var got []string
	opts := connector.ResumableFetchOptions{
		FetchOptions: connector.FetchOptions{
			Entity:    "leads",
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
	assert.Equal(t, int64(4), state.TotalProcessed)

	opts.State = &state
	state2, err := c.FetchEntityChunk(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, state2.HasMore)
	assert.Equal(t, int64(5), state2.TotalProcessed)
	assert.Equal(t, all, got)
}

func TestFetchEntityChunk_IncrementalUsesFilteredBody(t *testing.T) {
	var gotMethod, gotOverride string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotOverride = r.Header.Get("x-http-method-override")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_ = json.NewEncoder(w).Encode(leadPage())
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)

	since := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC).UnixMilli()
	_, err := c.FetchEntityChunk(context.Background(), connector.ResumableFetchOptions{
		FetchOptions:  connector.FetchOptions{Entity: "leads", BatchSize: 50, Since: &since, OnBatch: func([]connector.Record) error { return nil }},
		MaxIterations: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "GET", gotOverride)

	params, ok := gotBody["_params"].(map[string]any)
	require.True(t, ok, "filter must travel under _params")
	assert.Equal(t, "-date_updated", params["_order_by"])
	assert.Equal(t, `date_updated>="2026-03-15"`, params["query"])
	assert.Equal(t, float64(50), params["_limit"])
}

func TestFetchEntityChunk_UsersSkipsOrderByAndFilter(t *testing.T) {
	var gotOrderBy string
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotOrderBy = r.URL.Query().Get("_order_by")
		_ = json.NewEncoder(w).Encode(leadPage("user_1"))
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)

	since := time.Now().UnixMilli()
	_, err := c.FetchEntityChunk(context.Background(), connector.ResumableFetchOptions{
		FetchOptions:  connector.FetchOptions{Entity: "users", BatchSize: 10, Since: &since, OnBatch: func([]connector.Record) error { return nil }},
		MaxIterations: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Empty(t, gotOrderBy)
}

func TestFetchActivitiesChunk_WalksDaysAndProbesOlderData(t *testing.T) {
	// 2026-01-02 has one activity; 2026-01-01 is empty; the probe below
	// 2026-01-01 finds nothing, ending the walk.
	var probeSeen bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("date_created__gte") == "" && q.Get("date_created__lt") != "" {
			probeSeen = true
			require.Equal(t, "1", q.Get("_limit"))
			require.Equal(t, "2026-01-01T00:00:00", q.Get("date_created__lt"))
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
			return
		}
		switch q.Get("date_created__gte") {
		case "2026-01-02T00:00:00":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"id": "act_1"}}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		}
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)

	var got []string
	state, err := c.FetchEntityChunk(context.Background(), connector.ResumableFetchOptions{
		FetchOptions: connector.FetchOptions{
			Entity:    "activities",
			BatchSize: 100,
			OnBatch: func(records []connector.Record) error {
				for _, r := range records {
					got = append(got, r["id"].(string))
				}
				return nil
			},
		},
		MaxIterations: 10,
		State: &models.FetchState{
			Metadata: map[string]any{"currentDate": "2026-01-02", "dailyOffset": float64(0)},
		},
	})
	require.NoError(t, err)
	assert.False(t, state.HasMore)
	assert.True(t, probeSeen, "empty day must trigger the older-data probe")
	assert.Equal(t, []string{"act_1"}, got)
}

func TestFetchActivitiesChunk_IncrementalStopsAtWatermark(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"id": "act_old"}}})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)

	// Watermark after the current walk date: the walk ends before any call.
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	state, err := c.FetchEntityChunk(context.Background(), connector.ResumableFetchOptions{
		FetchOptions:  connector.FetchOptions{Entity: "activities", BatchSize: 10, Since: &since, OnBatch: func([]connector.Record) error { return nil }},
		MaxIterations: 5,
		State: &models.FetchState{
			Metadata: map[string]any{"currentDate": "2026-04-30", "dailyOffset": float64(0)},
		},
	})
	require.NoError(t, err)
	assert.False(t, state.HasMore)
	assert.Zero(t, calls)
}

func TestVerifyWebhook_HMACRoundTrip(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	payload := []byte(`{"event":{"data":{"id":"lead_1"}}}`)

	mac := hmac.New(sha256.New, []byte("whsec_close"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	ok, err := c.VerifyWebhook(context.Background(), connector.WebhookVerifyInput{
		Payload: payload,
		Headers: map[string]string{"close-sig-hash": sig},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyWebhook(context.Background(), connector.WebhookVerifyInput{
		Payload: []byte(`tampered`),
		Headers: map[string]string{"close-sig-hash": sig},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetWebhookEventMapping(t *testing.T) {
	c := newTestConnector(t, "http://unused")

	m := c.GetWebhookEventMapping("lead.updated")
	require.NotNil(t, m)
	assert.Equal(t, "leads", m.Entity)
	assert.Equal(t, connector.WebhookUpsert, m.Operation)

	m = c.GetWebhookEventMapping("lead.deleted")
	require.NotNil(t, m)
	assert.Equal(t, connector.WebhookDelete, m.Operation)

	assert.Nil(t, c.GetWebhookEventMapping("unknown.event"))
}

func TestExtractWebhookData(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	payload := []byte(`{"event":{"data":{"id":"lead_7","display_name":"Acme"}}}`)

	out, err := c.ExtractWebhookData(context.Background(), connector.RawWebhookEvent{EventType: "lead.updated", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "lead_7", out.ID)
	assert.Equal(t, "Acme", out.Data["display_name"])
}
