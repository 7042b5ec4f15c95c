package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
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
		Config:   map[string]any{"secretKey": "sk_test_123", "webhookSecret": "whsec_abc", "baseUrl": baseURL},
		Settings: models.DefaultConnectorSettings(),
	})
	require.NoError(t, err)
	return c.(*Connector)
}

func TestNew_RequiresSecretKey(t *testing.T) {
	_, err := New(models.ConnectorConfig{Config: map[string]any{}})
	assert.Error(t, err)
}

func TestFetchEntityChunk_CursorPagination(t *testing.T) {
	// Three pages of two customers each, chained via starting_after.
	pages := map[string][]string{
		"":     {"cus_1", "cus_2"},
		"cus_2": {"cus_3", "cus_4"},
		"cus_4": {"cus_5"},
	}
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("starting_after")
		requests = append(requests, cursor)
		ids := pages[cursor]
		data := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]any{"id": id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":     data,
			"has_more": cursor != "cus_4",
		})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)

	var got []string
	opts := connector.ResumableFetchOptions{
		FetchOptions: connector.FetchOptions{
			Entity:    "customers",
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
	assert.Equal(t, int64(4), state.TotalProcessed)
	assert.Equal(t, 2, state.IterationsInChunk)
	require.NotNil(t, state.Cursor)
	assert.Equal(t, "cus_4", *state.Cursor)

	// Resume from the returned state; the third page completes the sync.
	opts.State = &state
	state2, err := c.FetchEntityChunk(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, state2.HasMore)
	assert.Equal(t, int64(5), state2.TotalProcessed)

	assert.Equal(t, []string{"cus_1", "cus_2", "cus_3", "cus_4", "cus_5"}, got)
	assert.Equal(t, []string{"", "cus_2", "cus_4"}, requests)
}

func TestFetchEntityChunk_IncrementalSendsCreatedGte(t *testing.T) {
	var gotCreated string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCreated = r.URL.Query().Get("created[gte]")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "has_more": false})
	}))
	defer srv.Close()

	c := newTestConnector(t, srv.URL)

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	_, err := c.FetchEntityChunk(context.Background(), connector.ResumableFetchOptions{
		FetchOptions:  connector.FetchOptions{Entity: "charges", Since: &since, OnBatch: func([]connector.Record) error { return nil }},
		MaxIterations: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(since/1000, 10), gotCreated)
}

func signPayload(secret, payload string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + payload))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhook_AcceptsValidSignature(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	payload := `{"type":"customer.updated"}`

	ok, err := c.VerifyWebhook(context.Background(), connector.WebhookVerifyInput{
		Payload: []byte(payload),
		Headers: map[string]string{"stripe-signature": signPayload("whsec_abc", payload, time.Now())},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWebhook_RejectsWrongSecret(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	payload := `{"type":"customer.updated"}`

	ok, err := c.VerifyWebhook(context.Background(), connector.WebhookVerifyInput{
		Payload: []byte(payload),
		Headers: map[string]string{"stripe-signature": signPayload("whsec_wrong", payload, time.Now())},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhook_RejectsStaleTimestamp(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	payload := `{"type":"customer.updated"}`

	ok, err := c.VerifyWebhook(context.Background(), connector.WebhookVerifyInput{
		Payload: []byte(payload),
		Headers: map[string]string{"stripe-signature": signPayload("whsec_abc", payload, time.Now().Add(-10*time.Minute))},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhook_RejectsMissingHeader(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	ok, err := c.VerifyWebhook(context.Background(), connector.WebhookVerifyInput{Payload: []byte("{}")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetWebhookEventMapping(t *testing.T) {
	c := newTestConnector(t, "http://unused")

	m := c.GetWebhookEventMapping("customer.updated")
	require.NotNil(t, m)
	assert.Equal(t, "customers", m.Entity)
	assert.Equal(t, connector.WebhookUpsert, m.Operation)

	m = c.GetWebhookEventMapping("customer.deleted")
	require.NotNil(t, m)
	assert.Equal(t, connector.WebhookDelete, m.Operation)

	assert.Nil(t, c.GetWebhookEventMapping("totally.unknown"))
}

func TestExtractWebhookData(t *testing.T) {
	c := newTestConnector(t, "http://unused")
	payload := []byte(`{"type":"customer.updated","data":{"object":{"id":"cus_9","email":"a@b.co"}}}`)

	out, err := c.ExtractWebhookData(context.Background(), connector.RawWebhookEvent{EventType: "customer.updated", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "cus_9", out.ID)
	assert.Equal(t, "a@b.co", out.Data["email"])
}
