package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/syncd/internal/models"
)

// stubConnector is a minimal Connector used only to exercise Registry
// plumbing (construction, metadata caching) without any real upstream.
type stubConnector struct {
	BaseConnector
	name string
}

func (s *stubConnector) Metadata() Metadata {
	return Metadata{Name: s.name, SupportedEntities: []string{"widgets"}}
}
func (s *stubConnector) ValidateConfig() ValidationResult { return ValidationResult{Valid: true} }
func (s *stubConnector) TestConnection(ctx context.Context) (TestResult, error) {
	return TestResult{Success: true}, nil
}
func (s *stubConnector) GetAvailableEntities(ctx context.Context) ([]string, error) {
	return []string{"widgets"}, nil
}
func (s *stubConnector) FetchEntity(ctx context.Context, opts FetchOptions) error { return nil }

func stubFactory() Factory {
	return Factory{
		Schema:   ConfigSchema{Fields: []SchemaField{{Name: "token", Type: FieldPassword, Required: true}}},
		Metadata: Metadata{Name: "stub"},
		New: func(cfg models.ConnectorConfig) (Connector, error) {
			if tok, _ := cfg.Config["token"].(string); tok == "" {
				return nil, errors.New("token required")
			}
			return &stubConnector{name: "stub"}, nil
		},
	}
}

func TestRegistry_GetConnector_UnknownTypeErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.GetConnector(models.ConnectorConfig{Type: "nonexistent"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry_RegisterAndGetConnector(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory())

	conn, err := r.GetConnector(models.ConnectorConfig{Type: "stub", Config: map[string]any{"token": "x"}})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "stub", conn.Metadata().Name)
}

func TestRegistry_GetConnector_PropagatesFactoryError(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory())

	_, err := r.GetConnector(models.ConnectorConfig{Type: "stub", Config: map[string]any{}})
	assert.Error(t, err)
}

func TestRegistry_GetConnector_ReturnsFreshInstanceEachCall(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory())

	c1, err := r.GetConnector(models.ConnectorConfig{Type: "stub", Config: map[string]any{"token": "x"}})
	require.NoError(t, err)
	c2, err := r.GetConnector(models.ConnectorConfig{Type: "stub", Config: map[string]any{"token": "x"}})
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
}

func TestRegistry_GetSchema(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory())

	schema, err := r.GetSchema("stub")
	require.NoError(t, err)
	require.Len(t, schema.Fields, 1)
	assert.Equal(t, "token", schema.Fields[0].Name)

	_, err = r.GetSchema("missing")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry_GetMetadata_PopulatedAtRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory())

	meta, err := r.GetMetadata("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", meta.Name)
}

func TestRegistry_Types_ListsEveryRegisteredType(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory())
	r.Register("other", stubFactory())

	types := r.Types()
	assert.ElementsMatch(t, []models.ConnectorType{"stub", "other"}, types)
}

func TestBaseConnector_DefaultsAreUnsupported(t *testing.T) {
	var b BaseConnector
	assert.False(t, b.SupportsResumableFetching())
	assert.False(t, b.SupportsWebhooks())
	assert.Nil(t, b.GetWebhookEventMapping("anything"))
	assert.Nil(t, b.GetSupportedWebhookEvents())

	_, err := b.FetchEntityChunk(context.Background(), ResumableFetchOptions{})
	assert.ErrorIs(t, err, ErrNotResumable)

	_, err = b.VerifyWebhook(context.Background(), WebhookVerifyInput{})
	assert.ErrorIs(t, err, ErrNoWebhooks)

	_, err = b.ExtractWebhookData(context.Background(), RawWebhookEvent{})
	assert.ErrorIs(t, err, ErrNoWebhooks)
}
