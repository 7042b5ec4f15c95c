package main

import (
	"bufio"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/models"
)

func TestParseFlags_RequiresConnectorAndDestination(t *testing.T) {
	_, err := parseFlags("", "", nil, false)
	assert.Error(t, err)
}

func TestParseFlags_RejectsMalformedIDs(t *testing.T) {
	_, err := parseFlags("not-an-id", models.NewID().Hex(), nil, false)
	assert.Error(t, err)
}

func TestParseFlags_DefaultsToFullMode(t *testing.T) {
	connID := models.NewID()
	destID := models.NewID()
	req, err := parseFlags(connID.Hex(), destID.Hex(), multiFlag{"leads", "contacts"}, false)
	require.NoError(t, err)
	assert.Equal(t, connID, req.ConnectorID)
	assert.Equal(t, destID, req.DestinationID)
	assert.Equal(t, []string{"leads", "contacts"}, req.Entities)
	assert.Equal(t, models.SyncModeFull, req.Mode)
}

func TestParseFlags_IncrementalFlagSetsMode(t *testing.T) {
	req, err := parseFlags(models.NewID().Hex(), models.NewID().Hex(), nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeIncremental, req.Mode)
}

// stubEntitiesConnector reports a fixed entity set, for validateEntityFilter tests.
type stubEntitiesConnector struct {
	connector.BaseConnector
	entities []string
}

func (s *stubEntitiesConnector) Metadata() connector.Metadata { return connector.Metadata{} }
func (s *stubEntitiesConnector) ValidateConfig() connector.ValidationResult {
	return connector.ValidationResult{Valid: true}
}
func (s *stubEntitiesConnector) TestConnection(ctx context.Context) (connector.TestResult, error) {
	return connector.TestResult{Success: true}, nil
}
func (s *stubEntitiesConnector) GetAvailableEntities(ctx context.Context) ([]string, error) {
	return s.entities, nil
}
func (s *stubEntitiesConnector) FetchEntity(ctx context.Context, opts connector.FetchOptions) error {
	return nil
}

func TestValidateEntityFilter_AllRequestedEntitiesSupported(t *testing.T) {
	conn := &stubEntitiesConnector{entities: []string{"leads", "contacts"}}
	err := validateEntityFilter([]string{"leads"}, conn)
	assert.NoError(t, err)
}

func TestValidateEntityFilter_RejectsUnsupportedEntity(t *testing.T) {
	conn := &stubEntitiesConnector{entities: []string{"leads", "contacts"}}
	err := validateEntityFilter([]string{"invoices"}, conn)
	assert.Error(t, err)
}

func TestValidateEntityFilter_EmptyRequestIsAlwaysValid(t *testing.T) {
	conn := &stubEntitiesConnector{entities: []string{"leads"}}
	err := validateEntityFilter(nil, conn)
	assert.NoError(t, err)
}

func TestPromptMultiSelect_AllSentinelReturnsNil(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("ALL\n"))
	out, err := promptMultiSelect(reader, "entities", []string{"leads", "contacts"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestPromptMultiSelect_CommaSeparatedIndices(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("2,1\n"))
	out, err := promptMultiSelect(reader, "entities", []string{"leads", "contacts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"contacts", "leads"}, out)
}

func TestPromptMultiSelect_RejectsOutOfRangeIndex(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("5\n"))
	_, err := promptMultiSelect(reader, "entities", []string{"leads", "contacts"})
	assert.Error(t, err)
}

func TestPromptMultiSelect_RejectsEmptySelection(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("\n"))
	_, err := promptMultiSelect(reader, "entities", []string{"leads", "contacts"})
	assert.Error(t, err)
}

func TestPromptMode_DefaultsToFullOnEmptyInput(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("\n"))
	mode, err := promptMode(reader)
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeFull, mode)
}

func TestPromptMode_AcceptsIncremental(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("incremental\n"))
	mode, err := promptMode(reader)
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeIncremental, mode)
}

func TestPromptMode_RejectsUnknownValue(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("sideways\n"))
	_, err := promptMode(reader)
	assert.Error(t, err)
}

func TestPromptSelect_ValidIndexReturnsItem(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("2\n"))
	items := []string{"a", "b", "c"}
	got, err := promptSelect(reader, "item", items, func(s string) string { return s })
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestPromptSelect_EmptyItemsErrors(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("1\n"))
	_, err := promptSelect(reader, "item", []string{}, func(s string) string { return s })
	assert.Error(t, err)
}
