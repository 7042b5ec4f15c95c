package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

func TestHasMore_ExplicitFlagWins(t *testing.T) {
	assert.True(t, HasMore(boolPtr(true), false, 0, 100))
	assert.False(t, HasMore(boolPtr(false), true, 100, 100))
}

func TestHasMore_NextCursorPresent(t *testing.T) {
	assert.True(t, HasMore(nil, true, 5, 100))
}

func TestHasMore_BatchLengthEqualsBatchSize(t *testing.T) {
	assert.True(t, HasMore(nil, false, 100, 100))
	assert.False(t, HasMore(nil, false, 50, 100))
}

func TestHasMore_ZeroBatchSizeNeverSignalsMore(t *testing.T) {
	assert.False(t, HasMore(nil, false, 0, 0))
}

func TestFilterSince_ZeroTimeIsNoop(t *testing.T) {
	records := []map[string]any{{"id": 1}}
	assert.Equal(t, records, FilterSince(records, time.Time{}))
}

func TestFilterSince_DropsOlderRecords(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []map[string]any{
		{"id": "old", "updatedAt": "2025-01-01T00:00:00Z"},
		{"id": "new", "updatedAt": "2026-06-01T00:00:00Z"},
		{"id": "unknown"},
	}
	out := FilterSince(records, since)
	ids := make([]string, 0, len(out))
	for _, r := range out {
		ids = append(ids, r["id"].(string))
	}
	assert.ElementsMatch(t, []string{"new", "unknown"}, ids)
}

func TestFilterSince_PrefersUpdatedAtOverModifiedAt(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []map[string]any{
		{"id": "keep", "updatedAt": "2026-06-01T00:00:00Z", "modifiedAt": "2020-01-01T00:00:00Z"},
	}
	out := FilterSince(records, since)
	assert.Len(t, out, 1)
}

func TestFilterSince_NumericTimestampIsUnixMillis(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := float64(since.Add(24 * time.Hour).UnixMilli())
	records := []map[string]any{
		{"id": "keep", "modified_at": future},
	}
	out := FilterSince(records, since)
	assert.Len(t, out, 1)
}

func TestOffsetState_NextOffset(t *testing.T) {
	s := OffsetState{Offset: 100}
	next := s.NextOffset(50)
	assert.Equal(t, int64(150), next.Offset)
}
