// Package fetch holds the pagination shapes, retry/backoff policy and
// rate-limit pacing shared by every connector package. Each connector
// wires these primitives to its own request/response shapes; the contract
// (hasMore determination, incremental in-memory filtering, resumable
// state) is implemented once here so the chunked runner can pause and
// resume any connector uniformly.
package fetch

import "time"

// OffsetState is an offset-pagination resume position. The connectors
// themselves keep their offset in models.FetchState.Offset.
type OffsetState struct {
	Offset int64
}

// NextOffset advances the offset by the batch size just consumed.
func (s OffsetState) NextOffset(batchLen int) OffsetState {
	return OffsetState{Offset: s.Offset + int64(batchLen)}
}

// CursorState is a cursor-pagination resume position. The connectors
// themselves keep their cursor in models.FetchState.
type CursorState struct {
	Cursor string
}

// DateWindowPhase is the state machine driving Close `activities`
// date-window pagination.
type DateWindowPhase int

const (
	// PhaseNormal is walking days descending, paginating within a day by
	// DailyOffset.
	PhaseNormal DateWindowPhase = iota
	// PhaseProbingOlder is issuing the single bounded date_created__lt
	// probe after a day returned zero records, to distinguish "end of
	// history" from "empty day".
	PhaseProbingOlder
)

// DateWindowState is the resume state for Close `activities`.
type DateWindowState struct {
	Phase       DateWindowPhase
	CurrentDate string // YYYY-MM-DD, walked descending
	DailyOffset int64
	EndDate     string // optional lower bound
}

// HasMore determines the hasMore flag by precedence: an explicit has_more
// flag, else next-cursor presence, else batch length equalling the
// requested batch size.
func HasMore(explicitHasMore *bool, nextCursorPresent bool, batchLen, batchSize int) bool {
	if explicitHasMore != nil {
		return *explicitHasMore
	}
	if nextCursorPresent {
		return true
	}
	return batchLen == batchSize && batchSize > 0
}

// FilterSince keeps only records whose updatedAt/modifiedAt/modified_at
// field (whichever is present, checked in that order) is at or after
// since, for connectors whose upstream does not enforce an incremental
// filter server-side.
func FilterSince(records []map[string]any, since time.Time) []map[string]any {
	if since.IsZero() {
		return records
	}
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		t, ok := recordTimestamp(r)
		if !ok || !t.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

func recordTimestamp(r map[string]any) (time.Time, bool) {
	for _, key := range []string{"updatedAt", "modifiedAt", "modified_at"} {
		v, ok := r[key]
		if !ok {
			continue
		}
		if t, ok := parseAny(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseAny(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	case float64:
		return time.UnixMilli(int64(x)), true
	}
	return time.Time{}, false
}
