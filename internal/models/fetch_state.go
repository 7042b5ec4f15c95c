package models

// FetchState is the ephemeral resumption state returned by one bounded
// fetch chunk. Exactly one of Offset/Page/Cursor is meaningful for a given
// connector's pagination shape; Metadata carries the date-window state
// machine for connectors like Close `activities`.
type FetchState struct {
	Offset            *int64         `json:"offset,omitempty"`
	Page              *int64         `json:"page,omitempty"`
	Cursor            *string        `json:"cursor,omitempty"`
	TotalProcessed    int64          `json:"totalProcessed"`
	HasMore           bool           `json:"hasMore"`
	IterationsInChunk int            `json:"iterationsInChunk"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// DateWindowMetadata is the typed view of FetchState.Metadata used by the
// date-window pagination shape (Close `activities`).
type DateWindowMetadata struct {
	CurrentDate          string `json:"currentDate"`
	DailyOffset          int64  `json:"dailyOffset"`
	EndDate              string `json:"endDate,omitempty"`
	IsCheckingForOlderData bool `json:"isCheckingForOlderData"`
}
