package entity

import (
	"time"

	"github.com/joseph-ayodele/workledger/constants"
)

// WorkItem is one unit of work keyed by URL or "customer:adgroup".
type WorkItem struct {
	Key       string         `json:"key"`
	Flag      constants.Flag `json:"flag"`
	CreatedAt time.Time      `json:"created_at"`
}

// TrackingRecord is the ledger entry for the latest attempt on a key.
type TrackingRecord struct {
	Key         string                   `json:"key"`
	Status      constants.TrackingStatus `json:"status"`
	Reason      string                   `json:"reason,omitempty"`
	AttemptedAt time.Time                `json:"attempted_at"`
}

// Output is the artifact produced for a key. CreatedAt is nil for rows
// written by stores that carry no timestamp.
type Output struct {
	Key       string     `json:"key"`
	Content   string     `json:"content"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// StatusCounts is the aggregate report over the work item set.
type StatusCounts struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}
