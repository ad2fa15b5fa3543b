package entity

import (
	"time"

	"github.com/joseph-ayodele/workledger/constants"
)

// Job is a named, resumable batch of job items.
type Job struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Kind         string              `json:"kind"`
	Status       constants.JobStatus `json:"status"`
	Total        int                 `json:"total"`
	Processed    int                 `json:"processed"`
	Successful   int                 `json:"successful"`
	Failed       int                 `json:"failed"`
	Skipped      int                 `json:"skipped"`
	InputFile    string              `json:"input_file,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// JobItem mirrors one work item inside a job.
type JobItem struct {
	ID           int64                   `json:"id"`
	JobID        string                  `json:"job_id"`
	ItemKey      string                  `json:"item_key"`
	CustomerID   string                  `json:"customer_id"`
	CampaignID   string                  `json:"campaign_id,omitempty"`
	CampaignName string                  `json:"campaign_name,omitempty"`
	AdGroupID    string                  `json:"ad_group_id"`
	Status       constants.JobItemStatus `json:"status"`
	NewResource  *string                 `json:"new_ad_resource,omitempty"`
	ErrorMessage *string                 `json:"error_message,omitempty"`
	ProcessedAt  *time.Time              `json:"processed_at,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
}

// JobItemInput is one row of job input before it is persisted.
type JobItemInput struct {
	CustomerID   string `json:"customer_id"`
	CampaignID   string `json:"campaign_id,omitempty"`
	CampaignName string `json:"campaign_name,omitempty"`
	AdGroupID    string `json:"ad_group_id"`
}

// Key is the namespaced item key used by the ad pipeline.
func (in JobItemInput) Key() string {
	return in.CustomerID + ":" + in.AdGroupID
}

// JobItemUpdate is the deferred status change for one job item.
type JobItemUpdate struct {
	JobID        string
	ItemKey      string
	Status       constants.JobItemStatus
	NewResource  string
	ErrorMessage string
}

// JobProgress is the aggregate view recomputed from job item statuses.
type JobProgress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}
