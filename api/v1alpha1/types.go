// Package v1alpha1 contains the wire types of the drawing worker API.
package v1alpha1

import (
	"encoding/json"
	"time"
)

// JobSubmission is the request body for creating a processing job.
type JobSubmission struct {
	DrawingRef string   `json:"drawing_ref"`
	OrgID      string   `json:"org_id"`
	Stages     []string `json:"stages,omitempty"`
}

// JobStage is the externally visible state of one pipeline step.
type JobStage struct {
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	ErrorClass   *string         `json:"error_class,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Job is the externally visible state of a processing job.
type Job struct {
	ID              string     `json:"id"`
	DrawingRef      string     `json:"drawing_ref"`
	OrgID           string     `json:"org_id,omitempty"`
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Stages          []JobStage `json:"stages,omitempty"`
}

type JobList []Job

// Error is the generic error response body.
type Error struct {
	Message string `json:"message"`
}

// Health reports service liveness plus the current queue depth per status.
type Health struct {
	Status     string           `json:"status"`
	QueueDepth map[string]int64 `json:"queue_depth,omitempty"`
}
