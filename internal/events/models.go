package events

// StageOutcome is the per-stage summary carried on a job finished event.
type StageOutcome struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// JobFinishedEvent is emitted exactly once when a job reaches a terminal
// status.
type JobFinishedEvent struct {
	JobID      string         `json:"job_id"`
	OrgID      string         `json:"org_id"`
	DrawingRef string         `json:"drawing_ref"`
	Status     string         `json:"status"`
	Stages     []StageOutcome `json:"stages"`
	FinishedAt string         `json:"finished_at"`
}
