package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending            = "pending"
	JobStatusRunning            = "running"
	JobStatusSucceeded          = "succeeded"
	JobStatusFailed             = "failed"
	JobStatusPartiallySucceeded = "partially_succeeded"
	JobStatusCancelled          = "cancelled"
)

const (
	StageStatusPending   = "pending"
	StageStatusRunning   = "running"
	StageStatusSucceeded = "succeeded"
	StageStatusFailed    = "failed"
	StageStatusSkipped   = "skipped"
)

const (
	ErrorClassTransient = "transient"
	ErrorClassPermanent = "permanent"
)

// Job is one drawing's end-to-end processing request. The stored Status is a
// cache of the value derived from the stage rows; it is recomputed on every
// finalization and never used as an independent input.
type Job struct {
	ID              uuid.UUID `gorm:"primaryKey"`
	DrawingRef      string    `gorm:"not null"`
	OrgID           string    `gorm:"index"`
	Status          string    `gorm:"index;not null"`
	CancelRequested bool      `gorm:"not null;default:false"`
	LeaseOwner      *string
	LeaseExpiresAt  *time.Time `gorm:"index"`
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Stages          []JobStage `gorm:"foreignKey:JobID;references:ID;constraint:OnDelete:CASCADE;"`
}

// JobStage is one pipeline step of a job. The (JobID, Name) pair is the row
// identity; Seq fixes the declared order. Result is immutable once Status
// reaches succeeded.
type JobStage struct {
	JobID        uuid.UUID `gorm:"primaryKey"`
	Name         string    `gorm:"primaryKey"`
	Seq          int       `gorm:"not null"`
	Status       string    `gorm:"index;not null"`
	Attempts     int       `gorm:"not null;default:0"`
	NextRetryAt  *time.Time
	Result       []byte `gorm:"type:jsonb"`
	ErrorClass   *string
	ErrorMessage *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
}

type JobList []Job

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

// Terminal reports whether no further stage will ever be scheduled.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusPartiallySucceeded, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the stage will never run again.
func (s JobStage) Terminal() bool {
	switch s.Status {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

func NewJobFromId(id uuid.UUID) *Job {
	return &Job{ID: id}
}
