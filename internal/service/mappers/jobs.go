package mappers

import (
	"github.com/google/uuid"

	"github.com/zumen-connect/drawing-worker/internal/pipeline"
	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

// JobCreateForm is the validated submission payload.
type JobCreateForm struct {
	DrawingRef string
	OrgID      string
	Stages     []string
}

// ToJob builds the job row and its stage rows from the resolved sequence.
// The stage set and order are frozen here; nothing downstream re-derives them.
func (f JobCreateForm) ToJob(seq pipeline.Sequence) *model.Job {
	job := &model.Job{
		ID:         uuid.New(),
		DrawingRef: f.DrawingRef,
		OrgID:      f.OrgID,
		Status:     model.JobStatusPending,
	}
	for i, def := range seq {
		job.Stages = append(job.Stages, model.JobStage{
			JobID:  job.ID,
			Name:   def.Name,
			Seq:    i,
			Status: model.StageStatusPending,
		})
	}
	return job
}
