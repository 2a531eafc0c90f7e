package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zumen-connect/drawing-worker/internal/events"
	"github.com/zumen-connect/drawing-worker/internal/objstore"
	"github.com/zumen-connect/drawing-worker/internal/pipeline"
	"github.com/zumen-connect/drawing-worker/internal/service/mappers"
	"github.com/zumen-connect/drawing-worker/internal/store"
	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

type JobService struct {
	store   store.Store
	objects objstore.Store
	seq     pipeline.Sequence
	events  *events.EventProducer
}

func NewJobService(s store.Store, objects objstore.Store, seq pipeline.Sequence, ep *events.EventProducer) *JobService {
	return &JobService{
		store:   s,
		objects: objects,
		seq:     seq,
		events:  ep,
	}
}

// CreateJob validates the submission and persists the job with its frozen
// stage rows. The drawing must already exist in the object store; a dangling
// reference is rejected here rather than failing the first stage later.
func (s *JobService) CreateJob(ctx context.Context, form mappers.JobCreateForm) (*model.Job, error) {
	seq := s.seq
	if len(form.Stages) > 0 {
		sub, err := s.seq.Subset(form.Stages)
		if err != nil {
			return nil, NewErrInvalidStageSelection(err)
		}
		seq = sub
	}

	if _, err := s.objects.Stat(ctx, form.DrawingRef); err != nil {
		return nil, NewErrDrawingUnresolvable(form.DrawingRef, err)
	}

	job, err := s.store.Job().Create(ctx, form.ToJob(seq))
	if err != nil {
		return nil, err
	}

	zap.S().Named("job_service").Infow("job created",
		"job_id", job.ID, "org_id", job.OrgID, "drawing_ref", job.DrawingRef, "stages", len(job.Stages))
	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	job, err := s.store.Job().GetWithStages(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return job, nil
}

type JobFilter struct {
	OrgID  string
	Status string
}

func (s *JobService) ListJobs(ctx context.Context, filter JobFilter) (model.JobList, error) {
	storeFilter := store.NewJobQueryFilter()
	if filter.OrgID != "" {
		storeFilter = storeFilter.ByOrgID(filter.OrgID)
	}
	if filter.Status != "" {
		storeFilter = storeFilter.ByStatus(filter.Status)
	}
	return s.store.Job().List(ctx, storeFilter)
}

// CancelJob records the cancel intent. The running stage finishes its current
// attempt; everything after it is skipped by the controller.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return NewErrJobNotFound(id)
		}
		return err
	}
	if job.Terminal() {
		return NewErrJobFinished(id, job.Status)
	}
	if err := s.store.Job().RequestCancel(ctx, id); err != nil {
		return err
	}
	zap.S().Named("job_service").Infow("job cancel requested", "job_id", id)
	return nil
}

func (s *JobService) QueueDepth(ctx context.Context) (map[string]int64, error) {
	return s.store.Job().CountByStatus(ctx)
}

// NotifyJobFinished publishes the finished event. Wired as the controller's
// finish hook.
func (s *JobService) NotifyJobFinished(ctx context.Context, job *model.Job) {
	if s.events == nil {
		return
	}

	event := events.JobFinishedEvent{
		JobID:      job.ID.String(),
		OrgID:      job.OrgID,
		DrawingRef: job.DrawingRef,
		Status:     job.Status,
	}
	if job.FinishedAt != nil {
		event.FinishedAt = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	for _, st := range job.Stages {
		outcome := events.StageOutcome{
			Name:     st.Name,
			Status:   st.Status,
			Attempts: st.Attempts,
		}
		if st.ErrorMessage != nil {
			outcome.Error = *st.ErrorMessage
		}
		event.Stages = append(event.Stages, outcome)
	}

	data, err := json.Marshal(event)
	if err != nil {
		zap.S().Named("job_service").Errorw("encoding job finished event", "job_id", job.ID, "error", err)
		return
	}
	if err := s.events.Write(ctx, events.JobFinishedMessageKind, bytes.NewReader(data)); err != nil {
		zap.S().Named("job_service").Errorw("publishing job finished event", "job_id", job.ID, "error", err)
	}
}
