package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zumen-connect/drawing-worker/internal/store"
	"github.com/zumen-connect/drawing-worker/internal/store/model"
	"github.com/zumen-connect/drawing-worker/pkg/metrics"
)

// Outcome tells the dispatcher what a single Advance call achieved.
type Outcome int

const (
	// OutcomeAdvanced means a stage attempt ran (or state was repaired);
	// call Advance again.
	OutcomeAdvanced Outcome = iota
	// OutcomeWaiting means the next stage has a retry time in the future.
	OutcomeWaiting
	// OutcomeTerminal means the job reached a terminal status.
	OutcomeTerminal
	// OutcomeConflict means another controller changed the job underneath
	// us; back off and let the lease sort it out.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeWaiting:
		return "waiting"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// Controller drives one job through its stage sequence. All progress goes
// through stage-row compare-and-sets, so a controller restarted mid-job (or
// a second controller after lease expiry) resumes exactly where the rows say
// and never re-runs a succeeded stage.
type Controller struct {
	store      store.Store
	exec       *Executor
	seq        Sequence
	now        func() time.Time
	onFinished func(ctx context.Context, job *model.Job)
	log        *zap.SugaredLogger
}

func NewController(s store.Store, exec *Executor, seq Sequence, onFinished func(ctx context.Context, job *model.Job)) *Controller {
	return &Controller{
		store:      s,
		exec:       exec,
		seq:        seq,
		now:        func() time.Time { return time.Now().UTC() },
		onFinished: onFinished,
		log:        zap.S().Named("controller"),
	}
}

// Advance performs at most one stage attempt on the job and reports what
// happened. The caller must hold the job lease; the dispatcher loops on
// Advance until the job is terminal, waiting or conflicted.
func (c *Controller) Advance(ctx context.Context, jobID uuid.UUID) (Outcome, error) {
	job, err := c.store.Job().GetWithStages(ctx, jobID)
	if err != nil {
		return OutcomeConflict, err
	}
	if job.Terminal() {
		return OutcomeTerminal, nil
	}

	if job.CancelRequested {
		return c.cancel(ctx, job)
	}

	// Repair skip propagation first: a crash between a stage failing and
	// its dependents being skipped leaves the rows inconsistent.
	if outcome, repaired, err := c.propagateFailures(ctx, job); repaired || err != nil {
		return outcome, err
	}

	prior, err := c.collectResults(job.Stages)
	if err != nil {
		return OutcomeConflict, err
	}

	for i := range job.Stages {
		stage := &job.Stages[i]
		if stage.Terminal() {
			continue
		}
		def, ok := c.seq.Get(stage.Name)
		if !ok {
			return OutcomeConflict, fmt.Errorf("job %s has unknown stage %s", job.ID, stage.Name)
		}

		// A running row under our lease means the previous holder died
		// mid-attempt. The lease guarantees nobody else is executing it,
		// so requeue without burning an attempt.
		if stage.Status == model.StageStatusRunning {
			if err := c.store.Job().UpdateStage(ctx, job.ID, stage.Name, model.StageStatusRunning, store.StageUpdate{
				Status: model.StageStatusPending,
			}); err != nil {
				if errors.Is(err, store.ErrConcurrentUpdate) {
					return OutcomeConflict, nil
				}
				return OutcomeConflict, err
			}
			c.log.Warnw("requeued stage left running by a lost lease", "job_id", job.ID, "stage", stage.Name)
			return OutcomeAdvanced, nil
		}

		if stage.NextRetryAt != nil && stage.NextRetryAt.After(c.now()) {
			return OutcomeWaiting, nil
		}

		started := c.now()
		if err := c.store.Job().UpdateStage(ctx, job.ID, stage.Name, model.StageStatusPending, store.StageUpdate{
			Status:            model.StageStatusRunning,
			IncrementAttempts: true,
			ClearNextRetry:    true,
			StartedAt:         &started,
		}); err != nil {
			if errors.Is(err, store.ErrConcurrentUpdate) {
				return OutcomeConflict, nil
			}
			return OutcomeConflict, err
		}
		stage.Attempts++

		if job.Status == model.JobStatusPending {
			if err := c.store.Job().MarkRunning(ctx, job.ID, started); err != nil {
				return OutcomeConflict, err
			}
			job.Status = model.JobStatusRunning
		}

		status, runErr := c.exec.Run(ctx, job, def, *stage, prior)
		if status == "" {
			// persistence itself failed; the row is still running and the
			// next Advance under a valid lease will requeue it
			return OutcomeConflict, runErr
		}
		if status == model.StageStatusFailed {
			if err := c.skipAfterFailure(ctx, job, def); err != nil {
				return OutcomeConflict, err
			}
		}
		return OutcomeAdvanced, nil
	}

	return c.finalize(ctx, job)
}

// cancel skips every non-terminal stage and finalizes. Completed stage
// results are kept; cancellation only stops future work.
func (c *Controller) cancel(ctx context.Context, job *model.Job) (Outcome, error) {
	for i := range job.Stages {
		stage := &job.Stages[i]
		if stage.Terminal() {
			continue
		}
		if err := c.skipStage(ctx, job.ID, stage); err != nil {
			return OutcomeConflict, err
		}
	}
	return c.finalize(ctx, job)
}

// propagateFailures makes sure every dependent of a terminally failed stage
// is skipped. Returns repaired=true when it changed anything, in which case
// the caller should re-enter Advance with fresh rows.
func (c *Controller) propagateFailures(ctx context.Context, job *model.Job) (Outcome, bool, error) {
	doomed := make(map[string]bool)
	for _, st := range job.Stages {
		if st.Status != model.StageStatusFailed {
			continue
		}
		def, ok := c.seq.Get(st.Name)
		if !ok {
			continue
		}
		if def.Fatal {
			for _, other := range job.Stages {
				if other.Seq > st.Seq {
					doomed[other.Name] = true
				}
			}
		} else {
			for _, name := range c.seq.Dependents(st.Name) {
				doomed[name] = true
			}
		}
	}

	repaired := false
	for i := range job.Stages {
		stage := &job.Stages[i]
		if !doomed[stage.Name] || stage.Terminal() {
			continue
		}
		if err := c.skipStage(ctx, job.ID, stage); err != nil {
			return OutcomeConflict, true, err
		}
		repaired = true
	}
	if repaired {
		return OutcomeAdvanced, true, nil
	}
	return OutcomeAdvanced, false, nil
}

// skipAfterFailure applies the failure policy right after an attempt exhausts
// its retries: fatal stages doom everything downstream, non-fatal ones only
// their transitive dependents.
func (c *Controller) skipAfterFailure(ctx context.Context, job *model.Job, failed StageDefinition) error {
	doomed := make(map[string]bool)
	if failed.Fatal {
		failedSeq := -1
		for _, st := range job.Stages {
			if st.Name == failed.Name {
				failedSeq = st.Seq
			}
		}
		for _, st := range job.Stages {
			if st.Seq > failedSeq {
				doomed[st.Name] = true
			}
		}
	} else {
		for _, name := range c.seq.Dependents(failed.Name) {
			doomed[name] = true
		}
	}

	for i := range job.Stages {
		stage := &job.Stages[i]
		if !doomed[stage.Name] || stage.Terminal() {
			continue
		}
		if err := c.skipStage(ctx, job.ID, stage); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) skipStage(ctx context.Context, jobID uuid.UUID, stage *model.JobStage) error {
	now := c.now()
	err := c.store.Job().UpdateStage(ctx, jobID, stage.Name, stage.Status, store.StageUpdate{
		Status:         model.StageStatusSkipped,
		ClearNextRetry: true,
		FinishedAt:     &now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			return err
		}
		return fmt.Errorf("skipping stage %s: %w", stage.Name, err)
	}
	stage.Status = model.StageStatusSkipped
	stage.FinishedAt = &now
	return nil
}

// finalize derives the terminal status from the stage rows, stamps it and
// fires the finished hook exactly once (the Finalize write is the decider;
// a concurrent finalizer loses on the job row).
func (c *Controller) finalize(ctx context.Context, job *model.Job) (Outcome, error) {
	for _, st := range job.Stages {
		if !st.Terminal() {
			return OutcomeConflict, fmt.Errorf("finalizing job %s with non-terminal stage %s", job.ID, st.Name)
		}
	}
	status := DeriveStatus(c.seq, job, job.Stages)
	now := c.now()
	if err := c.store.Job().Finalize(ctx, job.ID, status, now); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return OutcomeConflict, nil
		}
		return OutcomeConflict, err
	}
	job.Status = status
	job.FinishedAt = &now
	metrics.IncreaseJobsFinishedTotalMetric(status)
	c.log.Infow("job finished", "job_id", job.ID, "status", status)

	if c.onFinished != nil {
		c.onFinished(ctx, job)
	}
	return OutcomeTerminal, nil
}

// collectResults decodes the payloads of succeeded stages so later stages can
// consume them.
func (c *Controller) collectResults(stages []model.JobStage) (Results, error) {
	out := make(Results, len(stages))
	for _, st := range stages {
		if st.Status != model.StageStatusSucceeded || len(st.Result) == 0 {
			continue
		}
		res, err := UnmarshalResult(st.Result)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", st.Name, err)
		}
		out[st.Name] = res
	}
	return out, nil
}
