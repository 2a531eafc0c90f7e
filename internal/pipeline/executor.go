package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zumen-connect/drawing-worker/internal/store"
	"github.com/zumen-connect/drawing-worker/internal/store/model"
	"github.com/zumen-connect/drawing-worker/pkg/metrics"
)

// Executor runs exactly one stage attempt against its collaborator, bounded
// by the stage timeout and the per-kind slot cap. The outcome is written to
// the store in a single compare-and-set before Run returns, so the controller
// never observes a half-written stage record.
type Executor struct {
	store  store.Store
	collab Collaborators
	slots  *Slots
	now    func() time.Time
}

func NewExecutor(s store.Store, collab Collaborators, slots *Slots) *Executor {
	return &Executor{
		store:  s,
		collab: collab,
		slots:  slots,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the stage and persists the outcome. The stage row must be in
// running status with the current attempt already counted. The returned
// string is the stage status after the write: succeeded, pending (retry
// scheduled) or failed.
func (e *Executor) Run(ctx context.Context, job *model.Job, def StageDefinition, stage model.JobStage, prior Results) (string, error) {
	if err := e.slots.Acquire(ctx, def.Name); err != nil {
		return "", err
	}
	defer e.slots.Release(def.Name)

	callCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	started := e.now()
	result, err := e.invoke(callCtx, job, def, prior)
	elapsed := e.now().Sub(started)
	metrics.ObserveStageDurationMetric(def.Name, elapsed.Seconds())

	if err == nil {
		payload, merr := result.Marshal()
		if merr != nil {
			err = WrapPermanent(fmt.Errorf("encoding result: %w", merr))
		} else {
			finished := e.now()
			if uerr := e.store.Job().UpdateStage(ctx, job.ID, def.Name, model.StageStatusRunning, store.StageUpdate{
				Status:         model.StageStatusSucceeded,
				Result:         payload,
				FinishedAt:     &finished,
				ClearNextRetry: true,
			}); uerr != nil {
				return "", uerr
			}
			metrics.IncreaseStageAttemptsTotalMetric(def.Name, model.StageStatusSucceeded)
			zap.S().Named("executor").Infow("stage succeeded",
				"job_id", job.ID, "stage", def.Name, "attempt", stage.Attempts, "duration", elapsed)
			return model.StageStatusSucceeded, nil
		}
	}

	class := Classify(err)
	msg := err.Error()
	now := e.now()

	if class == model.ErrorClassTransient && stage.Attempts < def.MaxAttempts {
		retryAt := now.Add(def.Backoff.Delay(stage.Attempts))
		if uerr := e.store.Job().UpdateStage(ctx, job.ID, def.Name, model.StageStatusRunning, store.StageUpdate{
			Status:       model.StageStatusPending,
			NextRetryAt:  &retryAt,
			ErrorClass:   ptr(class),
			ErrorMessage: ptr(msg),
		}); uerr != nil {
			return "", uerr
		}
		metrics.IncreaseStageAttemptsTotalMetric(def.Name, "retry")
		zap.S().Named("executor").Warnw("stage failed, retry scheduled",
			"job_id", job.ID, "stage", def.Name, "attempt", stage.Attempts,
			"max_attempts", def.MaxAttempts, "retry_at", retryAt, "error", msg)
		return model.StageStatusPending, err
	}

	if uerr := e.store.Job().UpdateStage(ctx, job.ID, def.Name, model.StageStatusRunning, store.StageUpdate{
		Status:       model.StageStatusFailed,
		ErrorClass:   ptr(class),
		ErrorMessage: ptr(msg),
		FinishedAt:   &now,
	}); uerr != nil {
		return "", uerr
	}
	metrics.IncreaseStageAttemptsTotalMetric(def.Name, model.StageStatusFailed)
	zap.S().Named("executor").Errorw("stage failed terminally",
		"job_id", job.ID, "stage", def.Name, "attempt", stage.Attempts, "class", class, "error", msg)
	return model.StageStatusFailed, err
}

func (e *Executor) invoke(ctx context.Context, job *model.Job, def StageDefinition, prior Results) (StageResult, error) {
	switch def.Name {
	case StageDecompose:
		pages, thumb, err := e.collab.Decomposer.Decompose(ctx, DecomposeInput{
			JobID:      job.ID.String(),
			OrgID:      job.OrgID,
			DrawingRef: job.DrawingRef,
		})
		if err != nil {
			return StageResult{}, err
		}
		return StageResult{Kind: ResultKindPages, Pages: pages, Thumbnail: thumb}, nil

	case StageOCR:
		pages := prior[StageDecompose].Pages
		if len(pages) == 0 {
			return StageResult{}, NewPermanentError("no page artifacts to recognize")
		}
		ocr := &OCRResult{}
		for _, page := range pages {
			pt, err := e.collab.OCR.Recognize(ctx, page)
			if err != nil {
				return StageResult{}, err
			}
			pt.PageNo = page.PageNo
			ocr.Pages = append(ocr.Pages, *pt)
			if ocr.Text != "" {
				ocr.Text += "\n"
			}
			ocr.Text += fmt.Sprintf("[ページ %d]\n%s", page.PageNo, pt.Text)
		}
		return StageResult{Kind: ResultKindOCR, OCR: ocr}, nil

	case StageExtract:
		ocr := prior[StageOCR].OCR
		if ocr == nil || ocr.Text == "" {
			return StageResult{}, NewPermanentError("no ocr text to extract from")
		}
		in := ExtractInput{JobID: job.ID.String(), OCRText: ocr.Text}
		if pages := prior[StageDecompose].Pages; len(pages) > 0 {
			in.PageKey = pages[0].ObjectKey
		}
		fields, err := e.collab.Fields.Extract(ctx, in)
		if err != nil {
			return StageResult{}, err
		}
		return StageResult{Kind: ResultKindFields, Fields: fields}, nil

	case StageVectorize:
		ocr := prior[StageOCR].OCR
		if ocr == nil || ocr.Text == "" {
			return StageResult{}, NewPermanentError("no ocr text to vectorize")
		}
		// fields may be absent when extraction failed; vectorize degrades to
		// OCR text alone.
		refs, err := e.collab.Vectors.Index(ctx, IndexInput{
			JobID:      job.ID.String(),
			OrgID:      job.OrgID,
			DrawingRef: job.DrawingRef,
			OCR:        ocr,
			Fields:     prior[StageExtract].Fields,
		})
		if err != nil {
			return StageResult{}, err
		}
		return StageResult{Kind: ResultKindVectors, Vectors: refs}, nil

	case StageConvert3D:
		ref, err := e.collab.Converter.Convert(ctx, ConvertInput{
			JobID:      job.ID.String(),
			DrawingRef: job.DrawingRef,
			Pages:      prior[StageDecompose].Pages,
			Fields:     prior[StageExtract].Fields,
		})
		if err != nil {
			return StageResult{}, err
		}
		return StageResult{Kind: ResultKindModel3D, Model3D: ref}, nil
	}

	return StageResult{}, NewPermanentError("unknown stage: %s", def.Name)
}

func ptr[T any](v T) *T { return &v }
