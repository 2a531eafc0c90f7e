package pipeline

import (
	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

// DeriveStatus computes the overall job status purely from the stage rows
// and the cancel flag. The stored job status is only ever a cache of this
// value.
func DeriveStatus(seq Sequence, job *model.Job, stages []model.JobStage) string {
	allTerminal := true
	anyStarted := false
	anyFailed := false
	anySkipped := false
	fatalFailed := false

	for _, st := range stages {
		if !st.Terminal() {
			allTerminal = false
		}
		if st.Status != model.StageStatusPending {
			anyStarted = true
		}
		switch st.Status {
		case model.StageStatusFailed:
			anyFailed = true
			if def, ok := seq.Get(st.Name); ok && def.Fatal {
				fatalFailed = true
			}
		case model.StageStatusSkipped:
			anySkipped = true
		}
	}

	if !allTerminal {
		if fatalFailed {
			// remaining stages are about to be skipped
			return model.JobStatusFailed
		}
		if anyStarted {
			return model.JobStatusRunning
		}
		return model.JobStatusPending
	}

	switch {
	case fatalFailed:
		return model.JobStatusFailed
	case job.CancelRequested && anySkipped:
		return model.JobStatusCancelled
	case anyFailed || anySkipped:
		return model.JobStatusPartiallySucceeded
	default:
		return model.JobStatusSucceeded
	}
}
