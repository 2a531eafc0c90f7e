package mappers

import (
	"encoding/json"

	api "github.com/zumen-connect/drawing-worker/api/v1alpha1"
	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

func JobToApi(j model.Job) api.Job {
	out := api.Job{
		ID:              j.ID.String(),
		DrawingRef:      j.DrawingRef,
		OrgID:           j.OrgID,
		Status:          j.Status,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
	for _, st := range j.Stages {
		out.Stages = append(out.Stages, api.JobStage{
			Name:         st.Name,
			Status:       st.Status,
			Attempts:     st.Attempts,
			NextRetryAt:  st.NextRetryAt,
			ErrorClass:   st.ErrorClass,
			ErrorMessage: st.ErrorMessage,
			Result:       json.RawMessage(st.Result),
			StartedAt:    st.StartedAt,
			FinishedAt:   st.FinishedAt,
		})
	}
	return out
}

func JobListToApi(jobs model.JobList) api.JobList {
	out := make(api.JobList, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobToApi(j))
	}
	return out
}
