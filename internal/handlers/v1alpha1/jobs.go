package v1alpha1

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	api "github.com/zumen-connect/drawing-worker/api/v1alpha1"
	"github.com/zumen-connect/drawing-worker/internal/handlers/v1alpha1/mappers"
	"github.com/zumen-connect/drawing-worker/internal/service"
	serviceMappers "github.com/zumen-connect/drawing-worker/internal/service/mappers"
)

type JobHandler struct {
	jobs *service.JobService
}

func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) Routes(r chi.Router) {
	r.Post("/jobs", h.CreateJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Post("/jobs/{id}/cancel", h.CancelJob)
}

func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var submission api.JobSubmission
	if err := render.DecodeJSON(r.Body, &submission); err != nil {
		renderError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if submission.DrawingRef == "" {
		renderError(w, r, http.StatusBadRequest, "drawing_ref is required")
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), serviceMappers.JobCreateForm{
		DrawingRef: submission.DrawingRef,
		OrgID:      submission.OrgID,
		Stages:     submission.Stages,
	})
	if err != nil {
		var invalidStages *service.ErrInvalidStageSelection
		var unresolvable *service.ErrDrawingUnresolvable
		switch {
		case errors.As(err, &invalidStages):
			renderError(w, r, http.StatusBadRequest, err.Error())
		case errors.As(err, &unresolvable):
			renderError(w, r, http.StatusUnprocessableEntity, err.Error())
		default:
			renderError(w, r, http.StatusInternalServerError, "failed to create job")
		}
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, mappers.JobToApi(*job))
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		var notFound *service.ErrResourceNotFound
		if errors.As(err, &notFound) {
			renderError(w, r, http.StatusNotFound, err.Error())
			return
		}
		renderError(w, r, http.StatusInternalServerError, "failed to get job")
		return
	}

	render.JSON(w, r, mappers.JobToApi(*job))
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := service.JobFilter{
		OrgID:  r.URL.Query().Get("org_id"),
		Status: r.URL.Query().Get("status"),
	}

	jobs, err := h.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		renderError(w, r, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	render.JSON(w, r, mappers.JobListToApi(jobs))
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}

	if err := h.jobs.CancelJob(r.Context(), id); err != nil {
		var notFound *service.ErrResourceNotFound
		var finished *service.ErrJobFinished
		switch {
		case errors.As(err, &notFound):
			renderError(w, r, http.StatusNotFound, err.Error())
		case errors.As(err, &finished):
			renderError(w, r, http.StatusConflict, err.Error())
		default:
			renderError(w, r, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	render.NoContent(w, r)
}

func renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, api.Error{Message: message})
}
