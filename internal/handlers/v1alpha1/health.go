package v1alpha1

import (
	"net/http"

	"github.com/go-chi/render"

	api "github.com/zumen-connect/drawing-worker/api/v1alpha1"
	"github.com/zumen-connect/drawing-worker/internal/service"
)

type HealthHandler struct {
	jobs *service.JobService
}

func NewHealthHandler(jobs *service.JobService) *HealthHandler {
	return &HealthHandler{jobs: jobs}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	depth, err := h.jobs.QueueDepth(r.Context())
	if err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, api.Health{Status: "unavailable"})
		return
	}

	render.JSON(w, r, api.Health{Status: "ok", QueueDepth: depth})
}
