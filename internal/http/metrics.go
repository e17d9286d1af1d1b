package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/sched"
	"github.com/2gis/cdws/internal/store"
)

// CreateMetric handles POST /metrics/: stores the metric and registers
// its calculation job.
func (h *Handler) CreateMetric(w http.ResponseWriter, r *http.Request) {
	var req models.Metric
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if msg, ok := h.validateMetric(req); !ok {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	m, err := h.store.CreateMetric(req)
	if err == store.ErrDuplicateMetric {
		writeMessage(w, http.StatusBadRequest, "Metric already exist, choose another name")
		return
	}
	if err := h.jobs.RegisterMetric(m); err != nil {
		h.logger.Error("register metric job failed")
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMetrics handles GET /metrics/.
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.store.Metrics()
	paginated(w, metrics, len(metrics))
}

// GetMetric handles GET /metrics/{id}/: the metric with its recorded
// values.
func (h *Handler) GetMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "Metric not found")
		return
	}
	m, err := h.store.Metric(id)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Metric not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metric": m,
		"values": h.store.MetricValues(m.ID),
	})
}

// PatchMetric handles PATCH /metrics/{id}/ and reschedules the job when
// the schedule changes.
func (h *Handler) PatchMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "Metric not found")
		return
	}
	m, err := h.store.Metric(id)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Metric not found")
		return
	}

	var req struct {
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Handler  *string `json:"handler"`
		Query    *string `json:"query"`
		Weight   *int    `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Name != nil {
		m.Name = *req.Name
	}
	if req.Schedule != nil {
		m.Schedule = *req.Schedule
	}
	if req.Handler != nil {
		m.Handler = *req.Handler
	}
	if req.Query != nil {
		m.Query = *req.Query
	}
	if req.Weight != nil {
		m.Weight = *req.Weight
	}
	if msg, ok := h.validateMetric(m); !ok {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	switch err := h.store.SaveMetric(m); err {
	case nil:
	case store.ErrDuplicateMetric:
		writeMessage(w, http.StatusBadRequest, "Metric already exist, choose another name")
		return
	default:
		writeMessage(w, http.StatusBadRequest, "Metric not found")
		return
	}
	if err := h.jobs.RegisterMetric(m); err != nil {
		h.logger.Error("reschedule metric job failed")
	}
	writeJSON(w, http.StatusOK, m)
}

// DeleteMetric handles DELETE /metrics/{id}/.
func (h *Handler) DeleteMetric(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "Metric not found")
		return
	}
	if err := h.store.DeleteMetric(id); err != nil {
		writeMessage(w, http.StatusBadRequest, "Metric not found")
		return
	}
	h.jobs.UnregisterMetric(id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Metric and all values deleted"})
}

// validateMetric checks the fields shared by create and update.
func (h *Handler) validateMetric(m models.Metric) (string, bool) {
	if m.Name == "" {
		return `Field "name" is required`, false
	}
	if !models.ValidMetricHandler(m.Handler) {
		return fmt.Sprintf("Handler %q is not a valid choice", m.Handler), false
	}
	if _, err := h.store.Project(m.Project); err != nil {
		return "project does not exist", false
	}
	if m.Schedule == "" {
		return `Field "schedule" is required`, false
	}
	if err := sched.ValidateSchedule(m.Schedule); err != nil {
		return fmt.Sprintf("Invalid schedule %q", m.Schedule), false
	}
	return "", true
}
