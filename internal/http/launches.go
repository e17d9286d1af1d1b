package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2gis/cdws/internal/broker"
	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/observability"
	"github.com/2gis/cdws/internal/store"
)

// CreateLaunch handles POST /launches/. Used by integrations that run
// tests themselves and only report into an existing plan.
func (h *Handler) CreateLaunch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestPlan  int64  `json:"test_plan"`
		StartedBy string `json:"started_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if _, err := h.store.TestPlan(req.TestPlan); err != nil {
		writeMessage(w, http.StatusBadRequest, "test plan does not exist")
		return
	}
	launch := h.store.CreateLaunch(models.Launch{
		TestPlan:  req.TestPlan,
		StartedBy: req.StartedBy,
	})
	observability.LaunchesTotal.WithLabelValues("api").Inc()
	writeJSON(w, http.StatusCreated, launch)
}

// ListLaunches handles GET /launches/ with the flat filter parameters
// (testplan, build__version, build__branch, build__hash).
func (h *Handler) ListLaunches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	launches := h.store.Launches(store.LaunchFilter{
		TestPlan:     queryInt64(r, "testplan"),
		BuildVersion: q.Get("build__version"),
		BuildBranch:  q.Get("build__branch"),
		BuildHash:    q.Get("build__hash"),
	})
	paginated(w, launches, len(launches))
}

// LaunchCustomList handles GET /launches/custom_list/. days and
// from/to are midnight-anchored in the configured time zone;
// results_group_count switches the response to per-item result counts.
func (h *Handler) LaunchCustomList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("results_group_count") != "" {
		launchID := queryInt64(r, "results_group_count")
		state := q.Get("state")
		if !models.ValidResultState(state) {
			writeMessage(w, http.StatusBadRequest,
				fmt.Sprintf("State %q is not a valid choice", state))
			return
		}
		counts := h.store.GroupResultCounts(launchID, state)
		paginated(w, counts, len(counts))
		return
	}

	f := store.LaunchFilter{
		TestPlanIDs: queryIDList(r, "testplan_id__in"),
		BuildHashIn: queryStringList(r, "build_hash__in"),
		State:       q.Get("state"),
	}
	if q.Get("days") != "" {
		f.Days = int(queryInt64(r, "days"))
		f.DaysSet = true
	}
	var err error
	if f.From, err = h.parseDay(q.Get("from")); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.To, err = h.parseDay(q.Get("to")); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	launches := h.store.Launches(f)
	paginated(w, launches, len(launches))
}

// parseDay reads a yyyy-mm-dd parameter as midnight in the service's
// time zone. Empty input gives a zero time (no bound).
func (h *Handler) parseDay(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, h.cfg.TimeZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expect yyyy-mm-dd", v)
	}
	return t, nil
}

// GetLaunch handles GET /launches/{id}/.
func (h *Handler) GetLaunch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid launch id")
		return
	}
	launch, err := h.store.Launch(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "launch not found")
		return
	}
	writeJSON(w, http.StatusOK, launch)
}

// PatchLaunch handles PATCH /launches/{id}/ (duration, state).
func (h *Handler) PatchLaunch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid launch id")
		return
	}
	launch, err := h.store.Launch(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "launch not found")
		return
	}
	var req struct {
		Duration *float64 `json:"duration"`
		State    *string  `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Duration != nil {
		launch.Duration = *req.Duration
	}
	if req.State != nil {
		launch.State = *req.State
	}
	if err := h.store.SaveLaunch(launch); err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "launch not found")
		return
	}
	writeJSON(w, http.StatusOK, launch)
}

// TerminateTasks handles GET /launches/{id}/terminate_tasks/: revokes
// every unsettled task and stops the launch.
func (h *Handler) TerminateTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid launch id")
		return
	}
	launch, err := h.store.Launch(id)
	if err != nil {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Launch with id=%d does not exist", id))
		return
	}

	logger := requestLogger(r, h.logger)
	for i := range launch.Tasks {
		switch launch.Tasks[i].Status {
		case broker.StatusSuccess, broker.StatusFailure, broker.StatusRevoked:
			continue
		}
		if err := h.broker.Revoke(r.Context(), launch.Tasks[i].TaskID); err != nil {
			logger.Warn("revoke task failed")
		}
		launch.Tasks[i].Status = broker.StatusRevoked
	}
	launch.State = models.LaunchStopped
	if err := h.store.SaveLaunch(launch); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "launch save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Termination done."})
}

// CalculateCounts handles GET /launches/{id}/calculate_counts/.
func (h *Handler) CalculateCounts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid launch id")
		return
	}
	if _, err := h.store.CalculateCounts(id); err != nil {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Launch with id=%d does not exist", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Calculation done."})
}

// UpdateLaunchMetrics handles POST /launches/{id}/update_metrics/. The
// posted object is stored verbatim under Parameters["metrics"].
func (h *Handler) UpdateLaunchMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid launch id")
		return
	}
	launch, err := h.store.Launch(id)
	if err != nil {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Launch with id=%d does not exist", id))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	var req map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}

	raw, ok := req["metrics"]
	if !ok || string(raw) == `""` || string(raw) == "null" {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("No metrics in post request: %s", body))
		return
	}
	var metrics map[string]interface{}
	if err := json.Unmarshal(raw, &metrics); err != nil {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Invalid format for metrics '%s', expect object", trimQuotes(raw)))
		return
	}

	if launch.Parameters == nil {
		launch.Parameters = make(map[string]interface{})
	}
	launch.Parameters["metrics"] = metrics
	if err := h.store.SaveLaunch(launch); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "launch save failed")
		return
	}
	writeJSON(w, http.StatusOK, launch)
}

// trimQuotes renders a raw JSON scalar the way the error message quotes
// it: string values lose their JSON quoting.
func trimQuotes(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// GetTask handles GET /tasks/{id}/. Unknown ids report PENDING, which
// is what polling CI clients expect for not-yet-queued work.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := pathString(r, "id")
	status, err := h.broker.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE",
			"Unable to query task status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
