// Package http is the REST surface of the service: the CI-facing API
// under the configured prefix plus /health and /metrics at the root.
// Domain errors answer 400 with {"message": "..."} because that is the
// contract CI plugins already parse; infrastructure errors use the
// structured error envelope.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/2gis/cdws/internal/broker"
	"github.com/2gis/cdws/internal/config"
	"github.com/2gis/cdws/internal/jira"
	"github.com/2gis/cdws/internal/lifecycle"
	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/observability"
	"github.com/2gis/cdws/internal/store"
)

// IssueGetter is the slice of the tracker client the bug handlers need.
type IssueGetter interface {
	GetIssue(ctx context.Context, externalID string) (jira.Issue, error)
}

// MetricScheduler registers and removes per-metric calculation jobs.
type MetricScheduler interface {
	RegisterMetric(m models.Metric) error
	UnregisterMetric(metricID int64)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	broker broker.Broker
	issues IssueGetter // nil when JIRA integration is off
	jobs   MetricScheduler
	cfg    *config.Config
	logger *zap.Logger
}

// NewHandler returns a new Handler.
func NewHandler(
	s *store.Store,
	b broker.Broker,
	issues IssueGetter,
	jobs MetricScheduler,
	cfg *config.Config,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:  s,
		broker: b,
		issues: issues,
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
	}
}

// Router wires every route with the middleware chain. The bug endpoints
// are only registered when the tracker integration is on.
func (h *Handler) Router(limiter *rate.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(h.logger))
	r.Use(MetricsMiddleware)
	r.Use(RateLimitMiddleware(limiter))

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/" + h.cfg.APIPath).Subrouter()
	api.Use(TimeoutMiddleware(h.cfg.RequestTimeout))

	api.HandleFunc("/projects/", h.CreateProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/", h.ListProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/settings/", h.UpsertSetting).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/settings/delete/", h.DeleteSetting).Methods(http.MethodPost)

	api.HandleFunc("/testplans/", h.CreateTestPlan).Methods(http.MethodPost)
	api.HandleFunc("/testplans/", h.ListTestPlans).Methods(http.MethodGet)
	api.HandleFunc("/testplans/custom_list/", h.TestPlanCustomList).Methods(http.MethodGet)
	api.HandleFunc("/testplans/{id}/", h.PatchTestPlan).Methods(http.MethodPatch)
	api.HandleFunc("/testplans/{id}/execute/", h.ExecuteTestPlan).Methods(http.MethodPost)

	api.HandleFunc("/launch-items/", h.CreateLaunchItem).Methods(http.MethodPost)
	api.HandleFunc("/launch-items/", h.ListLaunchItems).Methods(http.MethodGet)

	api.HandleFunc("/launches/", h.CreateLaunch).Methods(http.MethodPost)
	api.HandleFunc("/launches/", h.ListLaunches).Methods(http.MethodGet)
	api.HandleFunc("/launches/custom_list/", h.LaunchCustomList).Methods(http.MethodGet)
	api.HandleFunc("/launches/{id}/", h.GetLaunch).Methods(http.MethodGet)
	api.HandleFunc("/launches/{id}/", h.PatchLaunch).Methods(http.MethodPatch)
	api.HandleFunc("/launches/{id}/terminate_tasks/", h.TerminateTasks).Methods(http.MethodGet)
	api.HandleFunc("/launches/{id}/calculate_counts/", h.CalculateCounts).Methods(http.MethodGet)
	api.HandleFunc("/launches/{id}/update_metrics/", h.UpdateLaunchMetrics).Methods(http.MethodPost)

	api.HandleFunc("/testresults/", h.CreateTestResults).Methods(http.MethodPost)
	api.HandleFunc("/testresults/", h.ListTestResults).Methods(http.MethodGet)
	api.HandleFunc("/testresults/custom_list/", h.TestResultCustomList).Methods(http.MethodGet)
	api.HandleFunc("/testresults_negative/", h.ListTestResultsNegative).Methods(http.MethodGet)

	api.HandleFunc("/comments/", h.CreateComment).Methods(http.MethodPost)
	api.HandleFunc("/comments/", h.ListComments).Methods(http.MethodGet)

	if h.issues != nil {
		api.HandleFunc("/bugs/", h.CreateBug).Methods(http.MethodPost)
		api.HandleFunc("/bugs/", h.ListBugs).Methods(http.MethodGet)
		api.HandleFunc("/bugs/custom_list/", h.BugCustomList).Methods(http.MethodGet)
		api.HandleFunc("/bugs/{id}/", h.GetBug).Methods(http.MethodGet)
	}

	api.HandleFunc("/stages/", h.ListStages).Methods(http.MethodGet)
	api.HandleFunc("/stages/{id}/", h.PatchStage).Methods(http.MethodPatch)
	api.HandleFunc("/external/jenkins/{project}/", h.JenkinsNotification).Methods(http.MethodPost)
	api.HandleFunc("/external/rundeck/{project}/", h.RundeckNotification).Methods(http.MethodPost)

	upload := api.PathPrefix("/external/report-xunit").Subrouter()
	upload.Use(BasicAuthMiddleware(h.cfg.AuthUser, h.cfg.AuthPassword))
	upload.HandleFunc("/{testplan}/{format}/{filename}", h.UploadReport).Methods(http.MethodPost)

	api.HandleFunc("/tasks/{id}/", h.GetTask).Methods(http.MethodGet)

	api.HandleFunc("/metrics/", h.CreateMetric).Methods(http.MethodPost)
	api.HandleFunc("/metrics/", h.ListMetrics).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{id}/", h.GetMetric).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{id}/", h.PatchMetric).Methods(http.MethodPatch)
	api.HandleFunc("/metrics/{id}/", h.DeleteMetric).Methods(http.MethodDelete)

	return r
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	statusCode := http.StatusOK
	checks := map[string]string{"broker": "healthy"}

	if lifecycle.IsShuttingDown() {
		status = "shutting_down"
		statusCode = http.StatusServiceUnavailable
	} else if err := h.broker.Ping(r.Context()); err != nil {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
		checks["broker"] = "unhealthy"
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// paginated is the {count, results} list envelope CI dashboards expect.
func paginated(w http.ResponseWriter, results interface{}, count int) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   count,
		"results": results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeMessage answers a domain error as {"message": "..."}.
func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// pathString reads a route variable as-is.
func pathString(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// pathID parses the {id} route variable.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

// queryInt64 parses an integer query parameter; 0 when absent or bad.
func queryInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v
}

// queryIDList parses a comma separated __in parameter. Absent or empty
// values return nil, which the store treats as "no filtering".
func queryIDList(r *http.Request, name string) []int64 {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func queryStringList(r *http.Request, name string) []string {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
