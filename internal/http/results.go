package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/observability"
	"github.com/2gis/cdws/internal/store"
)

// CreateTestResults handles POST /testresults/: a bulk array insert,
// the shape CI reporters post after a run.
func (h *Handler) CreateTestResults(w http.ResponseWriter, r *http.Request) {
	var results []models.TestResult
	if err := json.NewDecoder(r.Body).Decode(&results); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body, expect array of results")
		return
	}
	for _, res := range results {
		if !models.ValidResultState(res.State) {
			writeMessage(w, http.StatusBadRequest,
				fmt.Sprintf("State %q is not a valid choice", res.State))
			return
		}
		if _, err := h.store.Launch(res.Launch); err != nil {
			writeMessage(w, http.StatusBadRequest,
				fmt.Sprintf("Launch with id=%d does not exist", res.Launch))
			return
		}
	}
	created := h.store.AddResults(results)
	for _, res := range created {
		observability.ResultsIngestedTotal.WithLabelValues(res.State).Inc()
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListTestResults handles GET /testresults/?launch=&state=&search=.
func (h *Handler) ListTestResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	results := h.store.Results(store.ResultFilter{
		Launch: queryInt64(r, "launch"),
		State:  q.Get("state"),
		Search: q.Get("search"),
	})
	paginated(w, results, len(results))
}

// TestResultCustomList handles GET /testresults/custom_list/. The
// history parameter pulls the failure history of a launch's test plan.
func (h *Handler) TestResultCustomList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ResultFilter{
		LaunchIDs: queryIDList(r, "launch_id__in"),
		State:     q.Get("state"),
		States:    queryStringList(r, "state__in"),
		History:   queryInt64(r, "history"),
	}
	if q.Get("days") != "" {
		f.Days = int(queryInt64(r, "days"))
		f.DaysSet = true
	}
	results := h.store.Results(f)
	paginated(w, results, len(results))
}

// ListTestResultsNegative handles GET /testresults_negative/?search=:
// results whose name and failure reason do NOT match the pattern.
// Patterns that do not compile are matched literally.
func (h *Handler) ListTestResultsNegative(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	if search == "" {
		writeMessage(w, http.StatusBadRequest, "search parameter is required")
		return
	}
	results := h.store.Results(store.ResultFilter{NegativeSearch: search})
	paginated(w, results, len(results))
}
