// Package metrics computes scheduled project metrics over the results
// collected during the previous day and records them as metric values.
package metrics

import (
	"fmt"

	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/store"
)

// window is the number of midnight-anchored days each run looks back
// over. Every run covers today and yesterday so a job firing shortly
// after midnight still sees the runs it is reporting on.
const window = 2

// Compute evaluates one metric against the store and returns the value
// to record.
func Compute(s *store.Store, m models.Metric) (float64, error) {
	plans := s.TestPlans(store.TestPlanFilter{ProjectIDs: []int64{m.Project}})
	planIDs := make([]int64, 0, len(plans))
	for _, p := range plans {
		planIDs = append(planIDs, p.ID)
	}
	launches := s.Launches(store.LaunchFilter{
		TestPlanIDs: planIDs,
		Days:        window,
		DaysSet:     true,
	})

	switch m.Handler {
	case models.HandlerCount:
		return float64(len(matchingResults(s, launches, m.Query))), nil
	case models.HandlerAverage:
		results := matchingResults(s, launches, m.Query)
		if len(results) == 0 {
			return 0, nil
		}
		var sum float64
		for _, r := range results {
			sum += r.Duration
		}
		return sum / float64(len(results)), nil
	case models.HandlerCycleTime:
		weight := m.Weight
		if weight == 0 {
			weight = 1
		}
		var sum float64
		for _, l := range launches {
			sum += l.Duration * float64(weight)
		}
		return sum, nil
	default:
		return 0, fmt.Errorf("handler %q is not a valid choice", m.Handler)
	}
}

// matchingResults returns the window's results, filtered by the metric
// query. A query naming a result state filters on state, anything else
// is a case-insensitive substring match on the result name.
func matchingResults(s *store.Store, launches []models.Launch, query string) []models.TestResult {
	ids := make([]int64, 0, len(launches))
	for _, l := range launches {
		ids = append(ids, l.ID)
	}
	f := store.ResultFilter{LaunchIDs: ids}
	if models.ValidResultState(query) {
		f.State = query
	} else if query != "" {
		f.Search = query
	}
	return s.Results(f)
}
