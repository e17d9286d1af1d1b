package store

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/2gis/cdws/internal/models"
)

// ResultFilter narrows Results listings. History selects the failure
// history (failed/blocked results) across all launches of the test plan
// owning the given launch, bounded by Days.
type ResultFilter struct {
	Launch         int64
	LaunchIDs      []int64
	State          string
	States         []string
	Search         string // case-insensitive substring on name
	NegativeSearch string // results NOT matching this pattern
	History        int64  // launch id anchoring the history lookup
	Days           int
	DaysSet        bool
}

// AddResults stores a batch of results posted by a CI run.
func (s *Store) AddResults(results []models.TestResult) []models.TestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TestResult, 0, len(results))
	for _, r := range results {
		r.ID = s.nextID("result")
		stored := r
		s.results[r.ID] = &stored
		out = append(out, r)
	}
	return out
}

func (s *Store) Results(f ResultFilter) []models.TestResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var historyLaunches map[int64]struct{}
	if f.History > 0 {
		historyLaunches = s.historyLaunchSet(f)
	}

	var negative *regexp.Regexp
	if f.NegativeSearch != "" {
		re, err := regexp.Compile(f.NegativeSearch)
		if err != nil {
			// treat a non-compiling pattern as a literal
			re = regexp.MustCompile(regexp.QuoteMeta(f.NegativeSearch))
		}
		negative = re
	}

	out := make([]models.TestResult, 0)
	for _, r := range s.results {
		if !resultMatches(r, f, historyLaunches, negative) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// historyLaunchSet resolves the launches considered by a history
// filter: every launch of the anchor launch's test plan created within
// the days window.
func (s *Store) historyLaunchSet(f ResultFilter) map[int64]struct{} {
	set := make(map[int64]struct{})
	anchor, ok := s.launches[f.History]
	if !ok {
		return set
	}
	var since time.Time
	if f.DaysSet {
		since = s.daysWindowStart(f.Days)
	}
	for _, l := range s.launches {
		if l.TestPlan != anchor.TestPlan {
			continue
		}
		if !since.IsZero() && l.Created.Before(since) {
			continue
		}
		set[l.ID] = struct{}{}
	}
	return set
}

func resultMatches(r *models.TestResult, f ResultFilter, history map[int64]struct{}, negative *regexp.Regexp) bool {
	if f.Launch > 0 && r.Launch != f.Launch {
		return false
	}
	if f.LaunchIDs != nil && !containsID(f.LaunchIDs, r.Launch) {
		return false
	}
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.States != nil && !containsString(f.States, r.State) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(f.Search)) {
		return false
	}
	if negative != nil && (negative.MatchString(r.Name) || negative.MatchString(r.FailureReason)) {
		return false
	}
	if history != nil {
		if _, ok := history[r.Launch]; !ok {
			return false
		}
		if r.State != models.StateFailed && r.State != models.StateBlocked {
			return false
		}
	}
	return true
}

// CleanupExpiredResults deletes results of launches that finished
// before the retention cutoff. Returns the number of results removed.
func (s *Store) CleanupExpiredResults(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	removed := 0
	for id, r := range s.results {
		l, ok := s.launches[r.Launch]
		if !ok {
			delete(s.results, id)
			removed++
			continue
		}
		if !l.Finished.IsZero() && l.Finished.Before(cutoff) {
			delete(s.results, id)
			removed++
		}
	}
	return removed
}

func containsString(vals []string, v string) bool {
	for _, s := range vals {
		if s == v {
			return true
		}
	}
	return false
}
