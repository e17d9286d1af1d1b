package store

import (
	"sort"
	"time"

	"github.com/2gis/cdws/internal/models"
)

// LaunchFilter narrows Launches listings. Zero values mean "no
// filtering"; Days uses midnight-anchored windows (Days=1 covers today,
// Days=0 matches nothing). From/To select created in [From 00:00,
// To 00:00).
type LaunchFilter struct {
	TestPlan     int64
	TestPlanIDs  []int64
	BuildVersion string
	BuildBranch  string
	BuildHash    string
	BuildHashIn  []string
	State        string
	Days         int
	DaysSet      bool
	From         time.Time
	To           time.Time
}

// CreateLaunch stores a launch in the initialized state.
func (s *Store) CreateLaunch(launch models.Launch) models.Launch {
	s.mu.Lock()
	defer s.mu.Unlock()
	launch.ID = s.nextID("launch")
	if launch.State == "" {
		launch.State = models.LaunchInitialized
	}
	if launch.Tasks == nil {
		launch.Tasks = []models.LaunchTask{}
	}
	launch.Created = s.now()
	s.launches[launch.ID] = &launch
	return cloneLaunch(&launch)
}

func (s *Store) Launch(id int64) (models.Launch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.launches[id]
	if !ok {
		return models.Launch{}, ErrNotFound
	}
	return cloneLaunch(l), nil
}

func (s *Store) SaveLaunch(launch models.Launch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.launches[launch.ID]; !ok {
		return ErrNotFound
	}
	stored := cloneLaunch(&launch)
	s.launches[launch.ID] = &stored
	return nil
}

// SetLaunchTaskStatus updates one task's broker status; when every task
// has settled the launch is marked finished. A notification for a task
// the launch does not record never settles it.
func (s *Store) SetLaunchTaskStatus(launchID int64, taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.launches[launchID]
	if !ok {
		return ErrNotFound
	}
	found := false
	settled := true
	for i := range l.Tasks {
		if l.Tasks[i].TaskID == taskID {
			l.Tasks[i].Status = status
			found = true
		}
		switch l.Tasks[i].Status {
		case "SUCCESS", "FAILURE", "REVOKED":
		default:
			settled = false
		}
	}
	if !found {
		return nil
	}
	if settled && l.State == models.LaunchInProgress {
		l.State = models.LaunchFinished
		l.Finished = s.now()
	}
	return nil
}

func (s *Store) Launches(f LaunchFilter) []models.Launch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Launch, 0, len(s.launches))
	for _, l := range s.launches {
		if !s.launchMatches(l, f) {
			continue
		}
		out = append(out, cloneLaunch(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) launchMatches(l *models.Launch, f LaunchFilter) bool {
	if f.TestPlan > 0 && l.TestPlan != f.TestPlan {
		return false
	}
	if f.TestPlanIDs != nil && !containsID(f.TestPlanIDs, l.TestPlan) {
		return false
	}
	if f.BuildVersion != "" && (l.Build == nil || l.Build.Version != f.BuildVersion) {
		return false
	}
	if f.BuildBranch != "" && (l.Build == nil || l.Build.Branch != f.BuildBranch) {
		return false
	}
	if f.BuildHash != "" && (l.Build == nil || l.Build.Hash != f.BuildHash) {
		return false
	}
	if len(f.BuildHashIn) > 0 && !buildHashIn(l.Build, f.BuildHashIn) {
		return false
	}
	if f.State != "" && l.State != f.State {
		return false
	}
	if f.DaysSet && l.Created.Before(s.daysWindowStart(f.Days)) {
		return false
	}
	if !f.From.IsZero() && l.Created.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !l.Created.Before(f.To) {
		return false
	}
	return true
}

// buildHashIn matches the head hash and any of the recorded last
// commits, so a launch is found by every commit it covered.
func buildHashIn(b *models.Build, hashes []string) bool {
	if b == nil {
		return false
	}
	for _, h := range hashes {
		if b.Hash == h {
			return true
		}
		for _, c := range b.LastCommits {
			if c == h {
				return true
			}
		}
	}
	return false
}

// GroupCount is one row of a results_group_count aggregation.
type GroupCount struct {
	LaunchItemID int64 `json:"launch_item_id"`
	Count        int   `json:"count"`
}

// GroupResultCounts counts a launch's results in the given state,
// grouped by the launch item that produced them.
func (s *Store) GroupResultCounts(launchID int64, state string) []GroupCount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[int64]int)
	for _, r := range s.results {
		if r.Launch == launchID && r.State == state {
			counts[r.LaunchItemID]++
		}
	}
	out := make([]GroupCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, GroupCount{LaunchItemID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LaunchItemID < out[j].LaunchItemID })
	return out
}

// CalculateCounts recomputes the state counters of a launch from its
// stored results.
func (s *Store) CalculateCounts(launchID int64) (models.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.launches[launchID]
	if !ok {
		return models.Counts{}, ErrNotFound
	}
	var c models.Counts
	for _, r := range s.results {
		if r.Launch != launchID {
			continue
		}
		c.Total++
		switch r.State {
		case models.StatePassed:
			c.Passed++
		case models.StateFailed:
			c.Failed++
		case models.StateSkipped:
			c.Skipped++
		case models.StateBlocked:
			c.Blocked++
		}
	}
	l.Counts = c
	return c, nil
}

func cloneLaunch(l *models.Launch) models.Launch {
	out := *l
	out.Tasks = append([]models.LaunchTask(nil), l.Tasks...)
	if l.Build != nil {
		b := *l.Build
		b.LastCommits = append([]string(nil), l.Build.LastCommits...)
		out.Build = &b
	}
	if l.Parameters != nil {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		out.Parameters = params
	}
	return out
}
