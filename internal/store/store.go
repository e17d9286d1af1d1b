// Package store keeps the service's entities in memory behind a single
// RWMutex. All accessors return copies; nothing hands out pointers into
// the maps.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/2gis/cdws/internal/models"
)

// ErrNotFound is returned when an entity id does not exist.
var ErrNotFound = errors.New("not found")

// Store is the in-memory database.
type Store struct {
	mu  sync.RWMutex
	loc *time.Location

	seq map[string]int64

	projects     map[int64]*models.Project
	testPlans    map[int64]*models.TestPlan
	launchItems  map[int64]*models.LaunchItem
	launches     map[int64]*models.Launch
	results      map[int64]*models.TestResult
	bugs         map[int64]*models.Bug
	stages       map[int64]*models.Stage
	comments     map[int64]*models.Comment
	metrics      map[int64]*models.Metric
	metricValues map[int64]*models.MetricValue

	now func() time.Time
}

// New creates an empty store. loc anchors the midnight boundaries used
// by the days/from/to filters.
func New(loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		loc:          loc,
		seq:          make(map[string]int64),
		projects:     make(map[int64]*models.Project),
		testPlans:    make(map[int64]*models.TestPlan),
		launchItems:  make(map[int64]*models.LaunchItem),
		launches:     make(map[int64]*models.Launch),
		results:      make(map[int64]*models.TestResult),
		bugs:         make(map[int64]*models.Bug),
		stages:       make(map[int64]*models.Stage),
		comments:     make(map[int64]*models.Comment),
		metrics:      make(map[int64]*models.Metric),
		metricValues: make(map[int64]*models.MetricValue),
		now:          time.Now,
	}
}

// SetClock overrides the store's clock. For tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID(entity string) int64 {
	s.seq[entity]++
	return s.seq[entity]
}

// startOfDay returns midnight of t in the store's zone.
func (s *Store) startOfDay(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

// daysWindowStart computes the lower bound for a days=N filter:
// N=1 covers today, N=0 covers nothing.
func (s *Store) daysWindowStart(days int) time.Time {
	return s.startOfDay(s.now()).AddDate(0, 0, 1-days)
}

// Projects

// CreateProject returns the existing project when the name is taken, so
// repeated creation from CI pipelines is idempotent.
func (s *Store) CreateProject(name string) models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return *p
		}
	}
	p := &models.Project{
		ID:       s.nextID("project"),
		Name:     name,
		Settings: []models.Setting{},
		Created:  s.now(),
	}
	s.projects[p.ID] = p
	return *p
}

func (s *Store) Project(id int64) (models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	return cloneProject(p), nil
}

// ProjectByName looks a project up by its unique name.
func (s *Store) ProjectByName(name string) (models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.Name == name {
			return cloneProject(p), nil
		}
	}
	return models.Project{}, ErrNotFound
}

func (s *Store) Projects() []models.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertSetting sets a project setting, replacing the value when the
// key already exists.
func (s *Store) UpsertSetting(projectID int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	for i := range p.Settings {
		if p.Settings[i].Key == key {
			p.Settings[i].Value = value
			return nil
		}
	}
	p.Settings = append(p.Settings, models.Setting{Key: key, Value: value})
	return nil
}

// DeleteSetting removes a setting by key. Unknown keys are ignored:
// deletion is idempotent from the caller's point of view.
func (s *Store) DeleteSetting(projectID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	for i := range p.Settings {
		if p.Settings[i].Key == key {
			p.Settings = append(p.Settings[:i], p.Settings[i+1:]...)
			return nil
		}
	}
	return nil
}

func cloneProject(p *models.Project) models.Project {
	out := *p
	out.Settings = append([]models.Setting(nil), p.Settings...)
	return out
}

// Test plans

// TestPlanFilter narrows TestPlans listings. Nil slices mean "no
// filtering"; empty __in parameters decode to nil.
type TestPlanFilter struct {
	ProjectIDs []int64
	IDs        []int64
}

// CreateTestPlan is get-or-create keyed on (project, name).
func (s *Store) CreateTestPlan(tp models.TestPlan) models.TestPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.testPlans {
		if existing.Project == tp.Project && existing.Name == tp.Name {
			return *existing
		}
	}
	tp.ID = s.nextID("testplan")
	s.testPlans[tp.ID] = &tp
	return tp
}

func (s *Store) TestPlan(id int64) (models.TestPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tp, ok := s.testPlans[id]
	if !ok {
		return models.TestPlan{}, ErrNotFound
	}
	return *tp, nil
}

func (s *Store) SaveTestPlan(tp models.TestPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.testPlans[tp.ID]; !ok {
		return ErrNotFound
	}
	s.testPlans[tp.ID] = &tp
	return nil
}

func (s *Store) TestPlans(f TestPlanFilter) []models.TestPlan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TestPlan, 0, len(s.testPlans))
	for _, tp := range s.testPlans {
		if f.ProjectIDs != nil && !containsID(f.ProjectIDs, tp.Project) {
			continue
		}
		if f.IDs != nil && !containsID(f.IDs, tp.ID) {
			continue
		}
		out = append(out, *tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Launch items

func (s *Store) CreateLaunchItem(item models.LaunchItem) models.LaunchItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.nextID("launchitem")
	s.launchItems[item.ID] = &item
	return item
}

func (s *Store) LaunchItem(id int64) (models.LaunchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.launchItems[id]
	if !ok {
		return models.LaunchItem{}, ErrNotFound
	}
	return *item, nil
}

// LaunchItems lists items, optionally narrowed to one test plan
// (testPlanID <= 0 lists everything).
func (s *Store) LaunchItems(testPlanID int64) []models.LaunchItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LaunchItem, 0, len(s.launchItems))
	for _, item := range s.launchItems {
		if testPlanID > 0 && item.TestPlan != testPlanID {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Comments

func (s *Store) CreateComment(c models.Comment) models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextID("comment")
	c.Created = s.now()
	s.comments[c.ID] = &c
	return c
}

func (s *Store) Comments() []models.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Comment, 0, len(s.comments))
	for _, c := range s.comments {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
