package store

import (
	"sort"
	"strings"

	"github.com/2gis/cdws/internal/models"
)

// Bugs

func (s *Store) CreateBug(b models.Bug) models.Bug {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = s.nextID("bug")
	now := s.now()
	b.Created = now
	b.Updated = now
	b.StateChanged = now
	s.bugs[b.ID] = &b
	return b
}

func (s *Store) Bug(id int64) (models.Bug, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bugs[id]
	if !ok {
		return models.Bug{}, ErrNotFound
	}
	return *b, nil
}

func (s *Store) SaveBug(b models.Bug) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.bugs[b.ID]
	if !ok {
		return ErrNotFound
	}
	b.Updated = s.now()
	if prev.Status != b.Status {
		b.StateChanged = b.Updated
	}
	s.bugs[b.ID] = &b
	return nil
}

func (s *Store) DeleteBug(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bugs, id)
}

// Bugs lists bugs, optionally narrowed by issue-name prefixes (the part
// of the external id before the dash, e.g. "JIRA" for JIRA-1).
func (s *Store) Bugs(prefixes []string) []models.Bug {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Bug, 0, len(s.bugs))
	for _, b := range s.bugs {
		if prefixes != nil && !matchesPrefix(b.ExternalID, prefixes) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesPrefix(externalID string, prefixes []string) bool {
	name := externalID
	if i := strings.Index(externalID, "-"); i > 0 {
		name = externalID[:i]
	}
	for _, p := range prefixes {
		if name == p {
			return true
		}
	}
	return false
}

// Stages

// GetOrCreateStage finds a project's stage by name, creating it in the
// pending state when a notification for an unknown stage arrives.
func (s *Store) GetOrCreateStage(projectID int64, name string) models.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.stages {
		if st.Project == projectID && st.Name == name {
			return *st
		}
	}
	st := &models.Stage{
		ID:      s.nextID("stage"),
		Project: projectID,
		Name:    name,
		State:   models.StagePending,
	}
	s.stages[st.ID] = st
	return *st
}

func (s *Store) Stage(id int64) (models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[id]
	if !ok {
		return models.Stage{}, ErrNotFound
	}
	return *st, nil
}

func (s *Store) SaveStage(st models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stages[st.ID]; !ok {
		return ErrNotFound
	}
	s.stages[st.ID] = &st
	return nil
}

func (s *Store) Stages() []models.Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Stage, 0, len(s.stages))
	for _, st := range s.stages {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
