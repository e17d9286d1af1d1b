package store

import (
	"sort"

	"github.com/2gis/cdws/internal/models"
)

// ErrDuplicateMetric is returned when a metric name is already taken
// within the project.
var ErrDuplicateMetric = errDuplicateMetric{}

type errDuplicateMetric struct{}

func (errDuplicateMetric) Error() string { return "metric already exists" }

func (s *Store) CreateMetric(m models.Metric) (models.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.metrics {
		if existing.Project == m.Project && existing.Name == m.Name {
			return models.Metric{}, ErrDuplicateMetric
		}
	}
	m.ID = s.nextID("metric")
	s.metrics[m.ID] = &m
	return m, nil
}

func (s *Store) Metric(id int64) (models.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[id]
	if !ok {
		return models.Metric{}, ErrNotFound
	}
	return *m, nil
}

// SaveMetric updates a metric, rejecting a rename onto a name another
// metric of the same project already holds.
func (s *Store) SaveMetric(m models.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[m.ID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.metrics {
		if existing.ID != m.ID && existing.Project == m.Project && existing.Name == m.Name {
			return ErrDuplicateMetric
		}
	}
	s.metrics[m.ID] = &m
	return nil
}

// DeleteMetric removes the metric and every value recorded for it.
func (s *Store) DeleteMetric(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[id]; !ok {
		return ErrNotFound
	}
	delete(s.metrics, id)
	for vid, v := range s.metricValues {
		if v.Metric == id {
			delete(s.metricValues, vid)
		}
	}
	return nil
}

func (s *Store) Metrics() []models.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AddMetricValue(v models.MetricValue) models.MetricValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = s.nextID("metricvalue")
	v.Created = s.now()
	s.metricValues[v.ID] = &v
	return v
}

func (s *Store) MetricValues(metricID int64) []models.MetricValue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MetricValue, 0)
	for _, v := range s.metricValues {
		if v.Metric == metricID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
