// Package sched runs the periodic jobs: bug refresh against the
// tracker, retention cleanup of old results, and one calculation job
// per registered metric.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/2gis/cdws/internal/config"
	"github.com/2gis/cdws/internal/jira"
	"github.com/2gis/cdws/internal/metrics"
	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/observability"
	"github.com/2gis/cdws/internal/store"
)

// IssueGetter is the slice of the tracker client the bug refresh job
// needs.
type IssueGetter interface {
	GetIssue(ctx context.Context, externalID string) (jira.Issue, error)
}

// Scheduler owns the cron runner and the per-metric job registry.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	cfg    *config.Config
	issues IssueGetter // nil when JIRA integration is off
	logger *zap.Logger

	mu         sync.Mutex
	metricJobs map[int64]cron.EntryID
}

func New(s *store.Store, cfg *config.Config, issues IssueGetter, logger *zap.Logger) (*Scheduler, error) {
	sc := &Scheduler{
		cron:       cron.New(cron.WithLocation(cfg.TimeZone)),
		store:      s,
		cfg:        cfg,
		issues:     issues,
		logger:     logger,
		metricJobs: make(map[int64]cron.EntryID),
	}

	if _, err := sc.cron.AddFunc(cfg.CleanupSchedule, sc.runCleanup); err != nil {
		return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	if issues != nil {
		if _, err := sc.cron.AddFunc(cfg.BugSchedule, sc.runBugRefresh); err != nil {
			return nil, fmt.Errorf("bug refresh schedule %q: %w", cfg.BugSchedule, err)
		}
	}
	return sc, nil
}

func (sc *Scheduler) Start() { sc.cron.Start() }

// Stop halts the cron runner and waits for running jobs to return.
func (sc *Scheduler) Stop() {
	<-sc.cron.Stop().Done()
}

// ValidateSchedule reports whether expr is a parseable 5-field cron
// expression. Used by the API before accepting a metric.
func ValidateSchedule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// RegisterMetric schedules the calculation job for a metric. An
// existing job for the same metric id is replaced, so reschedule after
// an update is the same call.
func (sc *Scheduler) RegisterMetric(m models.Metric) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if id, ok := sc.metricJobs[m.ID]; ok {
		sc.cron.Remove(id)
		delete(sc.metricJobs, m.ID)
	}
	metricID := m.ID
	entry, err := sc.cron.AddFunc(m.Schedule, func() { sc.runMetric(metricID) })
	if err != nil {
		return fmt.Errorf("metric %q schedule %q: %w", m.Name, m.Schedule, err)
	}
	sc.metricJobs[m.ID] = entry
	return nil
}

// UnregisterMetric removes a metric's job. Unknown ids are a no-op.
func (sc *Scheduler) UnregisterMetric(metricID int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if id, ok := sc.metricJobs[metricID]; ok {
		sc.cron.Remove(id)
		delete(sc.metricJobs, metricID)
	}
}

func (sc *Scheduler) runMetric(metricID int64) {
	m, err := sc.store.Metric(metricID)
	if err != nil {
		// deleted between scheduling and firing
		sc.UnregisterMetric(metricID)
		return
	}
	value, err := metrics.Compute(sc.store, m)
	if err != nil {
		observability.MetricJobsTotal.WithLabelValues("error").Inc()
		sc.logger.Error("metric calculation failed",
			zap.Int64("metricId", m.ID),
			zap.String("metric", m.Name),
			zap.Error(err))
		return
	}
	sc.store.AddMetricValue(models.MetricValue{Metric: m.ID, Value: value})
	observability.MetricJobsTotal.WithLabelValues("success").Inc()
	sc.logger.Info("metric calculated",
		zap.Int64("metricId", m.ID),
		zap.String("metric", m.Name),
		zap.Float64("value", value))
}

func (sc *Scheduler) runCleanup() {
	removed := sc.store.CleanupExpiredResults(sc.cfg.ResultRetention)
	observability.CleanupRemovedTotal.Add(float64(removed))
	if removed > 0 {
		sc.logger.Info("retention cleanup removed results", zap.Int("removed", removed))
	}
}

// runBugRefresh re-fetches bugs whose tracker status may be stale and
// drops bugs that have sat in an expired state past the expiry window.
func (sc *Scheduler) runBugRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now()
	for _, bug := range sc.store.Bugs(nil) {
		if sc.expired(bug, now) {
			sc.store.DeleteBug(bug.ID)
			sc.logger.Info("expired bug dropped",
				zap.String("externalId", bug.ExternalID),
				zap.String("status", bug.Status))
			continue
		}
		if now.Sub(bug.Updated) < sc.cfg.JiraUpdateAfter {
			continue
		}
		issue, err := sc.issues.GetIssue(ctx, bug.ExternalID)
		if err != nil {
			sc.logger.Warn("bug refresh failed",
				zap.String("externalId", bug.ExternalID),
				zap.Error(err))
			continue
		}
		bug.Name = issue.Summary
		bug.Status = issue.Status
		if err := sc.store.SaveBug(bug); err != nil {
			sc.logger.Warn("bug refresh save failed",
				zap.String("externalId", bug.ExternalID),
				zap.Error(err))
		}
	}
}

func (sc *Scheduler) expired(bug models.Bug, now time.Time) bool {
	for _, state := range sc.cfg.BugStateExpired {
		if bug.Status == state && now.Sub(bug.StateChanged) > sc.cfg.BugTimeExpired {
			return true
		}
	}
	return false
}
