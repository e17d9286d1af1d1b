package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2gis/cdws/internal/broker"
	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/observability"
	"github.com/2gis/cdws/internal/store"
	"github.com/2gis/cdws/internal/validation"
)

// CreateTestPlan handles POST /testplans/. Get-or-create keyed on
// (project, name); a freshly created plan starts hidden.
func (h *Handler) CreateTestPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project             int64  `json:"project"`
		Name                string `json:"name"`
		Filter              string `json:"filter"`
		Description         string `json:"description"`
		VariableName        string `json:"variable_name"`
		VariableValueRegexp string `json:"variable_value_regexp"`
		Owner               string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	name, err := validation.ValidateName(req.Name, 128)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.store.Project(req.Project); err != nil {
		writeMessage(w, http.StatusBadRequest, "project does not exist")
		return
	}
	tp := h.store.CreateTestPlan(models.TestPlan{
		Project:             req.Project,
		Name:                name,
		Hidden:              true,
		Filter:              req.Filter,
		Description:         req.Description,
		VariableName:        req.VariableName,
		VariableValueRegexp: req.VariableValueRegexp,
		Owner:               req.Owner,
	})
	writeJSON(w, http.StatusCreated, tp)
}

// ListTestPlans handles GET /testplans/.
func (h *Handler) ListTestPlans(w http.ResponseWriter, r *http.Request) {
	plans := h.store.TestPlans(store.TestPlanFilter{})
	paginated(w, plans, len(plans))
}

// TestPlanCustomList handles GET /testplans/custom_list/. Empty __in
// parameters mean no filtering.
func (h *Handler) TestPlanCustomList(w http.ResponseWriter, r *http.Request) {
	plans := h.store.TestPlans(store.TestPlanFilter{
		ProjectIDs: queryIDList(r, "project_id__in"),
		IDs:        queryIDList(r, "id__in"),
	})
	paginated(w, plans, len(plans))
}

// PatchTestPlan handles PATCH /testplans/{id}/. Absent fields keep
// their stored values.
func (h *Handler) PatchTestPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid test plan id")
		return
	}
	tp, err := h.store.TestPlan(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "test plan not found")
		return
	}
	var req struct {
		Name                *string `json:"name"`
		Hidden              *bool   `json:"hidden"`
		Main                *bool   `json:"main"`
		ShowInSummary       *bool   `json:"show_in_summary"`
		ShowInTwodays       *bool   `json:"show_in_twodays"`
		Filter              *string `json:"filter"`
		Description         *string `json:"description"`
		VariableName        *string `json:"variable_name"`
		VariableValueRegexp *string `json:"variable_value_regexp"`
		Owner               *string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Name != nil {
		tp.Name = *req.Name
	}
	if req.Hidden != nil {
		tp.Hidden = *req.Hidden
	}
	if req.Main != nil {
		tp.Main = *req.Main
	}
	if req.ShowInSummary != nil {
		tp.ShowInSummary = *req.ShowInSummary
	}
	if req.ShowInTwodays != nil {
		tp.ShowInTwodays = *req.ShowInTwodays
	}
	if req.Filter != nil {
		tp.Filter = *req.Filter
	}
	if req.Description != nil {
		tp.Description = *req.Description
	}
	if req.VariableName != nil {
		tp.VariableName = *req.VariableName
	}
	if req.VariableValueRegexp != nil {
		tp.VariableValueRegexp = *req.VariableValueRegexp
	}
	if req.Owner != nil {
		tp.Owner = *req.Owner
	}
	if err := h.store.SaveTestPlan(tp); err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "test plan not found")
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

// CreateLaunchItem handles POST /launch-items/.
func (h *Handler) CreateLaunchItem(w http.ResponseWriter, r *http.Request) {
	var item models.LaunchItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if item.Type != models.TypeInitScript && item.Type != models.TypeAsyncCall {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Type %q is not a valid choice", item.Type))
		return
	}
	if _, err := h.store.TestPlan(item.TestPlan); err != nil {
		writeMessage(w, http.StatusBadRequest, "test plan does not exist")
		return
	}
	writeJSON(w, http.StatusCreated, h.store.CreateLaunchItem(item))
}

// ListLaunchItems handles GET /launch-items/?testplan=.
func (h *Handler) ListLaunchItems(w http.ResponseWriter, r *http.Request) {
	items := h.store.LaunchItems(queryInt64(r, "testplan"))
	paginated(w, items, len(items))
}

type executeOptions struct {
	StartedBy   string   `json:"started_by"`
	Version     string   `json:"version"`
	Hash        string   `json:"hash"`
	Branch      string   `json:"branch"`
	LastCommits []string `json:"last_commits"`
}

// ExecuteTestPlan handles POST /testplans/{id}/execute/: creates a
// launch from the plan's items and enqueues one task per item. Only the
// first init_script item is scheduled; the rest are dropped so a single
// deploy precedes the async calls.
func (h *Handler) ExecuteTestPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid test plan id")
		return
	}
	tp, err := h.store.TestPlan(id)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "test plan does not exist")
		return
	}

	var req struct {
		Options     executeOptions  `json:"options"`
		LaunchItems json.RawMessage `json:"launch_items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}

	items, err := h.resolveItems(tp.ID, req.LaunchItems)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(items) == 0 {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("No launch items to execute for test plan %s", tp.Name))
		return
	}

	tasks := make([]broker.Task, 0, len(items))
	launchTasks := make([]models.LaunchTask, 0, len(items))
	for _, item := range items {
		task := broker.Task{
			ID:           uuid.New().String(),
			LaunchItemID: item.ID,
			Type:         item.Type,
			Command:      item.Command,
			Timeout:      time.Duration(item.Timeout) * time.Second,
		}
		tasks = append(tasks, task)
		launchTasks = append(launchTasks, models.LaunchTask{
			TaskID:     task.ID,
			LaunchItem: item.ID,
			Status:     broker.StatusPending,
		})
	}

	// the task list must be on record before anything is queued, so a
	// worker notification arriving right after Enqueue finds its task
	launch := h.store.CreateLaunch(models.Launch{
		TestPlan:  tp.ID,
		State:     models.LaunchInProgress,
		StartedBy: req.Options.StartedBy,
		Build:     h.buildFromOptions(req.Options),
		Tasks:     launchTasks,
	})

	for i := range tasks {
		tasks[i].LaunchID = launch.ID
		if err := h.broker.Enqueue(r.Context(), tasks[i]); err != nil {
			requestLogger(r, h.logger).Error("enqueue task")
			h.abortLaunch(r.Context(), launch, tasks[:i])
			writeError(w, r, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE",
				"Unable to schedule launch tasks")
			return
		}
	}

	observability.LaunchesTotal.WithLabelValues("execute").Inc()
	writeJSON(w, http.StatusOK, map[string]int64{"launch_id": launch.ID})
}

// abortLaunch revokes whatever was queued before an enqueue failure and
// stops the launch so it cannot sit in_progress forever.
func (h *Handler) abortLaunch(ctx context.Context, launch models.Launch, queued []broker.Task) {
	for _, task := range queued {
		if err := h.broker.Revoke(ctx, task.ID); err != nil {
			h.logger.Warn("revoke task failed")
		}
	}
	for i := range launch.Tasks {
		launch.Tasks[i].Status = broker.StatusRevoked
	}
	launch.State = models.LaunchStopped
	if err := h.store.SaveLaunch(launch); err != nil {
		h.logger.Warn("abort launch save failed")
	}
}

// resolveItems picks the items to schedule: the requested subset (or
// every item of the plan), init_script deduplicated to the first one
// and ordered ahead of the async calls.
func (h *Handler) resolveItems(testPlanID int64, raw json.RawMessage) ([]models.LaunchItem, error) {
	all := h.store.LaunchItems(testPlanID)

	selected := all
	if len(raw) > 0 && string(raw) != "null" {
		var ids []int64
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("Invalid launch_items format '%s', expect array of ids", raw)
		}
		wanted := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			wanted[id] = struct{}{}
		}
		selected = selected[:0:0]
		for _, item := range all {
			if _, ok := wanted[item.ID]; ok {
				selected = append(selected, item)
			}
		}
	}

	var init *models.LaunchItem
	var rest []models.LaunchItem
	for i := range selected {
		item := selected[i]
		if item.Type == models.TypeInitScript {
			if init == nil {
				init = &item
			}
			continue
		}
		rest = append(rest, item)
	}
	if init != nil {
		return append([]models.LaunchItem{*init}, rest...), nil
	}
	return rest, nil
}

// buildFromOptions always returns a build so consumers can rely on the
// field being present, even when every attribute is empty.
func (h *Handler) buildFromOptions(opts executeOptions) *models.Build {
	commits := opts.LastCommits
	if len(commits) > h.cfg.LastCommitsSize {
		commits = commits[:h.cfg.LastCommitsSize]
	}
	hash := opts.Hash
	if hash == "" && len(commits) > 0 {
		hash = commits[0]
	}
	return &models.Build{
		Version:     opts.Version,
		Hash:        hash,
		Branch:      opts.Branch,
		LastCommits: commits,
	}
}
