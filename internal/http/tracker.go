package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/2gis/cdws/internal/jira"
	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/validation"
)

// CreateBug handles POST /bugs/. The external id is resolved against
// the tracker before anything is stored; a message the tracker itself
// reports (unknown issue, bad key) is relayed as the 400 message.
func (h *Handler) CreateBug(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID string `json:"externalId"`
		Regexp     string `json:"regexp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	externalID, err := validation.ValidateIssueKey(req.ExternalID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	issue, err := h.issues.GetIssue(r.Context(), externalID)
	if err != nil {
		var issueErr *jira.IssueError
		if errors.As(err, &issueErr) {
			writeMessage(w, http.StatusBadRequest, issueErr.Message)
			return
		}
		requestLogger(r, h.logger).Warn("tracker lookup failed")
		writeError(w, r, http.StatusServiceUnavailable, "TRACKER_UNAVAILABLE",
			"Unable to reach bug tracker")
		return
	}

	bug := h.store.CreateBug(models.Bug{
		ExternalID: externalID,
		Name:       issue.Summary,
		Regexp:     req.Regexp,
		Status:     issue.Status,
	})
	writeJSON(w, http.StatusCreated, bug)
}

// ListBugs handles GET /bugs/.
func (h *Handler) ListBugs(w http.ResponseWriter, r *http.Request) {
	bugs := h.store.Bugs(nil)
	paginated(w, bugs, len(bugs))
}

// BugCustomList handles GET /bugs/custom_list/?issue_names__in=: bugs
// filtered by the tracker project prefix of their external id.
func (h *Handler) BugCustomList(w http.ResponseWriter, r *http.Request) {
	bugs := h.store.Bugs(queryStringList(r, "issue_names__in"))
	paginated(w, bugs, len(bugs))
}

// GetBug handles GET /bugs/{id}/.
func (h *Handler) GetBug(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid bug id")
		return
	}
	bug, err := h.store.Bug(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "bug not found")
		return
	}
	writeJSON(w, http.StatusOK, bug)
}

// ListStages handles GET /stages/.
func (h *Handler) ListStages(w http.ResponseWriter, r *http.Request) {
	stages := h.store.Stages()
	paginated(w, stages, len(stages))
}

// PatchStage handles PATCH /stages/{id}/.
func (h *Handler) PatchStage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "stage not found")
		return
	}
	stage, err := h.store.Stage(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "stage not found")
		return
	}
	var req struct {
		Name  *string `json:"name"`
		State *string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Name != nil {
		stage.Name = *req.Name
	}
	if req.State != nil {
		stage.State = *req.State
	}
	if err := h.store.SaveStage(stage); err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "stage not found")
		return
	}
	writeJSON(w, http.StatusOK, stage)
}

// JenkinsNotification handles POST /external/jenkins/{project}/: the
// Jenkins notification plugin payload flips the named stage to success
// or danger.
func (h *Handler) JenkinsNotification(w http.ResponseWriter, r *http.Request) {
	if ct := contentType(r); ct != "application/json" {
		writeUnsupportedMediaType(w, ct)
		return
	}
	projectName := pathString(r, "project")
	project, err := h.store.ProjectByName(projectName)
	if err != nil {
		writeMessage(w, http.StatusBadRequest,
			fmt.Sprintf("Project %s does not exist", projectName))
		return
	}

	var req struct {
		Name  string `json:"name"`
		Build struct {
			Status string `json:"status"`
		} `json:"build"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeMessage(w, http.StatusBadRequest, "invalid notification body")
		return
	}

	stage := h.store.GetOrCreateStage(project.ID, req.Name)
	stage.State = models.StageDanger
	if req.Build.Status == "SUCCESS" {
		stage.State = models.StageSuccess
	}
	if err := h.store.SaveStage(stage); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "stage save failed")
		return
	}
	writeJSON(w, http.StatusOK, stage)
}

// rundeckNotification mirrors the XML body Rundeck posts on job
// completion. The stage name comes from the job group.
type rundeckNotification struct {
	Status     string `xml:"status,attr"`
	Executions struct {
		Execution []struct {
			Status string `xml:"status,attr"`
			Job    struct {
				Group string `xml:"group"`
				Name  string `xml:"name"`
			} `xml:"job"`
		} `xml:"execution"`
	} `xml:"executions"`
}

// RundeckNotification handles POST /external/rundeck/{project}/.
func (h *Handler) RundeckNotification(w http.ResponseWriter, r *http.Request) {
	ct := contentType(r)
	if ct != "text/xml" && ct != "application/xml" {
		writeUnsupportedMediaType(w, ct)
		return
	}
	project, err := h.store.ProjectByName(pathString(r, "project"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "project not found")
		return
	}

	var note rundeckNotification
	if err := decodeXML(r, &note); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid notification body")
		return
	}

	for _, exec := range note.Executions.Execution {
		name := exec.Job.Group
		if name == "" {
			name = exec.Job.Name
		}
		if name == "" {
			continue
		}
		stage := h.store.GetOrCreateStage(project.ID, name)
		stage.State = models.StageDanger
		if exec.Status == "succeeded" {
			stage.State = models.StageSuccess
		}
		if err := h.store.SaveStage(stage); err != nil {
			writeError(w, r, http.StatusInternalServerError, "INTERNAL", "stage save failed")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func contentType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

func writeUnsupportedMediaType(w http.ResponseWriter, ct string) {
	writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
		"detail": fmt.Sprintf("Unsupported media type \"%s\" in request.", ct),
	})
}
