package http

import (
	"encoding/json"
	"net/http"

	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/validation"
)

// CreateProject handles POST /projects/. Creating an existing name
// returns the existing project, so CI pipelines can post blindly.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
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
	writeJSON(w, http.StatusCreated, h.store.CreateProject(name))
}

// ListProjects handles GET /projects/.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects := h.store.Projects()
	paginated(w, projects, len(projects))
}

// UpsertSetting handles POST /projects/{id}/settings/.
func (h *Handler) UpsertSetting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeMessage(w, http.StatusBadRequest, "setting key is required")
		return
	}
	if err := h.store.UpsertSetting(id, req.Key, req.Value); err != nil {
		writeMessage(w, http.StatusBadRequest, "project does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

// DeleteSetting handles POST /projects/{id}/settings/delete/. Deleting
// an unknown key still answers ok.
func (h *Handler) DeleteSetting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeMessage(w, http.StatusBadRequest, "setting key is required")
		return
	}
	if err := h.store.DeleteSetting(id, req.Key); err != nil {
		writeMessage(w, http.StatusBadRequest, "project does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

// CreateComment handles POST /comments/.
func (h *Handler) CreateComment(w http.ResponseWriter, r *http.Request) {
	var c models.Comment
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if c.Comment == "" {
		writeMessage(w, http.StatusBadRequest, "comment is required")
		return
	}
	writeJSON(w, http.StatusCreated, h.store.CreateComment(c))
}

// ListComments handles GET /comments/.
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	comments := h.store.Comments()
	paginated(w, comments, len(comments))
}
