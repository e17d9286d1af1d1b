package http

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/observability"
	"github.com/2gis/cdws/internal/report"
)

// maxReportBytes caps uploaded report files.
const maxReportBytes = 64 << 20

// uploadData is the optional "data" form field: launch parameters
// gathered by the CI job alongside the report itself.
type uploadData struct {
	Env     map[string]interface{} `json:"env"`
	Options struct {
		StartedBy   string   `json:"started_by"`
		Duration    string   `json:"duration"`
		LastCommits []string `json:"last_commits"`
	} `json:"options"`
}

// UploadReport handles POST /external/report-xunit/{testplan}/{format}/{filename}.
// A report is always attached to a launch: the one given in the launch
// form field, or a fresh one for the test plan. A report that fails to
// parse still produces the launch; the parse error is recorded as a
// comment so the dashboard shows why the launch is empty.
func (h *Handler) UploadReport(w http.ResponseWriter, r *http.Request) {
	testPlanID, err := strconv.ParseInt(pathString(r, "testplan"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid test plan id")
		return
	}
	tp, err := h.store.TestPlan(testPlanID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "test plan does not exist")
		return
	}

	format := pathString(r, "format")
	if format != report.FormatJUnit && format != report.FormatNUnit {
		writeMessage(w, http.StatusBadRequest, "Unknown file format")
		return
	}

	if err := r.ParseMultipartForm(maxReportBytes); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "report file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, maxReportBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unable to read report file")
		return
	}

	var data *uploadData
	var rawData map[string]interface{}
	if v := r.FormValue("data"); v != "" {
		data = &uploadData{}
		if err := json.Unmarshal([]byte(v), data); err != nil {
			writeMessage(w, http.StatusBadRequest,
				fmt.Sprintf("Invalid data field: %v", err))
			return
		}
		_ = json.Unmarshal([]byte(v), &rawData)
	}

	launch, err := h.uploadLaunch(r, tp.ID)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	parsed, parseErr := report.Parse(format, content)
	if parseErr != nil {
		h.store.CreateComment(models.Comment{
			Comment: fmt.Sprintf(
				"During xml parsing the following error is received: %q", parseErr.Error()),
			ContentType: "launch",
			ObjectPK:    launch.ID,
			UserData:    map[string]string{"username": "xml-parser"},
		})
	}

	for i := range parsed.Results {
		parsed.Results[i].Launch = launch.ID
	}
	for _, res := range h.store.AddResults(parsed.Results) {
		observability.ResultsIngestedTotal.WithLabelValues(res.State).Inc()
	}

	launch.State = models.LaunchFinished
	launch.Duration = parsed.Duration
	if data != nil {
		launch.Parameters = rawData
		launch.StartedBy = data.Options.StartedBy
		if d, err := strconv.ParseFloat(data.Options.Duration, 64); err == nil {
			launch.Duration = d
		}
		launch.Build = h.buildFromOptions(executeOptions{
			LastCommits: data.Options.LastCommits,
		})
	}
	if launch.Build == nil {
		launch.Build = &models.Build{}
	}
	if err := h.store.SaveLaunch(launch); err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "launch save failed")
		return
	}
	if _, err := h.store.CalculateCounts(launch.ID); err != nil {
		requestLogger(r, h.logger).Warn("recalculate counts failed")
	}

	writeJSON(w, http.StatusOK, map[string]int64{"launch_id": launch.ID})
}

// uploadLaunch resolves the target launch: the launch form field when
// present, otherwise a new launch for the plan.
func (h *Handler) uploadLaunch(r *http.Request, testPlanID int64) (models.Launch, error) {
	if v := r.FormValue("launch"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return models.Launch{}, fmt.Errorf("invalid launch id %q", v)
		}
		launch, err := h.store.Launch(id)
		if err != nil {
			return models.Launch{}, fmt.Errorf("Launch with id=%d does not exist", id)
		}
		return launch, nil
	}
	launch := h.store.CreateLaunch(models.Launch{TestPlan: testPlanID})
	observability.LaunchesTotal.WithLabelValues("report").Inc()
	return launch, nil
}

func decodeXML(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes))
	if err != nil {
		return err
	}
	return xml.Unmarshal(body, v)
}
