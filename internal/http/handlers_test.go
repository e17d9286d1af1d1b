package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/2gis/cdws/internal/broker"
	"github.com/2gis/cdws/internal/config"
	"github.com/2gis/cdws/internal/jira"
	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/store"
)

type schedulerStub struct {
	registered   []models.Metric
	unregistered []int64
}

func (s *schedulerStub) RegisterMetric(m models.Metric) error {
	s.registered = append(s.registered, m)
	return nil
}

func (s *schedulerStub) UnregisterMetric(metricID int64) {
	s.unregistered = append(s.unregistered, metricID)
}

type issuesStub struct {
	issue jira.Issue
	err   error
}

func (s *issuesStub) GetIssue(context.Context, string) (jira.Issue, error) {
	return s.issue, s.err
}

type fixture struct {
	store  *store.Store
	broker *broker.InprocBroker
	jobs   *schedulerStub
	cfg    *config.Config
	srv    *httptest.Server
}

func newFixture(t *testing.T, issues IssueGetter) *fixture {
	return newFixtureWith(t, issues, nil)
}

// newFixtureWith lets a test wrap the queue the handler sees; the
// fixture keeps the bare inproc broker for direct assertions.
func newFixtureWith(t *testing.T, issues IssueGetter, queue broker.Broker) *fixture {
	t.Helper()
	cfg := &config.Config{
		APIPath:         "api",
		RequestTimeout:  5 * time.Second,
		TimeZone:        time.UTC,
		LastCommitsSize: 15,
		AuthUser:        "ci",
		AuthPassword:    "secret",
	}
	f := &fixture{
		store:  store.New(cfg.TimeZone),
		broker: broker.NewInprocBroker(),
		jobs:   &schedulerStub{},
		cfg:    cfg,
	}
	if queue == nil {
		queue = f.broker
	}
	h := NewHandler(f.store, queue, issues, f.jobs, cfg, zap.NewNop())
	f.srv = httptest.NewServer(h.Router(rate.NewLimiter(rate.Inf, 0)))
	t.Cleanup(func() {
		f.srv.Close()
		f.broker.Close()
	})
	return f
}

func (f *fixture) request(t *testing.T, method, path, contentType string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func (f *fixture) doJSON(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	return f.request(t, method, path, "application/json", raw)
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func message(t *testing.T, data []byte) string {
	t.Helper()
	var m struct {
		Message string `json:"message"`
	}
	decode(t, data, &m)
	return m.Message
}

func (f *fixture) createProject(t *testing.T, name string) models.Project {
	t.Helper()
	return f.store.CreateProject(name)
}

func (f *fixture) createPlan(t *testing.T, projectID int64, name string) models.TestPlan {
	t.Helper()
	return f.store.CreateTestPlan(models.TestPlan{Project: projectID, Name: name})
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	status, data := f.request(t, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp struct {
		Status string `json:"status"`
	}
	decode(t, data, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestCreateProjectGetOrCreate(t *testing.T) {
	f := newFixture(t, nil)

	status, data := f.doJSON(t, http.MethodPost, "/api/projects/", map[string]string{"name": "chat"})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var first models.Project
	decode(t, data, &first)

	_, data = f.doJSON(t, http.MethodPost, "/api/projects/", map[string]string{"name": "chat"})
	var second models.Project
	decode(t, data, &second)
	if first.ID != second.ID {
		t.Errorf("same name gave ids %d and %d", first.ID, second.ID)
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/projects/", map[string]string{"name": "bad|name"})
	if status != http.StatusBadRequest {
		t.Errorf("invalid name status = %d, body %s", status, data)
	}
}

func TestProjectSettings(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "settings")
	path := fmt.Sprintf("/api/projects/%d/settings/", project.ID)

	status, data := f.doJSON(t, http.MethodPost, path, map[string]string{"key": "notify", "value": "on"})
	if status != http.StatusOK || message(t, data) != "ok" {
		t.Fatalf("upsert: status = %d, body %s", status, data)
	}

	status, data = f.doJSON(t, http.MethodPost, path+"delete/", map[string]string{"key": "notify"})
	if status != http.StatusOK || message(t, data) != "ok" {
		t.Fatalf("delete: status = %d, body %s", status, data)
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/projects/999/settings/", map[string]string{"key": "k"})
	if status != http.StatusBadRequest || message(t, data) != "project does not exist" {
		t.Errorf("unknown project: status = %d, body %s", status, data)
	}
}

func TestCreateTestPlanStartsHidden(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "plans")

	status, data := f.doJSON(t, http.MethodPost, "/api/testplans/", map[string]interface{}{
		"project": project.ID,
		"name":    "nightly",
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var tp models.TestPlan
	decode(t, data, &tp)
	if !tp.Hidden {
		t.Error("new test plan must start hidden")
	}
}

func TestExecuteTestPlan(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "exec")
	plan := f.createPlan(t, project.ID, "smoke")
	init1 := f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeInitScript, Command: "deploy.sh"})
	f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeInitScript, Command: "deploy2.sh"})
	call := f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeAsyncCall, Command: "run.sh"})

	status, data := f.doJSON(t, http.MethodPost,
		fmt.Sprintf("/api/testplans/%d/execute/", plan.ID),
		map[string]interface{}{"options": map[string]interface{}{"started_by": "jenkins"}})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp struct {
		LaunchID int64 `json:"launch_id"`
	}
	decode(t, data, &resp)

	launch, err := f.store.Launch(resp.LaunchID)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if launch.State != models.LaunchInProgress {
		t.Errorf("state = %q", launch.State)
	}
	// duplicate init scripts collapse to the first one, scheduled ahead
	if len(launch.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(launch.Tasks))
	}
	if launch.Tasks[0].LaunchItem != init1.ID || launch.Tasks[1].LaunchItem != call.ID {
		t.Errorf("task order = %d, %d", launch.Tasks[0].LaunchItem, launch.Tasks[1].LaunchItem)
	}
	for _, task := range launch.Tasks {
		if task.Status != broker.StatusPending {
			t.Errorf("task %s status = %q", task.TaskID, task.Status)
		}
	}
	if launch.StartedBy != "jenkins" {
		t.Errorf("started_by = %q", launch.StartedBy)
	}
	if launch.Build == nil {
		t.Error("build must always be present")
	}
}

func TestExecuteTestPlanSubsetAndErrors(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "exec-errors")
	plan := f.createPlan(t, project.ID, "smoke")
	item := f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeAsyncCall, Command: "run.sh"})
	f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeAsyncCall, Command: "other.sh"})
	path := fmt.Sprintf("/api/testplans/%d/execute/", plan.ID)

	status, data := f.doJSON(t, http.MethodPost, path,
		map[string]interface{}{"launch_items": []int64{item.ID}})
	if status != http.StatusOK {
		t.Fatalf("subset: status = %d, body %s", status, data)
	}
	var resp struct {
		LaunchID int64 `json:"launch_id"`
	}
	decode(t, data, &resp)
	launch, _ := f.store.Launch(resp.LaunchID)
	if len(launch.Tasks) != 1 || launch.Tasks[0].LaunchItem != item.ID {
		t.Errorf("subset tasks = %+v", launch.Tasks)
	}

	status, data = f.doJSON(t, http.MethodPost, path,
		map[string]interface{}{"launch_items": "boom"})
	if status != http.StatusBadRequest || !strings.Contains(message(t, data), "expect array of ids") {
		t.Errorf("bad format: status = %d, body %s", status, data)
	}

	status, data = f.doJSON(t, http.MethodPost, path,
		map[string]interface{}{"launch_items": []int64{}})
	want := "No launch items to execute for test plan smoke"
	if status != http.StatusBadRequest || message(t, data) != want {
		t.Errorf("empty subset: status = %d, body %s", status, data)
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/testplans/999/execute/", map[string]interface{}{})
	if status != http.StatusBadRequest {
		t.Errorf("unknown plan: status = %d, body %s", status, data)
	}
}

// orderCheckBroker verifies the launch already records a task when it
// reaches the queue, so a worker notification can never miss it.
type orderCheckBroker struct {
	broker.Broker
	store *store.Store
	t     *testing.T
	seen  int
}

func (b *orderCheckBroker) Enqueue(ctx context.Context, task broker.Task) error {
	b.seen++
	launch, err := b.store.Launch(task.LaunchID)
	if err != nil {
		b.t.Errorf("launch %d not stored before enqueue: %v", task.LaunchID, err)
		return b.Broker.Enqueue(ctx, task)
	}
	found := false
	for _, lt := range launch.Tasks {
		if lt.TaskID == task.ID {
			found = true
		}
	}
	if !found {
		b.t.Errorf("task %s enqueued before the launch recorded it", task.ID)
	}
	return b.Broker.Enqueue(ctx, task)
}

func TestExecuteTestPlanRecordsTasksBeforeEnqueue(t *testing.T) {
	cb := &orderCheckBroker{t: t}
	f := newFixtureWith(t, nil, cb)
	cb.Broker = f.broker
	cb.store = f.store

	project := f.createProject(t, "ordering")
	plan := f.createPlan(t, project.ID, "smoke")
	f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeInitScript, Command: "deploy.sh"})
	f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeAsyncCall, Command: "run.sh"})

	status, data := f.doJSON(t, http.MethodPost,
		fmt.Sprintf("/api/testplans/%d/execute/", plan.ID), map[string]interface{}{})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	if cb.seen != 2 {
		t.Errorf("enqueued tasks = %d, want 2", cb.seen)
	}
}

type failingEnqueueBroker struct {
	broker.Broker
	failAfter int
	calls     int
}

func (b *failingEnqueueBroker) Enqueue(ctx context.Context, task broker.Task) error {
	b.calls++
	if b.calls > b.failAfter {
		return errors.New("queue unavailable")
	}
	return b.Broker.Enqueue(ctx, task)
}

func TestExecuteTestPlanEnqueueFailureStopsLaunch(t *testing.T) {
	fb := &failingEnqueueBroker{failAfter: 1}
	f := newFixtureWith(t, nil, fb)
	fb.Broker = f.broker

	project := f.createProject(t, "broker-down")
	plan := f.createPlan(t, project.ID, "smoke")
	f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeInitScript, Command: "deploy.sh"})
	f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeAsyncCall, Command: "run.sh"})

	status, data := f.doJSON(t, http.MethodPost,
		fmt.Sprintf("/api/testplans/%d/execute/", plan.ID), map[string]interface{}{})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", status, data)
	}

	launches := f.store.Launches(store.LaunchFilter{})
	if len(launches) != 1 {
		t.Fatalf("launches = %d, want 1", len(launches))
	}
	launch := launches[0]
	if launch.State != models.LaunchStopped {
		t.Errorf("state = %q, want stopped", launch.State)
	}
	for _, task := range launch.Tasks {
		if task.Status != broker.StatusRevoked {
			t.Errorf("task %s status = %q, want REVOKED", task.TaskID, task.Status)
		}
	}
	revoked, _ := f.broker.IsRevoked(context.Background(), launch.Tasks[0].TaskID)
	if !revoked {
		t.Error("queued task not revoked in broker")
	}
}

func TestExecuteBuildDefaultsHashToFirstCommit(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "build")
	plan := f.createPlan(t, project.ID, "smoke")
	f.store.CreateLaunchItem(models.LaunchItem{TestPlan: plan.ID, Type: models.TypeAsyncCall, Command: "run.sh"})

	_, data := f.doJSON(t, http.MethodPost,
		fmt.Sprintf("/api/testplans/%d/execute/", plan.ID),
		map[string]interface{}{"options": map[string]interface{}{
			"branch":       "master",
			"last_commits": []string{"abc123", "def456"},
		}})
	var resp struct {
		LaunchID int64 `json:"launch_id"`
	}
	decode(t, data, &resp)
	launch, _ := f.store.Launch(resp.LaunchID)
	if launch.Build.Hash != "abc123" {
		t.Errorf("hash = %q, want first commit", launch.Build.Hash)
	}
	if launch.Build.Branch != "master" {
		t.Errorf("branch = %q", launch.Build.Branch)
	}
}

func TestUpdateLaunchMetrics(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "metrics")
	plan := f.createPlan(t, project.ID, "smoke")
	launch := f.store.CreateLaunch(models.Launch{TestPlan: plan.ID})
	path := fmt.Sprintf("/api/launches/%d/update_metrics/", launch.ID)

	body := []byte(`{"options": 1}`)
	status, data := f.request(t, http.MethodPost, path, "application/json", body)
	want := fmt.Sprintf("No metrics in post request: %s", body)
	if status != http.StatusBadRequest || message(t, data) != want {
		t.Errorf("no metrics: status = %d, body %s", status, data)
	}

	status, data = f.request(t, http.MethodPost, path, "application/json",
		[]byte(`{"metrics": "blabla"}`))
	want = "Invalid format for metrics 'blabla', expect object"
	if status != http.StatusBadRequest || message(t, data) != want {
		t.Errorf("bad metrics: status = %d, body %s", status, data)
	}

	status, data = f.request(t, http.MethodPost, path, "application/json",
		[]byte(`{"metrics": {"passrate": 0.95}}`))
	if status != http.StatusOK {
		t.Fatalf("valid metrics: status = %d, body %s", status, data)
	}
	got, _ := f.store.Launch(launch.ID)
	metrics, ok := got.Parameters["metrics"].(map[string]interface{})
	if !ok || metrics["passrate"] != 0.95 {
		t.Errorf("stored metrics = %#v", got.Parameters["metrics"])
	}

	status, data = f.request(t, http.MethodPost, "/api/launches/42/update_metrics/",
		"application/json", []byte(`{"metrics": {}}`))
	if status != http.StatusBadRequest || message(t, data) != "Launch with id=42 does not exist" {
		t.Errorf("unknown launch: status = %d, body %s", status, data)
	}
}

func TestTerminateTasks(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "terminate")
	plan := f.createPlan(t, project.ID, "smoke")
	launch := f.store.CreateLaunch(models.Launch{
		TestPlan: plan.ID,
		State:    models.LaunchInProgress,
		Tasks: []models.LaunchTask{
			{TaskID: "task-1", Status: broker.StatusPending},
			{TaskID: "task-2", Status: broker.StatusSuccess},
		},
	})

	status, data := f.request(t, http.MethodGet,
		fmt.Sprintf("/api/launches/%d/terminate_tasks/", launch.ID), "", nil)
	if status != http.StatusOK || message(t, data) != "Termination done." {
		t.Fatalf("status = %d, body %s", status, data)
	}

	got, _ := f.store.Launch(launch.ID)
	if got.State != models.LaunchStopped {
		t.Errorf("state = %q", got.State)
	}
	if got.Tasks[0].Status != broker.StatusRevoked {
		t.Errorf("pending task status = %q", got.Tasks[0].Status)
	}
	if got.Tasks[1].Status != broker.StatusSuccess {
		t.Errorf("settled task status = %q, must stay untouched", got.Tasks[1].Status)
	}
	revoked, _ := f.broker.IsRevoked(context.Background(), "task-1")
	if !revoked {
		t.Error("task-1 not revoked in broker")
	}

	status, data = f.request(t, http.MethodGet, "/api/launches/42/terminate_tasks/", "", nil)
	if status != http.StatusBadRequest || message(t, data) != "Launch with id=42 does not exist" {
		t.Errorf("unknown launch: status = %d, body %s", status, data)
	}
}

func TestCalculateCounts(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "counts")
	plan := f.createPlan(t, project.ID, "smoke")
	launch := f.store.CreateLaunch(models.Launch{TestPlan: plan.ID})
	f.store.AddResults([]models.TestResult{
		{Launch: launch.ID, Name: "a", State: models.StatePassed},
		{Launch: launch.ID, Name: "b", State: models.StateFailed},
		{Launch: launch.ID, Name: "c", State: models.StateFailed},
	})

	status, data := f.request(t, http.MethodGet,
		fmt.Sprintf("/api/launches/%d/calculate_counts/", launch.ID), "", nil)
	if status != http.StatusOK || message(t, data) != "Calculation done." {
		t.Fatalf("status = %d, body %s", status, data)
	}

	got, _ := f.store.Launch(launch.ID)
	if got.Counts.Total != 3 || got.Counts.Passed != 1 || got.Counts.Failed != 2 {
		t.Errorf("counts = %+v", got.Counts)
	}

	status, data = f.request(t, http.MethodGet, "/api/launches/42/calculate_counts/", "", nil)
	if status != http.StatusBadRequest || message(t, data) != "Launch with id=42 does not exist" {
		t.Errorf("unknown launch: status = %d, body %s", status, data)
	}
}

func TestGetTaskUnknownIsPending(t *testing.T) {
	f := newFixture(t, nil)
	status, data := f.request(t, http.MethodGet, "/api/tasks/no-such-task/", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var st broker.Status
	decode(t, data, &st)
	if st.Status != broker.StatusPending || st.Result != nil {
		t.Errorf("status = %+v", st)
	}
}

func TestCreateTestResults(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "results")
	plan := f.createPlan(t, project.ID, "smoke")
	launch := f.store.CreateLaunch(models.Launch{TestPlan: plan.ID})

	status, data := f.doJSON(t, http.MethodPost, "/api/testresults/", []models.TestResult{
		{Launch: launch.ID, Name: "test_login", State: models.StatePassed, Duration: 1.5},
		{Launch: launch.ID, Name: "test_logout", State: models.StateFailed, FailureReason: "timeout"},
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, body %s", status, data)
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/testresults/", []models.TestResult{
		{Launch: launch.ID, Name: "x", State: "bogus"},
	})
	if status != http.StatusBadRequest || message(t, data) != `State "bogus" is not a valid choice` {
		t.Errorf("bad state: status = %d, body %s", status, data)
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/testresults/", []models.TestResult{
		{Launch: 99, Name: "x", State: models.StatePassed},
	})
	if status != http.StatusBadRequest || message(t, data) != "Launch with id=99 does not exist" {
		t.Errorf("unknown launch: status = %d, body %s", status, data)
	}
}

func TestListTestResultsFilters(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "filters")
	plan := f.createPlan(t, project.ID, "smoke")
	launch := f.store.CreateLaunch(models.Launch{TestPlan: plan.ID})
	f.store.AddResults([]models.TestResult{
		{Launch: launch.ID, Name: "test_login", State: models.StatePassed},
		{Launch: launch.ID, Name: "test_logout", State: models.StateFailed},
	})

	_, data := f.request(t, http.MethodGet,
		fmt.Sprintf("/api/testresults/?launch=%d&state=failed", launch.ID), "", nil)
	var resp struct {
		Count   int                 `json:"count"`
		Results []models.TestResult `json:"results"`
	}
	decode(t, data, &resp)
	if resp.Count != 1 || resp.Results[0].Name != "test_logout" {
		t.Errorf("filtered = %+v", resp)
	}

	_, data = f.request(t, http.MethodGet, "/api/testresults/?search=LOGIN", "", nil)
	decode(t, data, &resp)
	if resp.Count != 1 || resp.Results[0].Name != "test_login" {
		t.Errorf("search = %+v", resp)
	}
}

func TestNegativeSearchRequiresParameter(t *testing.T) {
	f := newFixture(t, nil)
	status, data := f.request(t, http.MethodGet, "/api/testresults_negative/", "", nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, body %s", status, data)
	}
}

func TestCreateBug(t *testing.T) {
	issues := &issuesStub{issue: jira.Issue{Key: "JIRA-1", Summary: "login broken", Status: "Open"}}
	f := newFixture(t, issues)

	status, data := f.doJSON(t, http.MethodPost, "/api/bugs/",
		map[string]string{"externalId": "JIRA-1", "regexp": "test_login.*"})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var bug models.Bug
	decode(t, data, &bug)
	if bug.Name != "login broken" || bug.Status != "Open" {
		t.Errorf("bug = %+v", bug)
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/bugs/",
		map[string]string{"externalId": "not a key"})
	if status != http.StatusBadRequest {
		t.Errorf("bad key: status = %d, body %s", status, data)
	}
}

func TestCreateBugRelaysTrackerMessage(t *testing.T) {
	issues := &issuesStub{err: &jira.IssueError{Message: "Issue Does Not Exist"}}
	f := newFixture(t, issues)

	status, data := f.doJSON(t, http.MethodPost, "/api/bugs/",
		map[string]string{"externalId": "JIRA-404"})
	if status != http.StatusBadRequest || message(t, data) != "Issue Does Not Exist" {
		t.Errorf("status = %d, body %s", status, data)
	}
}

func TestCreateBugTrackerDown(t *testing.T) {
	issues := &issuesStub{err: errors.New("connection refused")}
	f := newFixture(t, issues)

	status, data := f.doJSON(t, http.MethodPost, "/api/bugs/",
		map[string]string{"externalId": "JIRA-1"})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, data, &resp)
	if resp.Error.Code != "TRACKER_UNAVAILABLE" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestBugRoutesAbsentWithoutTracker(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.request(t, http.MethodGet, "/api/bugs/", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when integration is off", status)
	}
}

func TestBugCustomList(t *testing.T) {
	f := newFixture(t, &issuesStub{})
	f.store.CreateBug(models.Bug{ExternalID: "JIRA-1", Name: "one"})
	f.store.CreateBug(models.Bug{ExternalID: "OTHER-2", Name: "two"})

	_, data := f.request(t, http.MethodGet, "/api/bugs/custom_list/?issue_names__in=JIRA", "", nil)
	var resp struct {
		Count   int          `json:"count"`
		Results []models.Bug `json:"results"`
	}
	decode(t, data, &resp)
	if resp.Count != 1 || resp.Results[0].ExternalID != "JIRA-1" {
		t.Errorf("filtered = %+v", resp)
	}
}

func TestJenkinsNotification(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "webapp")

	body := []byte(`{"name": "deploy", "build": {"status": "SUCCESS"}}`)
	status, data := f.request(t, http.MethodPost, "/api/external/jenkins/webapp/",
		"application/json", body)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var stage models.Stage
	decode(t, data, &stage)
	if stage.State != models.StageSuccess || stage.Project != project.ID {
		t.Errorf("stage = %+v", stage)
	}

	body = []byte(`{"name": "deploy", "build": {"status": "FAILURE"}}`)
	_, data = f.request(t, http.MethodPost, "/api/external/jenkins/webapp/",
		"application/json", body)
	decode(t, data, &stage)
	if stage.State != models.StageDanger {
		t.Errorf("failed build stage = %+v", stage)
	}

	status, data = f.request(t, http.MethodPost, "/api/external/jenkins/ghost/",
		"application/json", body)
	if status != http.StatusBadRequest || message(t, data) != "Project ghost does not exist" {
		t.Errorf("unknown project: status = %d, body %s", status, data)
	}
}

func TestJenkinsNotificationRejectsMediaType(t *testing.T) {
	f := newFixture(t, nil)
	f.createProject(t, "webapp")

	status, data := f.request(t, http.MethodPost, "/api/external/jenkins/webapp/",
		"text/plain", []byte("hi"))
	if status != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp struct {
		Detail string `json:"detail"`
	}
	decode(t, data, &resp)
	if resp.Detail != `Unsupported media type "text/plain" in request.` {
		t.Errorf("detail = %q", resp.Detail)
	}
}

func TestRundeckNotification(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "infra")

	body := []byte(`<notification status="succeeded">` +
		`<executions count="1">` +
		`<execution status="succeeded"><job><group>deploy</group><name>run</name></job></execution>` +
		`</executions></notification>`)
	status, data := f.request(t, http.MethodPost, "/api/external/rundeck/infra/", "text/xml", body)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	stage := f.store.GetOrCreateStage(project.ID, "deploy")
	if stage.State != models.StageSuccess {
		t.Errorf("stage state = %q", stage.State)
	}

	status, data = f.request(t, http.MethodPost, "/api/external/rundeck/infra/",
		"application/json", []byte("{}"))
	if status != http.StatusUnsupportedMediaType {
		t.Errorf("wrong media type: status = %d, body %s", status, data)
	}
}

func TestMetricEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "dashboards")

	status, data := f.doJSON(t, http.MethodPost, "/api/metrics/", models.Metric{
		Project: project.ID, Handler: models.HandlerCount, Schedule: "0 * * * *",
	})
	if status != http.StatusBadRequest || message(t, data) != `Field "name" is required` {
		t.Errorf("missing name: status = %d, body %s", status, data)
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/metrics/", models.Metric{
		Project: project.ID, Name: "fails", Handler: "bogus", Schedule: "0 * * * *",
	})
	if status != http.StatusBadRequest || message(t, data) != `Handler "bogus" is not a valid choice` {
		t.Errorf("bad handler: status = %d, body %s", status, data)
	}

	metric := models.Metric{
		Project: project.ID, Name: "fails", Handler: models.HandlerCount,
		Schedule: "0 * * * *", Query: models.StateFailed,
	}
	status, data = f.doJSON(t, http.MethodPost, "/api/metrics/", metric)
	if status != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", status, data)
	}
	var created models.Metric
	decode(t, data, &created)
	if len(f.jobs.registered) != 1 {
		t.Errorf("registered jobs = %d", len(f.jobs.registered))
	}

	status, data = f.doJSON(t, http.MethodPost, "/api/metrics/", metric)
	if status != http.StatusBadRequest || message(t, data) != "Metric already exist, choose another name" {
		t.Errorf("duplicate: status = %d, body %s", status, data)
	}

	status, data = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/metrics/%d/", created.ID), "", nil)
	if status != http.StatusOK {
		t.Fatalf("get: status = %d, body %s", status, data)
	}
	var got struct {
		Metric models.Metric        `json:"metric"`
		Values []models.MetricValue `json:"values"`
	}
	decode(t, data, &got)
	if got.Metric.Name != "fails" || got.Values == nil {
		t.Errorf("get = %+v", got)
	}

	status, data = f.request(t, http.MethodDelete,
		fmt.Sprintf("/api/metrics/%d/", created.ID), "", nil)
	if status != http.StatusOK || message(t, data) != "Metric and all values deleted" {
		t.Fatalf("delete: status = %d, body %s", status, data)
	}
	if len(f.jobs.unregistered) != 1 || f.jobs.unregistered[0] != created.ID {
		t.Errorf("unregistered = %v", f.jobs.unregistered)
	}

	status, data = f.request(t, http.MethodGet, "/api/metrics/999/", "", nil)
	if status != http.StatusBadRequest || message(t, data) != "Metric not found" {
		t.Errorf("unknown: status = %d, body %s", status, data)
	}
}

const junitReport = `<testsuite name="smoke" tests="2" time="0.4">` +
	`<testcase name="test_ok" time="0.2"/>` +
	`<testcase name="test_bad" time="0.2"><failure message="boom"/></testcase>` +
	`</testsuite>`

func (f *fixture) uploadReport(t *testing.T, path string, fields map[string]string, file string, auth bool) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := w.CreateFormFile("file", "report.xml")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(file)); err != nil {
		t.Fatalf("write file: %v", err)
	}
	w.Close()

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if auth {
		req.SetBasicAuth(f.cfg.AuthUser, f.cfg.AuthPassword)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestUploadReportRequiresAuth(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "upload")
	plan := f.createPlan(t, project.ID, "nightly")

	path := fmt.Sprintf("/api/external/report-xunit/%d/junit/report.xml", plan.ID)
	status, _ := f.uploadReport(t, path, nil, junitReport, false)
	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestUploadReport(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "upload")
	plan := f.createPlan(t, project.ID, "nightly")

	path := fmt.Sprintf("/api/external/report-xunit/%d/junit/report.xml", plan.ID)
	status, data := f.uploadReport(t, path, nil, junitReport, true)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp struct {
		LaunchID int64 `json:"launch_id"`
	}
	decode(t, data, &resp)

	launch, err := f.store.Launch(resp.LaunchID)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if launch.State != models.LaunchFinished {
		t.Errorf("state = %q", launch.State)
	}
	if launch.Duration != 0.4 {
		t.Errorf("duration = %v", launch.Duration)
	}
	if launch.Counts.Total != 2 || launch.Counts.Passed != 1 || launch.Counts.Failed != 1 {
		t.Errorf("counts = %+v", launch.Counts)
	}
	results := f.store.Results(store.ResultFilter{Launch: launch.ID})
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
}

func TestUploadReportWithData(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "upload-data")
	plan := f.createPlan(t, project.ID, "nightly")

	data := `{"options": {"started_by": "http://jenkins/job/42/", "duration": "120.20", "last_commits": ["abc123"]}}`
	path := fmt.Sprintf("/api/external/report-xunit/%d/junit/report.xml", plan.ID)
	status, body := f.uploadReport(t, path, map[string]string{"data": data}, junitReport, true)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, body)
	}
	var resp struct {
		LaunchID int64 `json:"launch_id"`
	}
	decode(t, body, &resp)

	launch, _ := f.store.Launch(resp.LaunchID)
	if launch.StartedBy != "http://jenkins/job/42/" {
		t.Errorf("started_by = %q", launch.StartedBy)
	}
	if launch.Duration != 120.2 {
		t.Errorf("duration = %v, data field must win", launch.Duration)
	}
	if launch.Build == nil || launch.Build.Hash != "abc123" {
		t.Errorf("build = %+v", launch.Build)
	}
}

func TestUploadReportIntoExistingLaunch(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "upload-existing")
	plan := f.createPlan(t, project.ID, "nightly")
	launch := f.store.CreateLaunch(models.Launch{TestPlan: plan.ID})

	path := fmt.Sprintf("/api/external/report-xunit/%d/junit/report.xml", plan.ID)
	status, data := f.uploadReport(t, path,
		map[string]string{"launch": fmt.Sprintf("%d", launch.ID)}, junitReport, true)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp struct {
		LaunchID int64 `json:"launch_id"`
	}
	decode(t, data, &resp)
	if resp.LaunchID != launch.ID {
		t.Errorf("launch_id = %d, want %d", resp.LaunchID, launch.ID)
	}

	status, data = f.uploadReport(t, path,
		map[string]string{"launch": "12345"}, junitReport, true)
	if status != http.StatusBadRequest || message(t, data) != "Launch with id=12345 does not exist" {
		t.Errorf("unknown launch: status = %d, body %s", status, data)
	}
}

func TestUploadReportUnknownFormat(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "upload-format")
	plan := f.createPlan(t, project.ID, "nightly")

	path := fmt.Sprintf("/api/external/report-xunit/%d/trx/report.xml", plan.ID)
	status, data := f.uploadReport(t, path, nil, junitReport, true)
	if status != http.StatusBadRequest || message(t, data) != "Unknown file format" {
		t.Errorf("status = %d, body %s", status, data)
	}
}

func TestUploadReportParseErrorLeavesComment(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "upload-broken")
	plan := f.createPlan(t, project.ID, "nightly")

	path := fmt.Sprintf("/api/external/report-xunit/%d/junit/report.xml", plan.ID)
	status, data := f.uploadReport(t, path, nil, "<testsuite><unclosed", true)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var resp struct {
		LaunchID int64 `json:"launch_id"`
	}
	decode(t, data, &resp)

	comments := f.store.Comments()
	if len(comments) != 1 {
		t.Fatalf("comments = %d", len(comments))
	}
	c := comments[0]
	if !strings.HasPrefix(c.Comment, "During xml parsing the following error is received:") {
		t.Errorf("comment = %q", c.Comment)
	}
	if c.ObjectPK != resp.LaunchID || c.UserData["username"] != "xml-parser" {
		t.Errorf("comment meta = %+v", c)
	}
}

func TestLaunchCustomListGroupCountValidatesState(t *testing.T) {
	f := newFixture(t, nil)
	status, data := f.request(t, http.MethodGet,
		"/api/launches/custom_list/?results_group_count=1&state=bogus", "", nil)
	if status != http.StatusBadRequest || message(t, data) != `State "bogus" is not a valid choice` {
		t.Errorf("status = %d, body %s", status, data)
	}
}

func TestLaunchCustomListDateFilters(t *testing.T) {
	f := newFixture(t, nil)
	status, data := f.request(t, http.MethodGet,
		"/api/launches/custom_list/?from=31-12-2019", "", nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad date: status = %d, body %s", status, data)
	}

	status, data = f.request(t, http.MethodGet,
		"/api/launches/custom_list/?from=2019-12-31&to=2020-01-02", "", nil)
	if status != http.StatusOK {
		t.Errorf("valid dates: status = %d, body %s", status, data)
	}
}

func TestPatchTestPlan(t *testing.T) {
	f := newFixture(t, nil)
	project := f.createProject(t, "patch")
	plan := f.createPlan(t, project.ID, "smoke")

	status, data := f.doJSON(t, http.MethodPatch,
		fmt.Sprintf("/api/testplans/%d/", plan.ID),
		map[string]interface{}{"hidden": false, "main": true})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, data)
	}
	var got models.TestPlan
	decode(t, data, &got)
	if got.Hidden || !got.Main {
		t.Errorf("patched = %+v", got)
	}
	if got.Name != "smoke" {
		t.Errorf("untouched name = %q", got.Name)
	}
}
