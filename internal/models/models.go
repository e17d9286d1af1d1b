package models

import "time"

// Test result states. Stored and filtered as lowercase strings,
// matching what CI clients post to /testresults/.
const (
	StatePassed  = "passed"
	StateFailed  = "failed"
	StateSkipped = "skipped"
	StateBlocked = "blocked"
)

// Launch lifecycle states.
const (
	LaunchInitialized = "initialized"
	LaunchInProgress  = "in_progress"
	LaunchFinished    = "finished"
	LaunchStopped     = "stopped"
)

// Launch item types. An init_script prepares the environment (deploy)
// and runs before any async_call item of the same launch.
const (
	TypeInitScript = "init_script"
	TypeAsyncCall  = "async_call"
)

// Stage states as rendered on the dashboard.
const (
	StageSuccess = "success"
	StageDanger  = "danger"
	StagePending = "pending"
)

// Metric handler names accepted by POST /metrics/.
const (
	HandlerCount     = "count"
	HandlerAverage   = "average"
	HandlerCycleTime = "cycletime"
)

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Project struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Settings []Setting `json:"settings"`
	Created  time.Time `json:"created"`
}

type TestPlan struct {
	ID                  int64  `json:"id"`
	Project             int64  `json:"project"`
	Name                string `json:"name"`
	Hidden              bool   `json:"hidden"`
	Main                bool   `json:"main"`
	ShowInSummary       bool   `json:"show_in_summary"`
	ShowInTwodays       bool   `json:"show_in_twodays"`
	Filter              string `json:"filter"`
	Description         string `json:"description"`
	VariableName        string `json:"variable_name"`
	VariableValueRegexp string `json:"variable_value_regexp"`
	Owner               string `json:"owner"`
}

type LaunchItem struct {
	ID       int64  `json:"id"`
	TestPlan int64  `json:"test_plan"`
	Type     string `json:"type"`
	Command  string `json:"command"`
	Timeout  int    `json:"timeout"` // seconds
}

// LaunchTask links a broker task to the launch item it executes.
type LaunchTask struct {
	TaskID     string `json:"task_id"`
	LaunchItem int64  `json:"launch_item"`
	Status     string `json:"status"`
}

type Build struct {
	Version     string   `json:"version"`
	Hash        string   `json:"hash"`
	Branch      string   `json:"branch"`
	LastCommits []string `json:"last_commits,omitempty"`
}

// Counts summarize the result states of a launch. Recomputed by
// GET /launches/{id}/calculate_counts/.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Blocked int `json:"blocked"`
}

type Launch struct {
	ID         int64                  `json:"id"`
	TestPlan   int64                  `json:"test_plan"`
	State      string                 `json:"state"`
	StartedBy  string                 `json:"started_by"`
	Tasks      []LaunchTask           `json:"tasks"`
	Build      *Build                 `json:"build"`
	Counts     Counts                 `json:"counts"`
	Duration   float64                `json:"duration"`
	Parameters map[string]interface{} `json:"parameters"`
	Created    time.Time              `json:"created"`
	Finished   time.Time              `json:"finished"`
}

type TestResult struct {
	ID            int64   `json:"id"`
	Launch        int64   `json:"launch"`
	Name          string  `json:"name"`
	Suite         string  `json:"suite"`
	State         string  `json:"state"`
	FailureReason string  `json:"failure_reason"`
	Duration      float64 `json:"duration"`
	LaunchItemID  int64   `json:"launch_item_id,omitempty"`
}

type Bug struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"externalId"`
	Name       string    `json:"name"`
	Regexp     string    `json:"regexp"`
	Status     string    `json:"status"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
	// StateChanged is the last time Status flipped; expiry of closed
	// bugs is measured from here.
	StateChanged time.Time `json:"-"`
}

type Stage struct {
	ID      int64  `json:"id"`
	Project int64  `json:"project"`
	Name    string `json:"name"`
	State   string `json:"state"`
}

type Comment struct {
	ID          int64             `json:"id"`
	Comment     string            `json:"comment"`
	ContentType string            `json:"content_type"`
	ObjectPK    int64             `json:"object_pk"`
	UserData    map[string]string `json:"user_data"`
	Created     time.Time         `json:"created"`
}

type Metric struct {
	ID       int64  `json:"id"`
	Project  int64  `json:"project"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // five-field cron expression
	Handler  string `json:"handler"`
	Query    string `json:"query"`
	Weight   int    `json:"weight"`
}

type MetricValue struct {
	ID      int64     `json:"id"`
	Metric  int64     `json:"metric"`
	Value   float64   `json:"value"`
	Created time.Time `json:"created"`
}

// ValidResultState reports whether s is one of the four result states.
func ValidResultState(s string) bool {
	switch s {
	case StatePassed, StateFailed, StateSkipped, StateBlocked:
		return true
	}
	return false
}

// ValidMetricHandler reports whether h names a known metric handler.
func ValidMetricHandler(h string) bool {
	switch h {
	case HandlerCount, HandlerAverage, HandlerCycleTime:
		return true
	}
	return false
}
