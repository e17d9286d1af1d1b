// Package broker is the task-queue layer behind test-plan execution.
// Backends are selected by BROKER_URL: redis:// for deployments,
// inproc:// for development and tests. Task states stay wire-compatible
// with what CI integrations already poll on /tasks/{id}/.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Task states.
const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusRevoked = "REVOKED"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("broker closed")

// Task is one launch item scheduled for execution.
type Task struct {
	ID           string        `json:"id"`
	LaunchID     int64         `json:"launch_id"`
	LaunchItemID int64         `json:"launch_item_id"`
	Type         string        `json:"type"`
	Command      string        `json:"command"`
	Timeout      time.Duration `json:"timeout"`
}

// Status is the queryable state of a task. Result is nil until the task
// settles.
type Status struct {
	Status string  `json:"status"`
	Result *string `json:"result"`
}

// Broker enqueues tasks for the worker pool and tracks their status.
type Broker interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is available, ctx is cancelled, or
	// the broker is closed.
	Dequeue(ctx context.Context) (Task, error)
	SetStatus(ctx context.Context, taskID, status string, result *string) error
	// Status returns PENDING with a nil result for ids the broker has
	// never seen.
	Status(ctx context.Context, taskID string) (Status, error)
	Revoke(ctx context.Context, taskID string) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// New builds a broker from a BROKER_URL value.
func New(brokerURL string) (Broker, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker url %q: %w", brokerURL, err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return NewRedisBroker(brokerURL)
	case "inproc":
		return NewInprocBroker(), nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
