// Package runner executes launch tasks pulled from the broker.
// init_script commands run in the deploy directory, async_call commands
// in the working directory, each under its launch item's timeout.
package runner

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/2gis/cdws/internal/broker"
	"github.com/2gis/cdws/internal/models"
	"github.com/2gis/cdws/internal/observability"
)

// Result output stored with the task status is capped so a chatty test
// suite cannot blow up broker memory.
const maxResultBytes = 8 * 1024

// TaskObserver is notified whenever a task changes status. The store
// uses it to keep launch state in sync with the broker.
type TaskObserver func(launchID int64, taskID, status string)

// Pool consumes broker tasks with a fixed number of workers.
type Pool struct {
	broker     broker.Broker
	deployDir  string
	workingDir string
	workers    int
	observer   TaskObserver
	logger     *zap.Logger

	wg sync.WaitGroup
}

func NewPool(b broker.Broker, deployDir, workingDir string, workers int, observer TaskObserver, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		broker:     b,
		deployDir:  deployDir,
		workingDir: workingDir,
		workers:    workers,
		observer:   observer,
		logger:     logger,
	}
}

// Start launches the workers. They exit when ctx is cancelled or the
// broker closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		task, err := p.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || err == broker.ErrClosed {
				return
			}
			logger.Error("dequeue", zap.Error(err))
			continue
		}
		p.execute(ctx, logger, task)
	}
}

func (p *Pool) execute(ctx context.Context, logger *zap.Logger, task broker.Task) {
	logger = logger.With(
		zap.String("task_id", task.ID),
		zap.Int64("launch_id", task.LaunchID),
		zap.String("type", task.Type),
	)

	if revoked, err := p.broker.IsRevoked(ctx, task.ID); err == nil && revoked {
		logger.Info("task revoked before start")
		p.settle(ctx, task, broker.StatusRevoked, nil)
		return
	}

	if err := p.broker.SetStatus(ctx, task.ID, broker.StatusStarted, nil); err != nil {
		logger.Error("mark started", zap.Error(err))
	}
	p.notify(task, broker.StatusStarted)

	dir := p.workingDir
	if task.Type == models.TypeInitScript {
		dir = p.deployDir
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", task.Command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)
	observability.TaskDuration.WithLabelValues(task.Type).Observe(duration.Seconds())

	result := truncate(string(output))
	if err != nil {
		if msg := err.Error(); result == "" {
			result = msg
		} else {
			result = result + "\n" + err.Error()
		}
		logger.Warn("task failed", zap.Duration("duration", duration), zap.Error(err))
		p.settle(ctx, task, broker.StatusFailure, &result)
		return
	}

	logger.Info("task finished", zap.Duration("duration", duration))
	p.settle(ctx, task, broker.StatusSuccess, &result)
}

func (p *Pool) settle(ctx context.Context, task broker.Task, status string, result *string) {
	observability.TasksTotal.WithLabelValues(status).Inc()
	if err := p.broker.SetStatus(ctx, task.ID, status, result); err != nil {
		p.logger.Error("set task status", zap.String("task_id", task.ID), zap.Error(err))
	}
	p.notify(task, status)
}

func (p *Pool) notify(task broker.Task, status string) {
	if p.observer != nil {
		p.observer(task.LaunchID, task.ID, status)
	}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxResultBytes {
		return s[:maxResultBytes]
	}
	return s
}
