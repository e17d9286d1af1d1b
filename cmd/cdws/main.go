package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/2gis/cdws/internal/broker"
	"github.com/2gis/cdws/internal/config"
	httphandler "github.com/2gis/cdws/internal/http"
	"github.com/2gis/cdws/internal/jira"
	"github.com/2gis/cdws/internal/lifecycle"
	"github.com/2gis/cdws/internal/observability"
	"github.com/2gis/cdws/internal/runner"
	"github.com/2gis/cdws/internal/sched"
	"github.com/2gis/cdws/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	db := store.New(cfg.TimeZone)

	taskBroker, err := broker.New(cfg.BrokerURL)
	if err != nil {
		logger.Fatal("broker", zap.Error(err))
	}
	logger.Info("broker connected", zap.String("url", cfg.BrokerURL))

	var issueClient *jira.Client
	var memcacheCloser *jira.MemcachedCache
	if cfg.JiraIntegration {
		var issueCache jira.IssueCache
		switch cfg.CacheBackend {
		case "memcached":
			mc, err := jira.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
			if err != nil {
				logger.Fatal("memcached cache", zap.Error(err))
			}
			memcacheCloser = mc
			issueCache = mc
			logger.Info("issue cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		default:
			issueCache = jira.NewInMemoryCache()
			logger.Info("issue cache backend: in_memory")
		}

		issueClient, err = jira.NewClient(jira.Options{
			Host:           cfg.JiraHostname,
			BugPath:        cfg.JiraBugPath,
			Timeout:        cfg.JiraTimeout,
			Cache:          issueCache,
			CacheTTL:       cfg.JiraUpdateAfter,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
		})
		if err != nil {
			logger.Fatal("bug tracker client", zap.Error(err))
		}
		logger.Info("bug tracker integration enabled", zap.String("host", cfg.JiraHostname))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	pool := runner.NewPool(
		taskBroker,
		cfg.DeployDir,
		cfg.WorkingDir,
		cfg.BrokerWorkers,
		func(launchID int64, taskID, status string) {
			if err := db.SetLaunchTaskStatus(launchID, taskID, status); err != nil {
				logger.Warn("task status update",
					zap.Int64("launch_id", launchID),
					zap.String("task_id", taskID),
					zap.Error(err))
			}
		},
		logger,
	)
	pool.Start(runCtx)

	var issues sched.IssueGetter
	var handlerIssues httphandler.IssueGetter
	if issueClient != nil {
		issues = issueClient
		handlerIssues = issueClient
	}
	scheduler, err := sched.New(db, cfg, issues, logger)
	if err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	scheduler.Start()

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(db, taskBroker, handlerIssues, scheduler, cfg, logger)

	srv := &http.Server{
		Addr:         cfg.APIHostname,
		Handler:      handler.Router(limiter),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.APIHostname))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed",
			zap.Error(err),
			zap.Int64("remaining", httphandler.InFlightCount()))
	}

	scheduler.Stop()
	runCancel()
	pool.Wait()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if err := taskBroker.Close(); err != nil {
		logger.Error("broker close", zap.Error(err))
	}
	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
