// Package jira talks to a JIRA-compatible bug tracker. Lookups go
// through an issue cache, a circuit breaker and a retrying HTTP client;
// tracker-reported errors (missing issue, validation) surface as
// IssueError so handlers can relay the tracker's own message.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2gis/cdws/internal/observability"
)

// ErrUpstreamFailure marks retryable tracker failures (5xx, timeouts).
var ErrUpstreamFailure = errors.New("tracker upstream failure")

// IssueError carries a message reported by the tracker itself: the
// first errorMessages entry or the first errors key. Not retryable.
type IssueError struct {
	Message string
}

func (e *IssueError) Error() string { return e.Message }

// Issue is the subset of a tracker issue CDWS stores.
type Issue struct {
	Key     string `json:"key"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// Client fetches issues with retry, breaker and cache.
type Client struct {
	host     string
	bugPath  string // contains the {issue_id} placeholder
	timeout  time.Duration
	client   *http.Client
	breaker  *breaker
	cache    IssueCache
	cacheMu  sync.Mutex
	cacheTTL time.Duration

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
}

// Options configures a Client. Host is required.
type Options struct {
	Host           string
	BugPath        string
	Timeout        time.Duration
	Cache          IssueCache
	CacheTTL       time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func NewClient(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("bug tracker host is required")
	}
	if opts.BugPath == "" {
		opts.BugPath = "/rest/api/latest/issue/{issue_id}"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = NewInMemoryCache()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Client{
		host:           opts.Host,
		bugPath:        opts.BugPath,
		timeout:        opts.Timeout,
		client:         &http.Client{Timeout: opts.Timeout},
		breaker:        newBreaker(5, 2, 30*time.Second),
		cache:          opts.Cache,
		cacheTTL:       opts.CacheTTL,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
	}, nil
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Summary string `json:"summary"`
	} `json:"fields"`
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// GetIssue returns the issue, serving from cache when fresh.
func (c *Client) GetIssue(ctx context.Context, externalID string) (Issue, error) {
	c.cacheMu.Lock()
	cached, ok, err := c.cache.Get(ctx, externalID)
	c.cacheMu.Unlock()
	if err == nil && ok {
		observability.CacheHitsTotal.WithLabelValues("issue").Inc()
		return cached, nil
	}

	issue, err := c.fetchIssue(ctx, externalID)
	if err != nil {
		return Issue{}, err
	}

	c.cacheMu.Lock()
	_ = c.cache.Set(ctx, externalID, issue, c.cacheTTL)
	c.cacheMu.Unlock()
	return issue, nil
}

func (c *Client) fetchIssue(ctx context.Context, externalID string) (Issue, error) {
	if !c.breaker.allow() {
		return Issue{}, ErrBreakerOpen
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.TrackerRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				c.breaker.record(ctx.Err())
				return Issue{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		issue, err := c.callAPI(ctx, externalID)
		if err == nil {
			c.breaker.record(nil)
			return issue, nil
		}
		lastErr = err
		if !isRetryable(err) {
			c.breaker.record(nil) // tracker answered; circuit stays closed
			return Issue{}, err
		}
	}

	c.breaker.record(lastErr)
	return Issue{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *Client) callAPI(ctx context.Context, externalID string) (Issue, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := "https://" + c.host + strings.Replace(c.bugPath, "{issue_id}", externalID, 1)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		observability.TrackerCallsTotal.WithLabelValues("error").Inc()
		return Issue{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.TrackerCallsTotal.WithLabelValues("error").Inc()
		observability.TrackerCallDuration.WithLabelValues("error").Observe(duration)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Issue{}, fmt.Errorf("request timeout: %w", err)
		}
		return Issue{}, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.TrackerCallsTotal.WithLabelValues(status).Inc()
	observability.TrackerCallDuration.WithLabelValues(status).Observe(duration)

	if resp.StatusCode >= 500 {
		return Issue{}, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Issue{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp issueResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Issue{}, fmt.Errorf("parse response: %w", err)
	}

	if len(apiResp.ErrorMessages) > 0 {
		return Issue{}, &IssueError{Message: apiResp.ErrorMessages[0]}
	}
	if len(apiResp.Errors) > 0 {
		keys := make([]string, 0, len(apiResp.Errors))
		for k := range apiResp.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return Issue{}, &IssueError{Message: keys[0]}
	}
	if resp.StatusCode == http.StatusNotFound {
		return Issue{}, &IssueError{Message: "Issue Does Not Exist"}
	}

	return Issue{
		Key:     apiResp.Key,
		Summary: apiResp.Fields.Summary,
		Status:  apiResp.Fields.Status.Name,
	}, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var issueErr *IssueError
	if errors.As(err, &issueErr) {
		return false
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "context canceled")
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func extractCorrelationID(ctx context.Context) string {
	if v := ctx.Value("correlation_id"); v != nil {
		if corrID, ok := v.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == 429:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
