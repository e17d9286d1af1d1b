package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
// The environment contract (CDWS_* and friends) matches what CI
// deployments export; env always wins over the file.
type Config struct {
	Debug bool

	APIHostname string // host:port the HTTP API listens on
	APIPath     string // URL prefix, default "api"

	BrokerURL     string // redis://host:port/db or inproc://
	BrokerWorkers int

	DeployDir  string // init_script items run here
	WorkingDir string // async_call items run here

	TimeZone *time.Location

	JiraIntegration bool
	JiraHostname    string
	JiraBugPath     string
	JiraTimeout     time.Duration
	JiraUpdateAfter time.Duration // re-fetch issues untouched this long
	BugStateExpired []string      // tracker states treated as released
	BugTimeExpired  time.Duration // closed bugs older than this are dropped

	CacheBackend          string // "in_memory" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	RequestTimeout time.Duration

	ResultRetention time.Duration // results of launches finished earlier are purged
	CleanupSchedule string
	BugSchedule     string
	LastCommitsSize int

	AuthUser     string
	AuthPassword string

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration
}

type fileConfig struct {
	Server struct {
		Hostname string `yaml:"hostname"`
		APIPath  string `yaml:"api_path"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"server"`

	Broker struct {
		URL     string `yaml:"url"`
		Workers int    `yaml:"workers"`
	} `yaml:"broker"`

	Dirs struct {
		Deploy  string `yaml:"deploy"`
		Working string `yaml:"working"`
	} `yaml:"dirs"`

	BugTracker struct {
		Hostname      string   `yaml:"hostname"`
		BugPath       string   `yaml:"bug_path"`
		Timeout       string   `yaml:"timeout"`
		UpdateAfter   string   `yaml:"update_after"`
		StatesExpired []string `yaml:"states_expired"`
		TimeExpired   string   `yaml:"time_expired"`
		Schedule      string   `yaml:"schedule"`
	} `yaml:"bug_tracker"`

	Cache struct {
		Backend   string `yaml:"backend"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Retention struct {
		Results         string `yaml:"results"`
		CleanupSchedule string `yaml:"cleanup_schedule"`
		LastCommitsSize int    `yaml:"last_commits_size"`
	} `yaml:"retention"`

	Auth struct {
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"auth"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"inflight_timeout"`
		InFlightCheckInterval string `yaml:"inflight_check_interval"`
	} `yaml:"shutdown"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (optional) and
// applies the environment contract on top. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	var fc fileConfig
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// env-only deployments carry no file
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	cfg.Debug = boolEnv("DEBUG")

	cfg.APIHostname = firstNonEmpty(os.Getenv("CDWS_API_HOSTNAME"), fc.Server.Hostname, "0.0.0.0:8080")
	cfg.APIPath = strings.Trim(firstNonEmpty(fc.Server.APIPath, "api"), "/")
	cfg.RequestTimeout = parseDuration(fc.Server.Timeout, 30*time.Second)

	cfg.BrokerURL = firstNonEmpty(os.Getenv("BROKER_URL"), fc.Broker.URL, "inproc://")
	cfg.BrokerWorkers = fc.Broker.Workers
	if cfg.BrokerWorkers <= 0 {
		cfg.BrokerWorkers = 4
	}

	cfg.DeployDir = firstNonEmpty(os.Getenv("CDWS_DEPLOY_DIR"), fc.Dirs.Deploy, os.TempDir())
	cfg.WorkingDir = firstNonEmpty(os.Getenv("CDWS_WORKING_DIR"), fc.Dirs.Working, os.TempDir())

	tz := firstNonEmpty(os.Getenv("TIME_ZONE"), "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("TIME_ZONE %q: %w", tz, err)
	}
	cfg.TimeZone = loc

	cfg.JiraIntegration = boolEnv("JIRA_INTEGRATION")
	cfg.JiraHostname = firstNonEmpty(os.Getenv("BUG_TRACKING_SYSTEM_HOST"), fc.BugTracker.Hostname)
	cfg.JiraBugPath = firstNonEmpty(fc.BugTracker.BugPath, "/rest/api/latest/issue/{issue_id}")
	cfg.JiraTimeout = parseDuration(fc.BugTracker.Timeout, 10*time.Second)
	cfg.JiraUpdateAfter = parseDuration(fc.BugTracker.UpdateAfter, 6*time.Hour)
	cfg.BugStateExpired = fc.BugTracker.StatesExpired
	if len(cfg.BugStateExpired) == 0 {
		cfg.BugStateExpired = []string{"Closed"}
	}
	cfg.BugTimeExpired = parseDuration(fc.BugTracker.TimeExpired, 14*24*time.Hour)
	cfg.BugSchedule = firstNonEmpty(fc.BugTracker.Schedule, "0 * * * *")

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.ResultRetention = parseDuration(fc.Retention.Results, 30*24*time.Hour)
	cfg.CleanupSchedule = firstNonEmpty(fc.Retention.CleanupSchedule, "0 3 * * *")
	cfg.LastCommitsSize = fc.Retention.LastCommitsSize
	if cfg.LastCommitsSize <= 0 {
		cfg.LastCommitsSize = 15
	}

	cfg.AuthUser = firstNonEmpty(os.Getenv("CDWS_AUTH_USER"), fc.Auth.User)
	cfg.AuthPassword = firstNonEmpty(os.Getenv("CDWS_AUTH_PASSWORD"), fc.Auth.Password)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if
// parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// boolEnv treats "1", "true", "yes", "on" (any case) as true.
func boolEnv(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// validate performs post-load validation of configuration values.
// Broker URL scheme and cache backend must be known; JIRA integration
// needs a tracker host.
func validate(cfg *Config) error {
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("BROKER_URL %q: %w", cfg.BrokerURL, err)
	}
	switch u.Scheme {
	case "redis", "rediss", "inproc":
		// valid
	default:
		return fmt.Errorf("BROKER_URL scheme must be redis, rediss or inproc, got %q", u.Scheme)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.JiraIntegration && cfg.JiraHostname == "" {
		return fmt.Errorf("JIRA_INTEGRATION is set but no bug tracker hostname configured")
	}
	return nil
}
