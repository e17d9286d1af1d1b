package jira

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/2gis/cdws/internal/observability"
)

const keyPrefix = "issue:"

// IssueCache short-circuits repeated tracker lookups for the same
// issue. Get returns the cached issue if present and not expired, Set
// stores it with a TTL.
type IssueCache interface {
	Get(ctx context.Context, key string) (Issue, bool, error)
	Set(ctx context.Context, key string, value Issue, ttl time.Duration) error
}

// InMemoryCache implements IssueCache with a map and TTL-based
// expiration. Expired entries are removed on access. Not safe for
// concurrent use without external synchronization; the client guards
// it.
type InMemoryCache struct {
	data map[string]cacheEntry
}

type cacheEntry struct {
	value     Issue
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{data: make(map[string]cacheEntry)}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (Issue, bool, error) {
	entry, ok := c.data[key]
	if !ok {
		return Issue{}, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return Issue{}, false, nil
	}
	return entry.value, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value Issue, ttl time.Duration) error {
	c.data[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// MemcachedCache implements IssueCache using memcached, for
// deployments where several API replicas share one tracker budget.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a
// comma-separated list. timeout and maxIdleConns use package defaults
// if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements IssueCache.Get. Returns false, nil on cache miss.
func (c *MemcachedCache) Get(ctx context.Context, key string) (Issue, bool, error) {
	if ctx.Err() != nil {
		return Issue{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return Issue{}, false, nil
		}
		return Issue{}, false, err
	}
	var issue Issue
	if err := json.Unmarshal(item.Value, &issue); err != nil {
		return Issue{}, false, err
	}
	observability.CacheHitsTotal.WithLabelValues("memcached").Inc()
	return issue, true, nil
}

// Set implements IssueCache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value Issue, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
