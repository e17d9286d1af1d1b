package jira

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the tracker breaker rejects a call.
var ErrBreakerOpen = errors.New("bug tracker circuit open")

// breaker opens after repeated tracker failures and lets a probe
// request through once the cooldown elapses. Protects the periodic bug
// refresh from hammering a down tracker.
type breaker struct {
	mu              sync.Mutex
	open            bool
	halfOpen        bool
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

func newBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// allow reports whether a call may proceed, flipping to half-open after
// the cooldown.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.lastFailureTime) < b.cooldown {
		return false
	}
	b.open = false
	b.halfOpen = true
	b.successCount = 0
	return true
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failureCount++
		b.lastFailureTime = time.Now()
		if b.halfOpen || b.failureCount >= b.failureThreshold {
			b.open = true
			b.halfOpen = false
			b.failureCount = 0
		}
		return
	}
	b.successCount++
	b.failureCount = 0
	if b.halfOpen && b.successCount >= b.successThreshold {
		b.halfOpen = false
		b.successCount = 0
	}
}
