// Package jobcache holds the process-local view of remote job state, shared
// between the webhook handler, the poll loop and client status reads.
package jobcache

import (
	"sync"
	"time"

	"nursefilter/internal/domain"
)

const defaultMaxEntries = 1024

// Cache is a bounded, concurrency-safe map from remote job id to last-known
// status. Entries survive for the process lifetime unless evicted to make
// room; terminal entries are evicted before in-flight ones.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]domain.JobResult
	maxEntries int
	now        func() time.Time
}

// Option adjusts cache construction.
type Option func(*Cache)

// WithMaxEntries bounds the cache size.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]domain.JobResult),
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for a job id.
func (c *Cache) Get(jobID string) (domain.JobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[jobID]
	return res, ok
}

// MarkProcessing seeds (or refreshes) a non-terminal entry. It never
// downgrades an entry that has already reached a terminal state.
func (c *Cache) MarkProcessing(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[jobID]; ok && existing.Status.Terminal() {
		return
	}
	c.store(jobID, domain.JobResult{Status: domain.JobStatusProcessing, UpdatedAt: c.now()})
}

// CompleteOnce atomically installs a terminal result for the job id. When the
// entry is already terminal the stored result is returned with ok=false and
// nothing changes; exactly one caller racing on the same job id wins. This is
// the idempotency guard that makes duplicate webhook delivery safe.
func (c *Cache) CompleteOnce(jobID string, result domain.JobResult) (domain.JobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[jobID]; ok && existing.Status.Terminal() {
		return existing, false
	}
	result.UpdatedAt = c.now()
	c.store(jobID, result)
	return result, true
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// store inserts under the held lock, evicting when at capacity.
func (c *Cache) store(jobID string, result domain.JobResult) {
	if _, exists := c.entries[jobID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[jobID] = result
}

// evictLocked removes the oldest terminal entry, falling back to the oldest
// entry overall when every job is still in flight.
func (c *Cache) evictLocked() {
	var (
		victim         string
		victimAt       time.Time
		victimTerminal bool
	)
	for id, res := range c.entries {
		terminal := res.Status.Terminal()
		if victim == "" ||
			(terminal && !victimTerminal) ||
			(terminal == victimTerminal && res.UpdatedAt.Before(victimAt)) {
			victim, victimAt, victimTerminal = id, res.UpdatedAt, terminal
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
