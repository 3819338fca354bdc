// Package dedup remembers which (local, remote, mtime) triples were
// verified in the object store so sweeps can skip them.
package dedup

import (
	"context"
	"sync"
	"time"

	"logarchive/pkg/clock"
)

const (
	// TTL is how long a verification is trusted.
	TTL = time.Hour
	// SweepInterval is how often expired entries are dropped.
	SweepInterval = time.Minute
)

type key struct {
	local  string
	remote string
	mtime  int64
}

// Cache is safe for concurrent use.
type Cache struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[key]time.Time
}

// New returns an empty cache.
func New(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{clock: clk, entries: make(map[key]time.Time)}
}

// MarkVerified records a verified upload of local at mtime to remote.
func (c *Cache) MarkVerified(local, remote string, mtime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key{local, remote, mtime.UnixNano()}] = c.clock.Now().Add(TTL)
}

// AlreadyVerified reports whether the exact triple was verified within
// the last TTL.
func (c *Cache) AlreadyVerified(local, remote string, mtime time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.entries[key{local, remote, mtime.UnixNano()}]
	return ok && c.clock.Now().Before(expires)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	removed := 0
	for k, expires := range c.entries {
		if !now.Before(expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(SweepInterval):
			c.Sweep()
		}
	}
}
