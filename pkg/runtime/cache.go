package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/orbital/pkg/metrics"
	"github.com/cuemby/orbital/pkg/types"
	"golang.org/x/sync/singleflight"
)

// RefreshFunc performs the actual external call a ListingCache fronts.
type RefreshFunc func(ctx context.Context) (map[string]types.ExecutionState, error)

// ListingCache is the single shared cache per adapter instance described in
// spec §4.1: list_states() returns the cached result while its age is within
// MaxAge; on a miss exactly one caller performs the refresh and the rest
// wait on that same call; a refresh error is retried once immediately.
type ListingCache struct {
	maxAge  time.Duration
	refresh RefreshFunc
	group   singleflight.Group

	mu        sync.Mutex
	result    map[string]types.ExecutionState
	err       error
	fetchedAt time.Time
}

// NewListingCache builds a cache around refresh with the given max age.
func NewListingCache(maxAge time.Duration, refresh RefreshFunc) *ListingCache {
	return &ListingCache{maxAge: maxAge, refresh: refresh}
}

// Get returns the current state map, refreshing it if stale. At most one
// external call happens per MaxAge window regardless of concurrent callers.
func (c *ListingCache) Get(ctx context.Context) (map[string]types.ExecutionState, error) {
	c.mu.Lock()
	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) <= c.maxAge {
		result, err := c.result, c.err
		c.mu.Unlock()
		metrics.ListingCacheHits.Inc()
		return result, err
	}
	c.mu.Unlock()

	metrics.ListingCacheMisses.Inc()
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		result, refreshErr := c.refresh(ctx)
		if refreshErr != nil {
			// Observed runtime flakiness: retry once immediately before
			// giving up and caching the error.
			result, refreshErr = c.refresh(ctx)
		}
		c.mu.Lock()
		c.result, c.err, c.fetchedAt = result, refreshErr, time.Now()
		c.mu.Unlock()
		return result, refreshErr
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]types.ExecutionState), nil
}

// Reset invalidates the cache so the next Get always refreshes. Called
// whenever the agent creates a new workload, so a just-created instance
// isn't masked by a cached listing that predates it.
func (c *ListingCache) Reset() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
