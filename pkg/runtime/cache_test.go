package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListingCacheServesCachedResultWithinMaxAge(t *testing.T) {
	var calls int32
	cache := NewListingCache(time.Hour, func(ctx context.Context) (map[string]types.ExecutionState, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]types.ExecutionState{"a": {Kind: types.ExecutionRunning}}, nil
	})

	for i := 0; i < 5; i++ {
		_, err := cache.Get(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestListingCacheRefreshesAfterExpiry(t *testing.T) {
	var calls int32
	cache := NewListingCache(time.Millisecond, func(ctx context.Context) (map[string]types.ExecutionState, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]types.ExecutionState{}, nil
	})

	_, err := cache.Get(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = cache.Get(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestListingCacheConcurrentCallersShareOneRefresh(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	cache := NewListingCache(time.Hour, func(ctx context.Context) (map[string]types.ExecutionState, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return map[string]types.ExecutionState{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.Get(context.Background())
		}()
	}

	<-started
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestListingCacheRetriesOnceOnError(t *testing.T) {
	var calls int32
	cache := NewListingCache(time.Hour, func(ctx context.Context) (map[string]types.ExecutionState, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, assertError{}
		}
		return map[string]types.ExecutionState{"a": {Kind: types.ExecutionRunning}}, nil
	})

	states, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, states, "a")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestListingCacheResetForcesRefresh(t *testing.T) {
	var calls int32
	cache := NewListingCache(time.Hour, func(ctx context.Context) (map[string]types.ExecutionState, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]types.ExecutionState{}, nil
	})

	_, err := cache.Get(context.Background())
	require.NoError(t, err)
	cache.Reset()
	_, err = cache.Get(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

type assertError struct{}

func (assertError) Error() string { return "simulated refresh error" }
