/*
 * Copyright 2020 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package caffeine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestGetLoadsOnMiss(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	var loads atomic.Int64
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		loads.Add(1)
		return key.(int) * 10, nil
	}

	v, err := c.Get(context.Background(), 1, loader)
	require.NoError(t, err)
	require.Equal(t, 10, v)
	require.Equal(t, int64(1), loads.Load())

	// A second Get is a hit; the loader stays idle.
	v, err = c.Get(context.Background(), 1, loader)
	require.NoError(t, err)
	require.Equal(t, 10, v)
	require.Equal(t, int64(1), loads.Load())
	require.Equal(t, uint64(1), c.Metrics.LoadsSuccess())
	requireValid(t, c)
}

// Async single-flight: concurrent gets for the same key share one load.
func TestConcurrentLoadsSingleFlight(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100, Executor: func(task func()) { go task() }})
	var loads atomic.Int64
	gate := make(chan struct{})
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		loads.Add(1)
		<-gate
		return "loaded", nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", loader)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	// Give every caller a chance to join the flight, then release it.
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int64(1), loads.Load(), "loader invoked more than once")
	for _, v := range results {
		require.Equal(t, "loaded", v)
	}
	require.Equal(t, uint64(1), c.Metrics.LoadsSuccess())
	requireValid(t, c)
}

// Load failure leaves no trace: the future fails, the slot is withdrawn
// and the size is unchanged.
func TestLoadFailureLeavesNoTrace(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	boom := errors.New("boom")
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		return nil, boom
	}

	_, err := c.Get(context.Background(), 1, loader)
	require.ErrorIs(t, err, ErrLoadFailure)
	_, ok := c.GetIfPresent(1)
	require.False(t, ok)
	require.Zero(t, c.EstimatedSize())
	require.Equal(t, uint64(1), c.Metrics.LoadsFailure())
	requireValid(t, c)
}

func TestLoaderPanicIsALoadFailure(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		panic("loader exploded")
	}
	_, err := c.Get(context.Background(), 1, loader)
	require.Error(t, err)
	require.Zero(t, c.EstimatedSize())
	require.Equal(t, uint64(1), c.Metrics.LoadsFailure())
	requireValid(t, c)
}

func TestNilLoadResultIsALoadFailure(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		return nil, nil
	}
	_, err := c.Get(context.Background(), 1, loader)
	require.ErrorIs(t, err, ErrLoadFailure)
	require.Zero(t, c.EstimatedSize())
	require.Equal(t, uint64(1), c.Metrics.LoadsFailure())
	requireValid(t, c)
}

// Cancellation of an in-flight load removes the slot and records the
// failure exactly once.
func TestCancelledLoadRemovesSlot(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100, Executor: func(task func()) { go task() }})
	gate := make(chan struct{})
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		<-gate
		return "late", nil
	}

	f := c.AsyncGet(context.Background(), 1, loader)
	require.True(t, f.Cancel())
	_, err := f.Get(context.Background())
	require.ErrorIs(t, err, ErrLoadFailure)
	_, ok := c.GetIfPresent(1)
	require.False(t, ok)

	// The straggling loader result must not resurrect the entry.
	close(gate)
	time.Sleep(10 * time.Millisecond)
	_, ok = c.GetIfPresent(1)
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Metrics.LoadsFailure())
	requireValid(t, c)
}

func TestAsyncGetSharesPendingFuture(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100, Executor: func(task func()) { go task() }})
	gate := make(chan struct{})
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		<-gate
		return "v", nil
	}
	f1 := c.AsyncGet(context.Background(), 1, loader)
	f2 := c.AsyncGet(context.Background(), 1, loader)
	require.Same(t, f1, f2)
	close(gate)
	v, err := f1.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v", v)
	requireValid(t, c)
}

func TestGetWithoutLoader(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	_, err := c.Get(context.Background(), 1, nil)
	require.ErrorIs(t, err, ErrNoLoader)
}

// Replace with a resolved empty future removes the entry.
func TestPutCompletedNilFutureRemoves(t *testing.T) {
	recorder := &removalRecorder{}
	c := newTestCache(t, &Config{MaximumWeight: 100, OnRemoval: recorder.listener()})
	require.NoError(t, c.Put("k", "v"))
	require.Equal(t, 1, c.EstimatedSize())

	require.NoError(t, c.Put("k", CompletedFuture(nil)))
	c.CleanUp()
	require.Zero(t, c.EstimatedSize())
	explicit := recorder.byCause(CauseExplicit)
	require.Len(t, explicit, 1)
	require.Equal(t, "v", explicit[0].value)
	requireValid(t, c)
}

func TestPutCompletedFutureStoresValue(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	require.NoError(t, c.Put("k", CompletedFuture("v")))
	v, ok := c.GetIfPresent("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	requireValid(t, c)
}

func TestInvalidatePendingFutureCancels(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100, Executor: func(task func()) { go task() }})
	gate := make(chan struct{})
	defer close(gate)
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		<-gate
		return "v", nil
	}
	f := c.AsyncGet(context.Background(), 1, loader)
	require.NoError(t, c.Invalidate(1))
	_, err := f.Get(context.Background())
	require.ErrorIs(t, err, ErrLoadFailure)
	require.Zero(t, c.EstimatedSize())
	requireValid(t, c)
}

// Bulk load exceeding the request: extras are cached, the result contains
// only the requested keys, and the whole batch counts as one load.
func TestGetAllBulkLoadExceedingRequest(t *testing.T) {
	c := newTestCache(t, &Config{
		MaximumWeight: 100,
		BulkLoader: func(ctx context.Context, keys []interface{}) (map[interface{}]interface{}, error) {
			loaded := make(map[interface{}]interface{})
			for i := 1; i <= 5; i++ {
				loaded[i] = i * 10
			}
			return loaded, nil
		},
	})
	result, err := c.GetAll(context.Background(), []interface{}{1, 2, 3}, nil)
	require.NoError(t, err)
	require.Equal(t, map[interface{}]interface{}{1: 10, 2: 20, 3: 30}, result)

	c.CleanUp()
	require.GreaterOrEqual(t, c.EstimatedSize(), 5)
	_, ok := c.GetIfPresent(4)
	require.True(t, ok)
	_, ok = c.GetIfPresent(5)
	require.True(t, ok)
	require.Equal(t, uint64(1), c.Metrics.LoadsSuccess())
	requireValid(t, c)
}

func TestGetAllPartitionsPresentAndAbsent(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	require.NoError(t, c.Put(1, 10))
	var loads atomic.Int64
	loader := func(ctx context.Context, key interface{}) (interface{}, error) {
		loads.Add(1)
		return key.(int) * 10, nil
	}
	result, err := c.GetAll(context.Background(), []interface{}{1, 2, 3}, loader)
	require.NoError(t, err)
	require.Equal(t, map[interface{}]interface{}{1: 10, 2: 20, 3: 30}, result)
	require.Equal(t, int64(2), loads.Load(), "present key reloaded")
	requireValid(t, c)
}

func TestGetAllWithoutLoaderReturnsPresent(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	require.NoError(t, c.Put(1, 10))
	result, err := c.GetAll(context.Background(), []interface{}{1, 2}, nil)
	require.NoError(t, err)
	require.Equal(t, map[interface{}]interface{}{1: 10}, result)
}

func TestRefresh(t *testing.T) {
	var version atomic.Int64
	c := newTestCache(t, &Config{
		MaximumWeight: 100,
		Loader: func(ctx context.Context, key interface{}) (interface{}, error) {
			return version.Add(1), nil
		},
	})
	v, err := c.Get(context.Background(), "k", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	require.NoError(t, c.Refresh(context.Background(), "k"))
	v, ok := c.GetIfPresent("k")
	require.True(t, ok)
	require.Equal(t, int64(2), v)
	requireValid(t, c)
}

func TestRefreshWithoutLoader(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	require.ErrorIs(t, c.Refresh(context.Background(), "k"), ErrNoLoader)
}

func TestFutureGetHonorsContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
