/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTicker is a controllable time source for expiration tests.
type fakeTicker struct {
	now atomic.Int64
}

func (t *fakeTicker) Read() int64 { return t.now.Load() }

func (t *fakeTicker) advance(d time.Duration) { t.now.Add(int64(d)) }

// syncExecutor runs tasks inline so tests observe effects immediately.
func syncExecutor(task func()) { task() }

// requireValid drains the cache and asserts the structural invariants: the
// map and the policy deques agree on membership, weights and link
// integrity, and no failed future remains reachable.
func requireValid(t *testing.T, c *Cache) {
	t.Helper()
	c.CleanUp()

	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()

	require.Zero(t, c.writeBuf.Len(), "write buffer not drained")
	require.Equal(t, c.readBuf.Writes(), c.readBuf.Reads(), "read buffer reads != writes")

	type dequeCheck struct {
		deque *linkedDeque
		tag   queueType
	}
	checks := []dequeCheck{
		{c.window, windowQueue},
		{c.probation, probationQueue},
		{c.protected, protectedQueue},
		{c.zeroWeight, zeroWeightQueue},
	}
	totalNodes := 0
	totalWeight := int64(0)
	protectedWeight := int64(0)
	windowWeight := int64(0)
	seen := make(map[*node]bool)
	for _, check := range checks {
		count := 0
		links := check.deque.links
		var prev *node
		for n := check.deque.Front(); n != nil; n = n.next[links] {
			require.Equal(t, check.tag, n.queueType, "queue tag does not match deque")
			require.Equal(t, prev, n.prev[links], "broken prev link")
			require.False(t, seen[n], "node appears twice")
			seen[n] = true
			totalWeight += n.policyWeight
			switch check.tag {
			case protectedQueue:
				protectedWeight += n.policyWeight
			case windowQueue:
				windowWeight += n.policyWeight
			}
			prev = n
			count++
		}
		require.Equal(t, check.deque.Back(), prev, "tail does not terminate the chain")
		require.Equal(t, check.deque.Len(), count, "deque length out of sync")
		totalNodes += count
	}

	require.Equal(t, c.data.Len(), totalNodes, "map size != deque membership")
	require.Equal(t, c.weightedSize, totalWeight, "weighted size out of sync")
	require.Equal(t, c.windowWeightedSize, windowWeight, "window weight out of sync")
	require.Equal(t, c.mainProtectedWeightedSize, protectedWeight, "protected weight out of sync")
	if c.maximum > 0 {
		require.LessOrEqual(t, c.weightedSize, c.maximum, "over capacity after cleanup")
		require.LessOrEqual(t, c.mainProtectedWeightedSize, c.mainProtectedMaximum,
			"protected region over its cap")
	}

	c.data.Range(func(n *node, value interface{}) bool {
		if f, isFuture := value.(*Future); isFuture {
			if _, err, done := f.TryGet(); done {
				require.NoError(t, err, "failed future still reachable")
			}
		}
		return true
	})
}

func TestValidAfterRandomOps(t *testing.T) {
	ticker := &fakeTicker{}
	c, err := NewCache(&Config{
		MaximumWeight: 64,
		Metrics:       true,
		Ticker:        ticker,
		Executor:      syncExecutor,
	})
	require.NoError(t, err)

	for i := 0; i < 4096; i++ {
		key := i % 97
		switch i % 7 {
		case 0, 1, 2:
			require.NoError(t, c.Put(key, i))
		case 3, 4:
			c.GetIfPresent(key)
		case 5:
			require.NoError(t, c.Invalidate(key))
		case 6:
			_, err := c.Compute(key, func(old interface{}, present bool) (interface{}, bool) {
				if present {
					return nil, false
				}
				return i, true
			})
			require.NoError(t, err)
		}
		ticker.advance(time.Millisecond)
	}
	requireValid(t, c)
}
