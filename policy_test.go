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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentSizing(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 1000})
	require.Equal(t, int64(10), c.windowMaximum)
	require.Equal(t, int64(792), c.mainProtectedMaximum)

	small := newTestCache(t, &Config{MaximumWeight: 3})
	require.Equal(t, int64(1), small.windowMaximum)
}

func TestAdmitPrefersHigherFrequency(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	candidate, victim := uint64(1), uint64(2)
	for i := 0; i < 10; i++ {
		c.sketch.Increment(candidate)
	}
	c.sketch.Increment(victim)
	require.True(t, c.admit(candidate, victim))
	require.False(t, c.admit(victim, candidate))
}

func TestAdmitRejectsSparseCandidates(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 100})
	candidate, victim := uint64(1), uint64(2)
	// Equal low frequencies: the candidate stays out.
	c.sketch.Increment(candidate)
	c.sketch.Increment(victim)
	require.False(t, c.admit(candidate, victim))
}

func TestWindowNewcomersEvictedBeforeMain(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 10})
	// Build up a warm main space.
	for k := 0; k < 10; k++ {
		require.NoError(t, c.Put(k, k))
	}
	for round := 0; round < 5; round++ {
		for k := 0; k < 10; k++ {
			c.GetIfPresent(k)
		}
		c.CleanUp()
	}
	// A burst of one-hit wonders must not displace the warm entries.
	for k := 100; k < 200; k++ {
		require.NoError(t, c.Put(k, k))
	}
	c.CleanUp()
	survivors := 0
	for k := 0; k < 10; k++ {
		if _, ok := c.GetIfPresent(k); ok {
			survivors++
		}
	}
	require.GreaterOrEqual(t, survivors, 5, "warm working set displaced by a cold burst")
	requireValid(t, c)
}

func TestProtectedOverflowDemotes(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 20})
	for k := 0; k < 18; k++ {
		require.NoError(t, c.Put(k, k))
	}
	// Promote everything into protected.
	for round := 0; round < 3; round++ {
		for k := 0; k < 18; k++ {
			c.GetIfPresent(k)
		}
		c.CleanUp()
	}
	c.evictionLock.Lock()
	require.LessOrEqual(t, c.mainProtectedWeightedSize, c.mainProtectedMaximum)
	c.evictionLock.Unlock()
	requireValid(t, c)
}

func TestClimbAdjustsWindow(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 50})
	// Drive enough misses through the policy to trigger sampling.
	for i := 0; i < 5000; i++ {
		require.NoError(t, c.Put(i, i))
	}
	c.CleanUp()
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	require.GreaterOrEqual(t, c.windowMaximum, int64(1))
	require.LessOrEqual(t, c.windowMaximum, c.maximum)
	require.LessOrEqual(t, c.windowMaximum+c.mainProtectedMaximum, c.maximum)
}

func TestUpdateShrinkingWeightFreesCapacity(t *testing.T) {
	c := newTestCache(t, &Config{
		MaximumWeight: 10,
		Weigher:       func(key, value interface{}) int64 { return int64(value.(int)) },
	})
	require.NoError(t, c.Put("a", 8))
	c.CleanUp()
	require.Equal(t, int64(8), c.WeightedSize())

	require.NoError(t, c.Put("a", 2))
	c.CleanUp()
	require.Equal(t, int64(2), c.WeightedSize())
	requireValid(t, c)
}

func TestDeleteTaskForDeadNodeIsANoOp(t *testing.T) {
	c := newTestCache(t, &Config{MaximumWeight: 10})
	require.NoError(t, c.Put("a", 1))
	c.CleanUp()

	// An eviction and an explicit removal can race; the second unlink must
	// not corrupt the accounting.
	c.evictionLock.Lock()
	n, _, _ := c.data.Get(c.window.Back().keyHash, 0)
	c.unlinkNode(n)
	c.unlinkNode(n)
	require.Equal(t, deadQueue, n.queueType)
	c.evictionLock.Unlock()
}
