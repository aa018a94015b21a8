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

// The eviction policy is Window-TinyLFU: a small admission window captures
// recency while the main space, segmented into probation and protected
// regions, captures frequency. A candidate aging out of the window must
// beat the main space's coldest resident on estimated frequency to get in.
// An adaptive hill climber trades capacity between the window and the
// protected region based on the sampled hit rate.

package caffeine

const (
	// admissionThreshold is the highest candidate frequency at which a
	// candidate that does not beat the victim is always rejected; only
	// above it can the random admission let it in. Keeping sparse bursts
	// out protects the main space from one-hit pollution.
	admissionThreshold = 5

	hillClimberStepPercent      = 0.0625
	hillClimberStepDecayRate    = 0.98
	hillClimberRestartThreshold = 0.05
)

// evictEntries enforces the maximum weight. Called under the eviction
// lock after the buffers have been drained.
func (c *Cache) evictEntries() {
	if c.maximum <= 0 {
		return
	}
	c.demoteFromProtected()
	c.evictFromWindow()
	c.evictFromMain()
}

// evictFromWindow moves entries aging out of the admission window to the
// probation tail, where they become eviction candidates.
func (c *Cache) evictFromWindow() {
	for c.windowWeightedSize > c.windowMaximum {
		n := c.window.Front()
		if n == nil {
			return
		}
		c.window.Remove(n)
		c.windowWeightedSize -= n.policyWeight
		n.queueType = probationQueue
		c.probation.PushBack(n)
	}
}

// evictFromMain discards entries while the cache is over capacity. The
// victim is the main space's LRU (probation head); the candidate is the
// most recent arrival from the window (probation tail). Whichever loses
// the frequency duel is evicted.
func (c *Cache) evictFromMain() {
	for c.weightedSize > c.maximum {
		victim := c.probation.Front()
		candidate := c.probation.Back()
		if victim == nil {
			// The main space is empty; shed from protected, then the
			// window itself.
			if n := c.protected.Front(); n != nil {
				c.evictNode(n, CauseSize)
				continue
			}
			if n := c.window.Front(); n != nil {
				c.evictNode(n, CauseSize)
				continue
			}
			return
		}
		if victim == candidate {
			c.evictNode(victim, CauseSize)
			continue
		}
		if c.admit(candidate.keyHash, victim.keyHash) {
			c.evictNode(victim, CauseSize)
		} else {
			c.evictNode(candidate, CauseSize)
		}
	}
}

// admit decides whether the candidate should replace the victim. A more
// frequent candidate always wins. Otherwise, a candidate above the
// admission threshold gets a rare random admission (whether it ties or
// trails the victim), which stops a hash flood from shielding the victim
// forever.
func (c *Cache) admit(candidateHash, victimHash uint64) bool {
	victimFreq := c.sketch.Frequency(victimHash)
	candidateFreq := c.sketch.Frequency(candidateHash)
	if candidateFreq > victimFreq {
		return true
	}
	if candidateFreq <= admissionThreshold {
		return false
	}
	return c.nextRand()&127 == 0
}

// nextRand is a xorshift sequence for policy coin flips. Only called under
// the eviction lock.
func (c *Cache) nextRand() uint64 {
	c.rand ^= c.rand << 13
	c.rand ^= c.rand >> 7
	c.rand ^= c.rand << 17
	return c.rand
}

// demoteFromProtected pushes the protected region's overflow back into
// probation.
func (c *Cache) demoteFromProtected() {
	for c.mainProtectedWeightedSize > c.mainProtectedMaximum {
		n := c.protected.PopFront()
		if n == nil {
			return
		}
		n.queueType = probationQueue
		c.probation.PushBack(n)
		c.mainProtectedWeightedSize -= n.policyWeight
	}
}

// evictNode retires the node: it is unmapped (unless a racing writer got
// there first), unlinked from every policy structure and reported to the
// removal listener with the cause.
func (c *Cache) evictNode(n *node, cause RemovalCause) {
	value, ok := c.data.RemoveNode(n, nil)
	weight := n.policyWeight
	c.unlinkNode(n)
	if !ok {
		return
	}
	c.Metrics.add(keyEvict, n.keyHash, 1)
	c.Metrics.add(costEvict, n.keyHash, uint64(weight))
	c.notifyDisplaced(n.key, value, cause)
}

// unlinkNode detaches the node from its deques, the write order and the
// timer wheel, fixes the weight accounting and marks it dead. Idempotent.
func (c *Cache) unlinkNode(n *node) {
	switch n.queueType {
	case windowQueue:
		c.window.Remove(n)
		c.windowWeightedSize -= n.policyWeight
	case probationQueue:
		c.probation.Remove(n)
	case protectedQueue:
		c.protected.Remove(n)
		c.mainProtectedWeightedSize -= n.policyWeight
	case zeroWeightQueue:
		c.zeroWeight.Remove(n)
	case deadQueue:
		return
	}
	c.weightedSize -= n.policyWeight
	c.writeOrder.Remove(n)
	c.wheel.Deschedule(n)
	n.queueType = deadQueue
}

// climb adapts the window size to the workload. Once a full sample of
// requests has been observed, the hit-rate delta against the previous
// sample decides the direction; the step decays while the climb keeps
// paying off and restarts on a large swing.
func (c *Cache) climb() {
	if c.maximum <= 0 || c.sketch == nil {
		return
	}
	sampleCount := c.hitsInSample + c.missesInSample
	if sampleCount < c.sketch.sampleSize {
		return
	}
	hitRate := float64(c.hitsInSample) / float64(sampleCount)
	change := hitRate - c.previousSampleHitRate
	amount := c.stepSize
	if change < 0 {
		amount = -amount
	}
	if abs(change) >= hillClimberRestartThreshold {
		direction := 1.0
		if amount < 0 {
			direction = -1.0
		}
		c.stepSize = hillClimberStepPercent * float64(c.maximum) * direction
	} else {
		c.stepSize = hillClimberStepDecayRate * amount
	}
	c.previousSampleHitRate = hitRate
	c.hitsInSample = 0
	c.missesInSample = 0

	adjustment := int64(amount)
	if adjustment > 0 {
		c.increaseWindow(adjustment)
	} else if adjustment < 0 {
		c.decreaseWindow(-adjustment)
	}
}

// increaseWindow grows the admission window at the protected region's
// expense, pulling the main space's coldest entries in to fill the gap.
func (c *Cache) increaseWindow(amount int64) {
	if c.mainProtectedMaximum == 0 {
		return
	}
	quota := amount
	if quota > c.mainProtectedMaximum {
		quota = c.mainProtectedMaximum
	}
	c.mainProtectedMaximum -= quota
	c.windowMaximum += quota
	c.demoteFromProtected()
	for quota > 0 {
		n := c.probation.Front()
		if n == nil {
			n = c.protected.Front()
		}
		if n == nil || n.policyWeight > quota {
			break
		}
		if n.queueType == protectedQueue {
			c.mainProtectedWeightedSize -= n.policyWeight
			c.protected.Remove(n)
		} else {
			c.probation.Remove(n)
		}
		n.queueType = windowQueue
		c.window.PushBack(n)
		c.windowWeightedSize += n.policyWeight
		quota -= n.policyWeight
	}
}

// decreaseWindow shrinks the admission window, returning the capacity to
// the protected region. The window's overflow drains into probation.
func (c *Cache) decreaseWindow(amount int64) {
	if c.windowMaximum <= 1 {
		return
	}
	quota := amount
	if quota > c.windowMaximum-1 {
		quota = c.windowMaximum - 1
	}
	c.windowMaximum -= quota
	c.mainProtectedMaximum += quota
	c.evictFromWindow()
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// Entry is a key-value pair with its policy weight, as exposed by the
// policy view.
type Entry struct {
	Key    interface{}
	Value  interface{}
	Weight int64
}

// PolicyView exposes the eviction policy's current limits and orderings.
type PolicyView struct {
	cache *Cache
}

// Policy returns a view over the cache's eviction policy.
func (c *Cache) Policy() PolicyView { return PolicyView{cache: c} }

// Maximum returns the weight capacity.
func (p PolicyView) Maximum() int64 {
	c := p.cache
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	return c.maximum
}

// WindowMaximum returns the admission window's current share of the
// capacity.
func (p PolicyView) WindowMaximum() int64 {
	c := p.cache
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	return c.windowMaximum
}

// SetMaximum changes the weight capacity, evicting immediately when
// shrinking. The window and protected shares are re-derived.
func (p PolicyView) SetMaximum(maximum int64) {
	if maximum < 0 {
		return
	}
	c := p.cache
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.maximum = maximum
	if maximum == 0 {
		c.sketch = nil
		return
	}
	c.windowMaximum = maximum / 100
	if c.windowMaximum < 1 {
		c.windowMaximum = 1
	}
	main := maximum - c.windowMaximum
	c.mainProtectedMaximum = (main * 4) / 5
	c.stepSize = hillClimberStepPercent * float64(maximum)
	c.sketch = newFrequencySketch(maximum)
	c.maintenance()
}

// Coldest returns up to limit entries in eviction order, coldest first.
func (p PolicyView) Coldest(limit int) []Entry {
	c := p.cache
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.maintenance()
	var entries []Entry
	collect := func(n *node) bool {
		if len(entries) >= limit {
			return false
		}
		entries = append(entries, c.entryOf(n))
		return true
	}
	c.probation.Walk(collect)
	c.protected.Walk(collect)
	c.window.Walk(collect)
	return entries
}

// Hottest returns up to limit entries in retention order, hottest first.
func (p PolicyView) Hottest(limit int) []Entry {
	c := p.cache
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.maintenance()
	var entries []Entry
	reverse := func(d *linkedDeque) {
		for n := d.Back(); n != nil && len(entries) < limit; n = n.prev[d.links] {
			entries = append(entries, c.entryOf(n))
		}
	}
	reverse(c.protected)
	reverse(c.probation)
	reverse(c.window)
	return entries
}

func (c *Cache) entryOf(n *node) Entry {
	_, value, _ := c.data.Get(n.keyHash, n.conflict)
	if f, isFuture := value.(*Future); isFuture {
		if v, err, done := f.TryGet(); done && err == nil {
			value = v
		}
	}
	return Entry{Key: n.key, Value: value, Weight: n.policyWeight}
}
