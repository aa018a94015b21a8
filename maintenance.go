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

import "runtime"

// Maintenance is the only mutator of the policy structures: it drains the
// read and write buffers, replays their effects on the deques and sketch,
// expires entries and enforces the capacity. It runs under a non-reentrant
// try-lock, so at most one thread does policy work at a time and the hot
// paths never wait on it.

// Drain states. CAS transitions guarantee at most one active drainer; a
// request posted while a pass runs flips it to processingToRequired so the
// drainer re-runs before releasing the lock.
const (
	drainIdle int32 = iota
	drainRequired
	drainProcessingToIdle
	drainProcessingToRequired
)

// afterRead hands the access event to the read buffer. The buffer is
// lossy: a dropped event only costs policy accuracy. A full stripe forces
// a drain attempt.
func (c *Cache) afterRead(n *node) {
	switch c.readBuf.Offer(n) {
	case offerSuccess:
		c.Metrics.add(keepGets, n.keyHash, 1)
		if c.drainStatus.Load() == drainRequired {
			c.tryMaintenance()
		}
	case offerFailed:
		c.Metrics.add(dropGets, n.keyHash, 1)
	case offerFull:
		c.Metrics.add(dropGets, n.keyHash, 1)
		c.tryMaintenance()
	}
}

// afterWrite enqueues the task and schedules a drain. Write tasks are
// never dropped: when the buffer is full the caller spins briefly, then
// takes the eviction lock and drains until its task fits.
func (c *Cache) afterWrite(t writeTask) {
	for i := 0; i < 16; i++ {
		if c.writeBuf.TryPush(t) {
			c.scheduleAfterWrite()
			return
		}
		c.tryMaintenance()
		runtime.Gosched()
	}
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	for !c.writeBuf.TryPush(t) {
		c.writeBuf.DrainTo(c.applyWriteTask)
	}
	c.maintenance()
}

// scheduleAfterWrite transitions the drain state and attempts to run a
// pass, leaving a required marker behind when another thread owns the
// lock.
func (c *Cache) scheduleAfterWrite() {
	for {
		switch c.drainStatus.Load() {
		case drainIdle:
			c.drainStatus.CompareAndSwap(drainIdle, drainRequired)
			c.tryMaintenance()
			return
		case drainRequired:
			c.tryMaintenance()
			return
		case drainProcessingToIdle:
			if c.drainStatus.CompareAndSwap(drainProcessingToIdle, drainProcessingToRequired) {
				return
			}
		case drainProcessingToRequired:
			return
		}
	}
}

// tryMaintenance runs a pass if the eviction lock is free, otherwise
// leaves the work to the current owner.
func (c *Cache) tryMaintenance() {
	if c.evictionLock.TryLock() {
		defer c.evictionLock.Unlock()
		c.maintenance()
	}
}

// maintenance performs drain passes until no new request arrives mid-pass.
// Callers must hold the eviction lock.
func (c *Cache) maintenance() {
	for {
		c.drainStatus.Store(drainProcessingToIdle)
		now := c.ticker.Read()
		c.readBuf.DrainTo(c.onAccess)
		c.writeBuf.DrainTo(c.applyWriteTask)
		c.expireEntries(now)
		c.evictEntries()
		c.climb()
		if c.drainStatus.CompareAndSwap(drainProcessingToIdle, drainIdle) {
			return
		}
	}
}

// onAccess replays one read event against the policy.
func (c *Cache) onAccess(n *node) {
	if c.sketch != nil {
		c.sketch.Increment(n.keyHash)
	}
	switch n.queueType {
	case windowQueue:
		c.window.MoveToBack(n)
		c.hitsInSample++
	case probationQueue:
		// Promote to protected; demote its cold end if it overflows.
		c.probation.Remove(n)
		c.protected.PushBack(n)
		n.queueType = protectedQueue
		c.mainProtectedWeightedSize += n.policyWeight
		c.demoteFromProtected()
		c.hitsInSample++
	case protectedQueue:
		c.protected.MoveToBack(n)
		c.hitsInSample++
	case zeroWeightQueue:
		c.zeroWeight.MoveToBack(n)
		c.hitsInSample++
	case deadQueue:
		// The entry was removed after the event was buffered.
	}
}

// applyWriteTask replays one map mutation against the policy.
func (c *Cache) applyWriteTask(t writeTask) {
	n := t.node
	switch t.kind {
	case addTask:
		if n.isDead() {
			// Removed before the add was drained.
			return
		}
		n.policyWeight = t.weightDelta
		c.weightedSize += n.policyWeight
		if n.policyWeight == 0 {
			n.queueType = zeroWeightQueue
			c.zeroWeight.PushBack(n)
		} else {
			n.queueType = windowQueue
			c.window.PushBack(n)
			c.windowWeightedSize += n.policyWeight
		}
		if c.expireAfterWrite > 0 {
			c.writeOrder.PushBack(n)
		}
		if c.expiry != nil && n.getExpiresAt() > 0 {
			c.wheel.Schedule(n)
		}
		if c.sketch != nil {
			c.sketch.Increment(n.keyHash)
		}
		c.missesInSample++
	case updateTask:
		if n.isDead() {
			return
		}
		c.applyWeightDelta(n, t.weightDelta)
		if c.expireAfterWrite > 0 {
			c.writeOrder.MoveToBack(n)
		}
		if c.expiry != nil && n.getExpiresAt() > 0 {
			c.wheel.Reschedule(n)
		}
		if c.sketch != nil {
			c.sketch.Increment(n.keyHash)
		}
	case deleteTask:
		c.unlinkNode(n)
	}
}

// applyWeightDelta adjusts the policy accounting after an in-place value
// update, migrating the node between the zero-weight and weighted deques
// when the weight crosses zero.
func (c *Cache) applyWeightDelta(n *node, delta int64) {
	n.policyWeight += delta
	c.weightedSize += delta
	switch n.queueType {
	case zeroWeightQueue:
		if n.policyWeight > 0 {
			c.zeroWeight.Remove(n)
			n.queueType = windowQueue
			c.window.PushBack(n)
			c.windowWeightedSize += n.policyWeight
		}
	case windowQueue:
		c.windowWeightedSize += delta
		if n.policyWeight == 0 {
			c.window.Remove(n)
			n.queueType = zeroWeightQueue
			c.zeroWeight.PushBack(n)
		} else {
			c.window.MoveToBack(n)
		}
	case probationQueue:
		if n.policyWeight == 0 {
			c.probation.Remove(n)
			n.queueType = zeroWeightQueue
			c.zeroWeight.PushBack(n)
		}
	case protectedQueue:
		c.mainProtectedWeightedSize += delta
		if n.policyWeight == 0 {
			c.protected.Remove(n)
			n.queueType = zeroWeightQueue
			c.zeroWeight.PushBack(n)
		} else {
			c.protected.MoveToBack(n)
		}
	}
}

// expireEntries drops every entry whose lifetime ended before now.
func (c *Cache) expireEntries(now int64) {
	if c.expireAfterAccess > 0 {
		d := int64(c.expireAfterAccess)
		for _, q := range []*linkedDeque{c.window, c.probation, c.protected, c.zeroWeight} {
			for {
				n := q.Front()
				if n == nil || now-n.getAccessTime() < d {
					break
				}
				c.evictNode(n, CauseExpired)
			}
		}
	}
	if c.expireAfterWrite > 0 {
		d := int64(c.expireAfterWrite)
		for {
			n := c.writeOrder.Front()
			if n == nil || now-n.getWriteTime() < d {
				break
			}
			c.evictNode(n, CauseExpired)
		}
	}
	if c.expiry != nil {
		c.wheel.Advance(now, func(n *node) {
			c.evictNode(n, CauseExpired)
		})
	}
}
