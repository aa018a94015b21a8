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

import "sync"

const numShards uint64 = 256

// shardedMap is the primary store: 256 independently locked maps keyed on
// the primary key hash, with a conflict hash to tell apart distinct keys
// that collide. Reads take only the owning shard's read lock, so the map
// supports fully concurrent readers and fine-grained concurrent writers.
type shardedMap struct {
	shards []*lockedMap
}

func newShardedMap(initialCapacity int) *shardedMap {
	sm := &shardedMap{
		shards: make([]*lockedMap, int(numShards)),
	}
	perShard := initialCapacity / int(numShards)
	for i := range sm.shards {
		sm.shards[i] = newLockedMap(perShard)
	}
	return sm
}

func (sm *shardedMap) shard(keyHash uint64) *lockedMap {
	return sm.shards[keyHash%numShards]
}

// Get returns the node and its current value. The value is captured under
// the shard lock so the caller never observes a torn update.
func (sm *shardedMap) Get(keyHash, conflict uint64) (*node, interface{}, bool) {
	return sm.shard(keyHash).get(keyHash, conflict)
}

// Upsert installs candidate if the key is absent, or replaces the resident
// node's value and weight with candidate's. It returns the resident node,
// the displaced value and weight, and whether candidate was inserted.
func (sm *shardedMap) Upsert(candidate *node) (resident *node, oldValue interface{}, oldWeight int64, inserted bool) {
	return sm.shard(candidate.keyHash).upsert(candidate)
}

// Compute runs remap for the key under the shard lock, exactly once. The
// remap receives the current value (nil, false when absent) and returns the
// new value; returning ok=false removes the mapping. Compute returns the
// affected node, the displaced value and weight, and what happened.
type computeOp int8

const (
	computeNone computeOp = iota
	computeInsert
	computeUpdate
	computeRemove
)

func (sm *shardedMap) Compute(candidate *node, remap func(old interface{}, present bool) (interface{}, bool)) (n *node, oldValue interface{}, oldWeight int64, op computeOp) {
	return sm.shard(candidate.keyHash).compute(candidate, remap)
}

// Remove unmaps the key and returns the evicted node and value.
func (sm *shardedMap) Remove(keyHash, conflict uint64) (*node, interface{}, bool) {
	return sm.shard(keyHash).remove(keyHash, conflict)
}

// RemoveNode unmaps the key only if it still maps to exactly this node,
// and, when expect is non-nil, only if the node still holds that value.
// Used by eviction and by async-load reconciliation so a racing writer is
// never clobbered.
func (sm *shardedMap) RemoveNode(n *node, expect interface{}) (interface{}, bool) {
	return sm.shard(n.keyHash).removeNode(n, expect)
}

// SetValue replaces the node's value and weight in place if the node is
// still mapped and still holds expect.
func (sm *shardedMap) SetValue(n *node, expect, value interface{}, weight int64) bool {
	return sm.shard(n.keyHash).setValue(n, expect, value, weight)
}

// Range calls fn with every resident node until fn returns false. Each
// shard is visited under its read lock.
func (sm *shardedMap) Range(fn func(n *node, value interface{}) bool) {
	for _, s := range sm.shards {
		if !s.walk(fn) {
			return
		}
	}
}

func (sm *shardedMap) Len() int {
	total := 0
	for _, s := range sm.shards {
		total += s.len()
	}
	return total
}

type lockedMap struct {
	mu   sync.RWMutex
	data map[uint64]*node
}

func newLockedMap(capacity int) *lockedMap {
	if capacity < 0 {
		capacity = 0
	}
	return &lockedMap{data: make(map[uint64]*node, capacity)}
}

func (m *lockedMap) get(keyHash, conflict uint64) (*node, interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.data[keyHash]
	if !ok {
		return nil, nil, false
	}
	if conflict != 0 && conflict != n.conflict {
		return nil, nil, false
	}
	return n, n.value, true
}

func (m *lockedMap) upsert(candidate *node) (*node, interface{}, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resident, ok := m.data[candidate.keyHash]
	if !ok {
		m.data[candidate.keyHash] = candidate
		return candidate, nil, 0, true
	}
	if candidate.conflict != 0 && candidate.conflict != resident.conflict {
		// A different key collided on the primary hash. The resident wins;
		// dropping the set keeps it consistent with its policy bookkeeping.
		return nil, nil, 0, false
	}
	oldValue, oldWeight := resident.value, resident.weight
	resident.value = candidate.value
	resident.weight = candidate.weight
	resident.setWriteTime(candidate.getWriteTime())
	resident.setExpiresAt(candidate.getExpiresAt())
	return resident, oldValue, oldWeight, false
}

func (m *lockedMap) compute(candidate *node, remap func(interface{}, bool) (interface{}, bool)) (*node, interface{}, int64, computeOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resident, ok := m.data[candidate.keyHash]
	collided := ok && candidate.conflict != 0 && candidate.conflict != resident.conflict
	if collided {
		resident, ok = nil, false
	}
	var oldValue interface{}
	var oldWeight int64
	if ok {
		oldValue, oldWeight = resident.value, resident.weight
	}
	newValue, keep := remap(oldValue, ok)
	switch {
	case !ok && !keep:
		return nil, nil, 0, computeNone
	case collided:
		// The slot belongs to a colliding key; the result is dropped.
		return nil, nil, 0, computeNone
	case !ok && keep:
		candidate.value = newValue
		m.data[candidate.keyHash] = candidate
		return candidate, nil, 0, computeInsert
	case ok && !keep:
		delete(m.data, resident.keyHash)
		return resident, oldValue, oldWeight, computeRemove
	default:
		resident.value = newValue
		resident.weight = candidate.weight
		resident.setWriteTime(candidate.getWriteTime())
		resident.setExpiresAt(candidate.getExpiresAt())
		return resident, oldValue, oldWeight, computeUpdate
	}
}

func (m *lockedMap) remove(keyHash, conflict uint64) (*node, interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.data[keyHash]
	if !ok {
		return nil, nil, false
	}
	if conflict != 0 && conflict != n.conflict {
		return nil, nil, false
	}
	delete(m.data, keyHash)
	return n, n.value, true
}

func (m *lockedMap) removeNode(n *node, expect interface{}) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resident, ok := m.data[n.keyHash]
	if !ok || resident != n {
		return nil, false
	}
	if expect != nil && resident.value != expect {
		return nil, false
	}
	delete(m.data, n.keyHash)
	return resident.value, true
}

func (m *lockedMap) setValue(n *node, expect, value interface{}, weight int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	resident, ok := m.data[n.keyHash]
	if !ok || resident != n || resident.value != expect {
		return false
	}
	resident.value = value
	resident.weight = weight
	return true
}

func (m *lockedMap) walk(fn func(*node, interface{}) bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.data {
		if !fn(n, n.value) {
			return false
		}
	}
	return true
}

func (m *lockedMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
