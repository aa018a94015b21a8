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

import "sync/atomic"

// queueType identifies which policy deque, if any, currently holds a node.
type queueType int8

const (
	windowQueue queueType = iota
	probationQueue
	protectedQueue
	// zeroWeightQueue holds entries that weigh nothing, pending futures
	// included. They never face size eviction.
	zeroWeightQueue
	// deadQueue marks a node that has been unlinked from all policy
	// structures and unmapped from the store.
	deadQueue
)

// Link sets. A node is threaded through up to three intrusive lists at
// once: its access-order deque, the write-order deque and a timer wheel
// bucket. Each list uses its own pair of prev/next pointers so membership
// in one never disturbs another.
const (
	accessLinks = iota
	writeLinks
	wheelLinks
	numLinkSets
)

// node is a single cache entry. The key, hashes and raw key never change
// after construction. The value and weight are guarded by the owning store
// shard's lock. The link pointers, queue tag and policy weight are guarded
// by the eviction lock. Timestamps are atomics because the read hot path
// stamps them without any lock.
type node struct {
	keyHash  uint64
	conflict uint64
	key      interface{}

	value  interface{}
	weight int64

	accessTime int64
	writeTime  int64
	expiresAt  int64

	queueType    queueType
	policyWeight int64

	prev [numLinkSets]*node
	next [numLinkSets]*node
}

func (n *node) getAccessTime() int64     { return atomic.LoadInt64(&n.accessTime) }
func (n *node) setAccessTime(now int64)  { atomic.StoreInt64(&n.accessTime, now) }
func (n *node) getWriteTime() int64      { return atomic.LoadInt64(&n.writeTime) }
func (n *node) setWriteTime(now int64)   { atomic.StoreInt64(&n.writeTime, now) }
func (n *node) getExpiresAt() int64      { return atomic.LoadInt64(&n.expiresAt) }
func (n *node) setExpiresAt(nanos int64) { atomic.StoreInt64(&n.expiresAt, nanos) }

// isDead reports whether the node has been retired from the policy. Only
// meaningful under the eviction lock.
func (n *node) isDead() bool { return n.queueType == deadQueue }

// inWheel reports whether the node is linked into a timer wheel bucket.
// Only meaningful under the eviction lock.
func (n *node) inWheel() bool { return n.prev[wheelLinks] != nil }
