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

// timerWheel is a hierarchical timing wheel for per-entry expiration. Each
// level covers a power-of-two span (roughly 1.07s, 1.14m, 1.22h, 1.63d,
// 6.5d); entries further out than the last level's span park in its single
// bucket and cascade down as the wheel advances. All buckets are circular
// intrusive lists through the nodes' wheel links, guarded by the eviction
// lock.
type timerWheel struct {
	wheel [][]*node
	nanos int64
}

var (
	wheelBuckets = []int{64, 64, 32, 4, 1}
	wheelSpans   = []int64{
		1 << 30, // ceil pow2 of 1s
		1 << 36, // ceil pow2 of 1m
		1 << 42, // ceil pow2 of 1h
		1 << 47, // ceil pow2 of 1d
		1 << 49, // buckets[3] * span[3]
		1 << 49,
	}
	wheelShift = []uint{30, 36, 42, 47, 49}
)

func newTimerWheel(now int64) *timerWheel {
	w := &timerWheel{
		wheel: make([][]*node, len(wheelBuckets)),
		nanos: now,
	}
	for i, buckets := range wheelBuckets {
		w.wheel[i] = make([]*node, buckets)
		for j := range w.wheel[i] {
			sentinel := new(node)
			sentinel.prev[wheelLinks] = sentinel
			sentinel.next[wheelLinks] = sentinel
			w.wheel[i][j] = sentinel
		}
	}
	return w
}

// Schedule links the node into the bucket covering its deadline.
func (w *timerWheel) Schedule(n *node) {
	sentinel := w.findBucket(n.getExpiresAt())
	link(sentinel, n)
}

// Deschedule unlinks the node from its bucket, if scheduled.
func (w *timerWheel) Deschedule(n *node) {
	if n.inWheel() {
		unlink(n)
	}
}

// Reschedule moves the node to the bucket covering its updated deadline.
func (w *timerWheel) Reschedule(n *node) {
	w.Deschedule(n)
	w.Schedule(n)
}

func (w *timerWheel) findBucket(deadline int64) *node {
	duration := deadline - w.nanos
	last := len(w.wheel) - 1
	for i := 0; i < last; i++ {
		if duration < wheelSpans[i+1] {
			ticks := uint64(deadline) >> wheelShift[i]
			index := ticks & uint64(len(w.wheel[i])-1)
			return w.wheel[i][index]
		}
	}
	return w.wheel[last][0]
}

// Advance moves the wheel to the current tick, handing every expired node
// to expire. An unexpired node swept out of a coarse bucket cascades into
// the finer bucket for its remaining delay.
func (w *timerWheel) Advance(currentNanos int64, expire func(*node)) {
	previousNanos := w.nanos
	if currentNanos <= previousNanos {
		return
	}
	w.nanos = currentNanos
	for i := range wheelShift {
		previousTicks := uint64(previousNanos) >> wheelShift[i]
		currentTicks := uint64(currentNanos) >> wheelShift[i]
		if currentTicks <= previousTicks {
			break
		}
		w.expireLevel(i, previousTicks, currentTicks, expire)
	}
}

func (w *timerWheel) expireLevel(level int, previousTicks, currentTicks uint64, expire func(*node)) {
	buckets := w.wheel[level]
	mask := uint64(len(buckets) - 1)
	// The bucket at the previous tick may hold entries scheduled within the
	// current span, so the sweep starts there.
	steps := currentTicks - previousTicks + 1
	if steps > uint64(len(buckets)) {
		steps = uint64(len(buckets))
	}
	for i := uint64(0); i < steps; i++ {
		sentinel := buckets[(previousTicks+i)&mask]
		// Detach the whole chain first; rescheduling links nodes back in.
		n := sentinel.next[wheelLinks]
		sentinel.prev[wheelLinks] = sentinel
		sentinel.next[wheelLinks] = sentinel
		for n != sentinel {
			next := n.next[wheelLinks]
			n.prev[wheelLinks] = nil
			n.next[wheelLinks] = nil
			if n.getExpiresAt() <= w.nanos {
				expire(n)
			} else {
				w.Schedule(n)
			}
			n = next
		}
	}
}

func link(sentinel, n *node) {
	n.prev[wheelLinks] = sentinel.prev[wheelLinks]
	n.next[wheelLinks] = sentinel
	sentinel.prev[wheelLinks].next[wheelLinks] = n
	sentinel.prev[wheelLinks] = n
}

func unlink(n *node) {
	prev, next := n.prev[wheelLinks], n.next[wheelLinks]
	prev.next[wheelLinks] = next
	next.prev[wheelLinks] = prev
	n.prev[wheelLinks] = nil
	n.next[wheelLinks] = nil
}
