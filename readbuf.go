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
	"runtime"
	"sync/atomic"

	"github.com/jmnarloch/caffeine/z"
)

// Offer outcomes. A full stripe is the signal that maintenance is lagging
// and the caller should try to run a drain.
const (
	offerSuccess = iota
	offerFailed
	offerFull
)

// readBuffer batches access events so the read hot path never touches the
// policy structures directly. It is striped to spread contention and lossy
// by design: a failed or full offer drops the event, the hit itself is
// unaffected, and the drop is visible in the metrics.
type readBuffer struct {
	stripes []*readStripe
	mask    uint64
	rand    uint64
}

// readStripe is a fixed-capacity ring of node pointers with monotonically
// increasing read/write cursors. Writers claim a slot with a CAS on the
// write cursor and publish the pointer afterwards, so the drainer treats a
// nil slot as not-yet-published and stops there. After a full drain
// reads == writes.
type readStripe struct {
	slots [readStripeCapacity]atomic.Pointer[node]
	write atomic.Int64
	read  atomic.Int64

	// Padding reduces false sharing between adjacent stripes.
	_ [16]byte
}

const readStripeCapacity = 16

func newReadBuffer() *readBuffer {
	n := z.NextPowerOf2(int64(4 * runtime.GOMAXPROCS(0)))
	b := &readBuffer{
		stripes: make([]*readStripe, n),
		mask:    uint64(n - 1),
		rand:    0x9E3779B97F4A7C15,
	}
	for i := range b.stripes {
		b.stripes[i] = new(readStripe)
	}
	return b
}

// stripeIndex picks a stripe with a xorshift sequence. Go offers no stable
// goroutine identity, so a cheap pseudo-random pick stands in for the
// thread-id selection; losing an update to the seed under contention only
// perturbs the sequence.
func (b *readBuffer) stripeIndex() uint64 {
	s := atomic.LoadUint64(&b.rand)
	s ^= s << 13
	s ^= s >> 7
	s ^= s << 17
	atomic.StoreUint64(&b.rand, s)
	return s & b.mask
}

// Offer records an access event for the node, returning offerFull when the
// chosen stripe has no room and the caller should schedule a drain.
func (b *readBuffer) Offer(n *node) int {
	s := b.stripes[b.stripeIndex()]
	head := s.write.Load()
	if head-s.read.Load() >= readStripeCapacity {
		return offerFull
	}
	if !s.write.CompareAndSwap(head, head+1) {
		return offerFailed
	}
	s.slots[head&(readStripeCapacity-1)].Store(n)
	return offerSuccess
}

// DrainTo replays every buffered access event into consume. Must be called
// with the eviction lock held.
func (b *readBuffer) DrainTo(consume func(*node)) {
	for _, s := range b.stripes {
		head := s.write.Load()
		for tail := s.read.Load(); tail < head; tail++ {
			slot := &s.slots[tail&(readStripeCapacity-1)]
			n := slot.Load()
			if n == nil {
				// The writer claimed the slot but has not published yet.
				// Stop here; the cursor stays put so nothing is lost.
				head = tail
				break
			}
			slot.Store(nil)
			consume(n)
		}
		s.read.Store(head)
	}
}

// Reads and Writes expose the cursor totals for invariant checks.
func (b *readBuffer) Reads() int64 {
	var total int64
	for _, s := range b.stripes {
		total += s.read.Load()
	}
	return total
}

func (b *readBuffer) Writes() int64 {
	var total int64
	for _, s := range b.stripes {
		total += s.write.Load()
	}
	return total
}
