/*
 * Copyright 2021 Dgraph Labs, Inc. and Contributors
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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/jmnarloch/caffeine/z"
)

type metricType int

const (
	// The following 2 keep track of hits and misses.
	hit = iota
	miss
	// The following 3 keep track of number of keys added, updated and evicted.
	keyAdd
	keyUpdate
	keyEvict
	// The following 2 keep track of cost of keys added and evicted.
	costAdd
	costEvict
	// Sets rejected by the store (hash collision with a resident key).
	rejectSets
	// The following 2 keep track of how many access events were kept and
	// dropped on the floor by the lossy read buffer.
	dropGets
	keepGets
	// The following 2 keep track of loader outcomes.
	loadSuccess
	loadFailure
	// This should be the final enum. Other enums should be set before this.
	doNotUse
)

func stringFor(t metricType) string {
	switch t {
	case hit:
		return "hit"
	case miss:
		return "miss"
	case keyAdd:
		return "keys-added"
	case keyUpdate:
		return "keys-updated"
	case keyEvict:
		return "keys-evicted"
	case costAdd:
		return "cost-added"
	case costEvict:
		return "cost-evicted"
	case rejectSets:
		return "sets-rejected" // by the store.
	case dropGets:
		return "gets-dropped"
	case keepGets:
		return "gets-kept"
	case loadSuccess:
		return "loads-success"
	case loadFailure:
		return "loads-failure"
	default:
		return "unidentified"
	}
}

// Metrics is a snapshot of performance statistics for the lifetime of a
// cache instance.
type Metrics struct {
	all [doNotUse][]*uint64

	mu       sync.RWMutex
	loadTime *z.HistogramData // Tracks loader latency in nanoseconds.
}

func newMetrics() *Metrics {
	s := &Metrics{
		loadTime: z.NewHistogramData(z.HistogramBounds(10, 33)),
	}
	for i := 0; i < doNotUse; i++ {
		s.all[i] = make([]*uint64, 256)
		slice := s.all[i]
		for j := range slice {
			slice[j] = new(uint64)
		}
	}
	return s
}

func (p *Metrics) add(t metricType, hash, delta uint64) {
	if p == nil {
		return
	}
	valp := p.all[t]
	// Avoid false sharing by padding at least 64 bytes of space between two
	// atomic counters which would be incremented.
	idx := (hash % 25) * 10
	atomic.AddUint64(valp[idx], delta)
}

func (p *Metrics) get(t metricType) uint64 {
	if p == nil {
		return 0
	}
	valp := p.all[t]
	var total uint64
	for i := range valp {
		total += atomic.LoadUint64(valp[i])
	}
	return total
}

func (p *Metrics) trackLoadTime(nanos int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.loadTime.Update(nanos)
	p.mu.Unlock()
}

// Hits is the number of Get calls where a value was found for the
// corresponding key.
func (p *Metrics) Hits() uint64 { return p.get(hit) }

// Misses is the number of Get calls where a value was not found for the
// corresponding key.
func (p *Metrics) Misses() uint64 { return p.get(miss) }

// KeysAdded is the total number of Set calls where a new key-value item was
// added.
func (p *Metrics) KeysAdded() uint64 { return p.get(keyAdd) }

// KeysUpdated is the total number of Set calls where the value was updated.
func (p *Metrics) KeysUpdated() uint64 { return p.get(keyUpdate) }

// KeysEvicted is the total number of keys evicted.
func (p *Metrics) KeysEvicted() uint64 { return p.get(keyEvict) }

// CostAdded is the sum of weights of all the items added.
func (p *Metrics) CostAdded() uint64 { return p.get(costAdd) }

// CostEvicted is the sum of weights of all the items evicted.
func (p *Metrics) CostEvicted() uint64 { return p.get(costEvict) }

// SetsRejected is the number of Set calls rejected by the store.
func (p *Metrics) SetsRejected() uint64 { return p.get(rejectSets) }

// GetsDropped is the number of access events dropped by the lossy read
// buffer under contention.
func (p *Metrics) GetsDropped() uint64 { return p.get(dropGets) }

// GetsKept is the number of access events accepted by the read buffer.
func (p *Metrics) GetsKept() uint64 { return p.get(keepGets) }

// LoadsSuccess is the number of loader invocations that produced a value.
// A bulk load counts once.
func (p *Metrics) LoadsSuccess() uint64 { return p.get(loadSuccess) }

// LoadsFailure is the number of loader invocations that returned an error,
// returned nil, panicked or were cancelled.
func (p *Metrics) LoadsFailure() uint64 { return p.get(loadFailure) }

// Ratio is the number of Hits over all accesses (Hits + Misses). This is
// the percentage of successful Get calls.
func (p *Metrics) Ratio() float64 {
	if p == nil {
		return 0.0
	}
	hits, misses := p.get(hit), p.get(miss)
	if hits == 0 && misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses)
}

// LoadTime returns a snapshot of the loader latency histogram, in
// nanoseconds.
func (p *Metrics) LoadTime() *z.HistogramData {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadTime.Copy()
}

// Clear resets all the metrics.
func (p *Metrics) Clear() {
	if p == nil {
		return
	}
	for i := 0; i < doNotUse; i++ {
		for j := range p.all[i] {
			atomic.StoreUint64(p.all[i][j], 0)
		}
	}
	p.mu.Lock()
	p.loadTime.Clear()
	p.mu.Unlock()
}

// String returns a string representation of the metrics.
func (p *Metrics) String() string {
	if p == nil {
		return ""
	}
	var buf string
	for i := 0; i < doNotUse; i++ {
		t := metricType(i)
		buf += fmt.Sprintf("%s: %s ", stringFor(t), humanize.Comma(int64(p.get(t))))
	}
	buf += fmt.Sprintf("gets-total: %s ", humanize.Comma(int64(p.get(hit)+p.get(miss))))
	buf += fmt.Sprintf("hit-ratio: %.2f", p.Ratio())
	return buf
}
