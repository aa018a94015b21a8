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

// Package caffeine is a fast, bounded, in-memory cache with a dual focus on
// throughput and hit ratio. The three main components are:
//
//  1. The hash map: a sharded store supporting concurrent readers.
//  2. The admission and eviction policy: Window-TinyLFU over three
//     access-ordered deques with a count-min frequency sketch.
//  3. The buffers: per-stripe read rings and a write queue that batch
//     policy updates off the hot path.
//
// All three work together to keep the most valuable key-value pairs in the
// map while reads take only their shard's read lock and writes only contend
// on their shard.
// Policy bookkeeping is replayed in amortized maintenance passes under a
// single try-locked mutex.
package caffeine

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/jmnarloch/caffeine/z"
)

// Ticker is the cache's monotonic time source, in nanoseconds. Replace it
// in tests to control expiration.
type Ticker interface {
	Read() int64
}

type systemTicker struct {
	base time.Time
}

func (t systemTicker) Read() int64 { return int64(time.Since(t.base)) }

// Weigher computes the weight of an entry. It is called at most once per
// insert or update. A negative result is a programming error and panics.
type Weigher func(key, value interface{}) int64

// LoadFunc computes the value for a missing key.
type LoadFunc func(ctx context.Context, key interface{}) (interface{}, error)

// BulkLoadFunc computes values for a batch of missing keys in one call. It
// may return more entries than requested; extras are cached too.
type BulkLoadFunc func(ctx context.Context, keys []interface{}) (map[interface{}]interface{}, error)

// RemovalListener observes entries leaving the cache. It is invoked on the
// configured executor, never inline on the hot path; a panic is recovered
// and logged and never affects cache state.
type RemovalListener func(key, value interface{}, cause RemovalCause)

// Executor runs asynchronous work: loads, refreshes and removal
// notifications. The default spawns a goroutine per task.
type Executor func(task func())

// ExpiryFunc returns the duration an entry may live after its creation or
// update. Entries are tracked in a hierarchical timer wheel.
type ExpiryFunc func(key, value interface{}) time.Duration

// RemovalCause tells a removal listener why an entry was discarded.
type RemovalCause int8

const (
	// CauseExplicit is a user-requested removal.
	CauseExplicit RemovalCause = iota
	// CauseReplaced means the value was overwritten by a newer one.
	CauseReplaced
	// CauseCollected means the value was a discarded future.
	CauseCollected
	// CauseExpired means the entry outlived its expiry.
	CauseExpired
	// CauseSize means the entry was evicted by the size policy.
	CauseSize
)

func (c RemovalCause) String() string {
	switch c {
	case CauseExplicit:
		return "explicit"
	case CauseReplaced:
		return "replaced"
	case CauseCollected:
		return "collected"
	case CauseExpired:
		return "expired"
	case CauseSize:
		return "size"
	default:
		return "unknown"
	}
}

// WasEvicted reports whether the removal was made by the cache rather than
// requested by the user.
func (c RemovalCause) WasEvicted() bool {
	return c == CauseExpired || c == CauseSize || c == CauseCollected
}

// Config drives NewCache. MaximumWeight of zero disables the size policy;
// expiration and loading still work.
type Config struct {
	// MaximumWeight is the weight capacity of the cache. With the default
	// weigher every entry weighs 1, making this a maximum size.
	MaximumWeight int64
	// InitialCapacity pre-sizes the store shards.
	InitialCapacity int
	// BufferItems caps the write buffer. Zero picks a sensible default.
	BufferItems int64
	// ExpireAfterWrite discards an entry this long after its last write.
	ExpireAfterWrite time.Duration
	// ExpireAfterAccess discards an entry this long after its last access.
	ExpireAfterAccess time.Duration
	// ExpireAfter computes a per-entry lifetime on create and update.
	ExpireAfter ExpiryFunc
	// Weigher computes entry weights. Defaults to a constant 1.
	Weigher Weigher
	// OnRemoval observes discarded entries.
	OnRemoval RemovalListener
	// Executor runs asynchronous work. Defaults to one goroutine per task.
	Executor Executor
	// Ticker is the time source. Defaults to the monotonic clock.
	Ticker Ticker
	// Loader is the default loader used by Get, GetAll and Refresh.
	Loader LoadFunc
	// BulkLoader, when set, serves all of a GetAll's misses in one call.
	BulkLoader BulkLoadFunc
	// Metrics enables statistics collection (with some overhead).
	Metrics bool
	// Logger receives listener failures and discarded refresh errors.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Cache is a bounded, concurrent, in-memory key-value cache with W-TinyLFU
// admission. All methods are safe for concurrent use.
type Cache struct {
	data     *shardedMap
	readBuf  *readBuffer
	writeBuf *writeBuffer

	evictionLock sync.Mutex
	drainStatus  atomic.Int32

	// Policy state below is guarded by evictionLock.
	sketch     *frequencySketch
	window     *linkedDeque
	probation  *linkedDeque
	protected  *linkedDeque
	zeroWeight *linkedDeque
	writeOrder *linkedDeque
	wheel      *timerWheel

	maximum              int64
	windowMaximum        int64
	mainProtectedMaximum int64

	weightedSize              int64
	windowWeightedSize        int64
	mainProtectedWeightedSize int64

	hitsInSample          int64
	missesInSample        int64
	previousSampleHitRate float64
	stepSize              float64
	rand                  uint64

	expireAfterWrite  time.Duration
	expireAfterAccess time.Duration
	expiry            ExpiryFunc
	weigher           Weigher
	onRemoval         RemovalListener
	executor          Executor
	ticker            Ticker
	loader            LoadFunc
	bulkLoader        BulkLoadFunc
	logger            *slog.Logger

	// Metrics is non-nil when Config.Metrics was set.
	Metrics *Metrics

	closed atomic.Bool
}

// NewCache builds a cache from the config.
func NewCache(config *Config) (*Cache, error) {
	switch {
	case config == nil:
		return nil, errors.New("caffeine: config must not be nil")
	case config.MaximumWeight < 0:
		return nil, errors.New("caffeine: MaximumWeight must not be negative")
	case config.InitialCapacity < 0:
		return nil, errors.New("caffeine: InitialCapacity must not be negative")
	case config.ExpireAfterWrite < 0 || config.ExpireAfterAccess < 0:
		return nil, errors.New("caffeine: expiry durations must not be negative")
	}

	c := &Cache{
		data:              newShardedMap(config.InitialCapacity),
		readBuf:           newReadBuffer(),
		writeBuf:          newWriteBuffer(config.BufferItems),
		window:            newDeque(accessLinks),
		probation:         newDeque(accessLinks),
		protected:         newDeque(accessLinks),
		zeroWeight:        newDeque(accessLinks),
		writeOrder:        newDeque(writeLinks),
		maximum:           config.MaximumWeight,
		expireAfterWrite:  config.ExpireAfterWrite,
		expireAfterAccess: config.ExpireAfterAccess,
		expiry:            config.ExpireAfter,
		weigher:           config.Weigher,
		onRemoval:         config.OnRemoval,
		executor:          config.Executor,
		ticker:            config.Ticker,
		loader:            config.Loader,
		bulkLoader:        config.BulkLoader,
		logger:            config.Logger,
		rand:              0x9E3779B97F4A7C15,
	}
	if c.weigher == nil {
		c.weigher = func(key, value interface{}) int64 { return 1 }
	}
	if c.executor == nil {
		c.executor = func(task func()) { go task() }
	}
	if c.ticker == nil {
		c.ticker = systemTicker{base: time.Now()}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if config.Metrics {
		c.Metrics = newMetrics()
	}
	if c.maximum > 0 {
		c.sketch = newFrequencySketch(c.maximum)
		c.windowMaximum = c.maximum / 100
		if c.windowMaximum < 1 {
			c.windowMaximum = 1
		}
		main := c.maximum - c.windowMaximum
		c.mainProtectedMaximum = (main * 4) / 5
		c.stepSize = hillClimberStepPercent * float64(c.maximum)
	}
	c.wheel = newTimerWheel(c.ticker.Read())
	return c, nil
}

func (c *Cache) weigh(key, value interface{}) int64 {
	w := c.weigher(key, value)
	if w < 0 {
		panic("caffeine: weigher returned a negative weight")
	}
	return w
}

// GetIfPresent returns the value for the key if resident and not expired.
// A pending or failed load is a miss. A nil key is a miss.
func (c *Cache) GetIfPresent(key interface{}) (interface{}, bool) {
	if key == nil || c.closed.Load() {
		return nil, false
	}
	keyHash, conflict := z.KeyToHash(key)
	now := c.ticker.Read()
	n, value, ok := c.data.Get(keyHash, conflict)
	if !ok {
		c.Metrics.add(miss, keyHash, 1)
		return nil, false
	}
	if c.hasExpired(n, now) {
		// Removal is left to maintenance; the read just observes a miss.
		c.Metrics.add(miss, keyHash, 1)
		c.scheduleAfterWrite()
		return nil, false
	}
	if f, isFuture := value.(*Future); isFuture {
		v, err, done := f.TryGet()
		if !done || err != nil || v == nil {
			c.Metrics.add(miss, keyHash, 1)
			return nil, false
		}
		value = v
	}
	n.setAccessTime(now)
	c.Metrics.add(hit, keyHash, 1)
	c.afterRead(n)
	return value, true
}

// Put inserts or replaces the value for the key. Replacing notifies the
// removal listener with CauseReplaced. A *Future value is reconciled per
// its state: resolved non-nil futures store their value, resolved nil or
// failed futures remove the mapping, pending futures claim the slot only
// when the key is absent and are reconciled on completion. A pending
// future put over a resident entry is not installed; the resident stays.
func (c *Cache) Put(key, value interface{}) error {
	if c.closed.Load() {
		return errors.WithStack(ErrClosed)
	}
	if key == nil {
		return errors.WithStack(ErrNilKey)
	}
	if value == nil {
		return errors.WithStack(ErrNilValue)
	}
	if f, isFuture := value.(*Future); isFuture {
		return c.putFuture(key, f)
	}
	keyHash, conflict := z.KeyToHash(key)
	weight := c.weigh(key, value)
	if c.maximum > 0 && weight > c.maximum {
		return errors.WithStack(ErrEntryTooLarge)
	}
	now := c.ticker.Read()
	candidate := &node{keyHash: keyHash, conflict: conflict, key: key, value: value, weight: weight}
	candidate.setAccessTime(now)
	candidate.setWriteTime(now)
	if c.expiry != nil {
		candidate.setExpiresAt(now + int64(c.expiry(key, value)))
	}
	resident, oldValue, oldWeight, inserted := c.data.Upsert(candidate)
	if resident == nil {
		c.Metrics.add(rejectSets, keyHash, 1)
		return nil
	}
	if inserted {
		c.Metrics.add(keyAdd, keyHash, 1)
		c.Metrics.add(costAdd, keyHash, uint64(weight))
		c.afterWrite(writeTask{kind: addTask, node: resident, weightDelta: weight})
		return nil
	}
	resident.setAccessTime(now)
	c.Metrics.add(keyUpdate, keyHash, 1)
	c.notifyDisplaced(key, oldValue, CauseReplaced)
	c.afterWrite(writeTask{kind: updateTask, node: resident, weightDelta: weight - oldWeight})
	return nil
}

func (c *Cache) putFuture(key interface{}, f *Future) error {
	if v, err, done := f.TryGet(); done {
		if err == nil && v != nil {
			return c.Put(key, v)
		}
		// A resolved empty future erases the mapping.
		return c.Invalidate(key)
	}
	_, install, err := c.claimSlot(key, f)
	if err != nil || !install {
		return err
	}
	return nil
}

// PutAll inserts every entry of the map.
func (c *Cache) PutAll(entries map[interface{}]interface{}) error {
	for k, v := range entries {
		if err := c.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes the key's mapping, notifying the removal listener
// with CauseExplicit.
func (c *Cache) Invalidate(key interface{}) error {
	if c.closed.Load() {
		return errors.WithStack(ErrClosed)
	}
	if key == nil {
		return errors.WithStack(ErrNilKey)
	}
	keyHash, conflict := z.KeyToHash(key)
	n, value, ok := c.data.Remove(keyHash, conflict)
	if !ok {
		return nil
	}
	c.notifyDisplaced(key, value, CauseExplicit)
	c.afterWrite(writeTask{kind: deleteTask, node: n})
	return nil
}

// InvalidateKeys removes every key in the batch.
func (c *Cache) InvalidateKeys(keys []interface{}) error {
	for _, k := range keys {
		if err := c.Invalidate(k); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateAll discards every entry in the cache.
func (c *Cache) InvalidateAll() {
	var nodes []*node
	c.data.Range(func(n *node, value interface{}) bool {
		nodes = append(nodes, n)
		return true
	})
	for _, n := range nodes {
		if value, ok := c.data.RemoveNode(n, nil); ok {
			c.notifyDisplaced(n.key, value, CauseExplicit)
			c.afterWrite(writeTask{kind: deleteTask, node: n})
		}
	}
}

// Compute atomically mutates the key's mapping. The remap function runs
// exactly once inside the critical section: it receives the current value
// (nil, false when absent) and returns the new value; ok=false, or a nil
// value, removes the mapping. Compute returns the value that remains
// mapped, or nil.
func (c *Cache) Compute(key interface{}, remap func(old interface{}, present bool) (interface{}, bool)) (interface{}, error) {
	if c.closed.Load() {
		return nil, errors.WithStack(ErrClosed)
	}
	if key == nil {
		return nil, errors.WithStack(ErrNilKey)
	}
	keyHash, conflict := z.KeyToHash(key)
	now := c.ticker.Read()
	candidate := &node{keyHash: keyHash, conflict: conflict, key: key}
	candidate.setAccessTime(now)
	candidate.setWriteTime(now)
	var result interface{}
	wrapped := func(old interface{}, present bool) (interface{}, bool) {
		value, keep := remap(old, present)
		if !keep || value == nil {
			return nil, false
		}
		candidate.weight = c.weigh(key, value)
		if c.expiry != nil {
			candidate.setExpiresAt(now + int64(c.expiry(key, value)))
		}
		result = value
		return value, true
	}
	n, oldValue, oldWeight, op := c.data.Compute(candidate, wrapped)
	switch op {
	case computeInsert:
		c.Metrics.add(keyAdd, keyHash, 1)
		c.Metrics.add(costAdd, keyHash, uint64(candidate.weight))
		c.afterWrite(writeTask{kind: addTask, node: n, weightDelta: candidate.weight})
		return result, nil
	case computeUpdate:
		c.Metrics.add(keyUpdate, keyHash, 1)
		c.notifyDisplaced(key, oldValue, CauseReplaced)
		c.afterWrite(writeTask{kind: updateTask, node: n, weightDelta: candidate.weight - oldWeight})
		return result, nil
	case computeRemove:
		c.notifyDisplaced(key, oldValue, CauseExplicit)
		c.afterWrite(writeTask{kind: deleteTask, node: n})
		return nil, nil
	default:
		return nil, nil
	}
}

// Get returns the cached value, loading it on a miss. Concurrent callers
// for the same key share a single load.
func (c *Cache) Get(ctx context.Context, key interface{}, loader LoadFunc) (interface{}, error) {
	f := c.AsyncGet(ctx, key, loader)
	return f.Get(ctx)
}

// AsyncGet returns a future for the key's value, starting a load on the
// configured executor when the key is absent. At most one load per key is
// in flight; racing callers observe the winner's future.
func (c *Cache) AsyncGet(ctx context.Context, key interface{}, loader LoadFunc) *Future {
	if c.closed.Load() {
		return failedFuture(ErrClosed)
	}
	if key == nil {
		return failedFuture(ErrNilKey)
	}
	if loader == nil {
		loader = c.loader
	}
	keyHash, conflict := z.KeyToHash(key)
	now := c.ticker.Read()

	if n, value, ok := c.data.Get(keyHash, conflict); ok {
		if !c.hasExpired(n, now) {
			n.setAccessTime(now)
			c.Metrics.add(hit, keyHash, 1)
			c.afterRead(n)
			if f, isFuture := value.(*Future); isFuture {
				return f
			}
			return CompletedFuture(value)
		}
		// Retire the expired resident before claiming its slot.
		if removed, ok := c.data.RemoveNode(n, nil); ok {
			c.notifyDisplaced(key, removed, CauseExpired)
			c.afterWrite(writeTask{kind: deleteTask, node: n})
		}
	}
	if loader == nil {
		c.Metrics.add(miss, keyHash, 1)
		return failedFuture(ErrNoLoader)
	}

	f := NewFuture()
	winner, install, err := c.claimSlot(key, f)
	if err != nil {
		return failedFuture(err)
	}
	if !install {
		// Lost the race; share the in-flight or resident result.
		c.Metrics.add(hit, keyHash, 1)
		return winner
	}
	c.Metrics.add(miss, keyHash, 1)
	c.executor(func() {
		defer func() {
			if r := recover(); r != nil {
				f.complete(nil, errors.Wrapf(ErrLoadFailure, "key %v: loader panicked: %v", key, r))
			}
		}()
		value, err := loader(ctx, key)
		switch {
		case err != nil:
			f.complete(nil, errors.Wrapf(ErrLoadFailure, "key %v: %v", key, err))
		case value == nil:
			// A nil result is a load failure, not an insert.
			f.complete(nil, errors.Wrapf(ErrLoadFailure, "key %v: loader returned nil", key))
		default:
			f.complete(value, nil)
		}
	})
	return f
}

// claimSlot installs the pending future for the key iff the key is absent.
// It returns the future to hand out and whether ours was installed.
func (c *Cache) claimSlot(key interface{}, f *Future) (*Future, bool, error) {
	keyHash, conflict := z.KeyToHash(key)
	now := c.ticker.Read()
	candidate := &node{keyHash: keyHash, conflict: conflict, key: key}
	candidate.setAccessTime(now)
	candidate.setWriteTime(now)
	start := now

	var winner *Future
	n, _, _, op := c.data.Compute(candidate, func(old interface{}, present bool) (interface{}, bool) {
		if present {
			if other, isFuture := old.(*Future); isFuture {
				winner = other
			} else {
				winner = CompletedFuture(old)
			}
			return old, true
		}
		// The hook attaches under the shard lock, before the future is
		// visible to any other caller.
		f.hook = func(f *Future) { c.reconcileLoad(candidate, f, start) }
		return f, true
	})
	if winner != nil {
		return winner, false, nil
	}
	if op != computeInsert || n == nil {
		// A colliding key owns the slot.
		return nil, false, errors.WithStack(ErrLoadFailure)
	}
	// Pending loads weigh nothing until the value materializes.
	c.afterWrite(writeTask{kind: addTask, node: n, weightDelta: 0})
	return f, true, nil
}

// reconcileLoad runs once per future, on the goroutine that resolved it.
// Success morphs the future into the loaded value; anything else withdraws
// the slot so no unresolved or failed entry remains reachable.
func (c *Cache) reconcileLoad(n *node, f *Future, start int64) {
	elapsed := c.ticker.Read() - start
	value, err, _ := f.TryGet()
	if err == nil && value != nil {
		weight := c.weigh(n.key, value)
		if c.maximum > 0 && weight > c.maximum {
			if _, removed := c.data.RemoveNode(n, f); removed {
				c.afterWrite(writeTask{kind: deleteTask, node: n})
			}
			c.Metrics.add(loadSuccess, n.keyHash, 1)
			c.Metrics.trackLoadTime(elapsed)
			return
		}
		if c.data.SetValue(n, f, value, weight) {
			now := c.ticker.Read()
			n.setWriteTime(now)
			if c.expiry != nil {
				n.setExpiresAt(now + int64(c.expiry(n.key, value)))
			}
			c.afterWrite(writeTask{kind: updateTask, node: n, weightDelta: weight})
		}
		c.Metrics.add(loadSuccess, n.keyHash, 1)
		c.Metrics.trackLoadTime(elapsed)
		return
	}
	if _, removed := c.data.RemoveNode(n, f); removed {
		c.afterWrite(writeTask{kind: deleteTask, node: n})
	}
	c.Metrics.add(loadFailure, n.keyHash, 1)
	c.Metrics.trackLoadTime(elapsed)
}

func failedFuture(err error) *Future {
	f := NewFuture()
	f.complete(nil, errors.WithStack(err))
	return f
}

// GetAll returns the values for the keys, loading the missing ones. With a
// BulkLoader all misses are served by a single call; otherwise they load
// in parallel. The result is a fresh snapshot containing only the
// requested keys that resolved.
func (c *Cache) GetAll(ctx context.Context, keys []interface{}, loader LoadFunc) (map[interface{}]interface{}, error) {
	if c.closed.Load() {
		return nil, errors.WithStack(ErrClosed)
	}
	result := make(map[interface{}]interface{}, len(keys))
	var missing []interface{}
	for _, k := range keys {
		if k == nil {
			return nil, errors.WithStack(ErrNilKey)
		}
		if _, ok := result[k]; ok {
			continue
		}
		if v, ok := c.GetIfPresent(k); ok {
			result[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}
	if c.bulkLoader != nil {
		start := c.ticker.Read()
		loaded, err := c.bulkLoader(ctx, missing)
		c.Metrics.trackLoadTime(c.ticker.Read() - start)
		if err != nil {
			c.Metrics.add(loadFailure, 0, 1)
			return result, errors.Wrapf(ErrLoadFailure, "bulk load: %v", err)
		}
		c.Metrics.add(loadSuccess, 0, 1)
		// The loader may return more than asked; cache everything, return
		// only what was requested.
		for k, v := range loaded {
			if v == nil {
				continue
			}
			if err := c.Put(k, v); err != nil {
				return result, err
			}
		}
		for _, k := range missing {
			if v, ok := loaded[k]; ok && v != nil {
				result[k] = v
			}
		}
		return result, nil
	}
	if loader == nil {
		loader = c.loader
	}
	if loader == nil {
		return result, nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4 * runtime.GOMAXPROCS(0))
	for _, k := range missing {
		k := k
		g.Go(func() error {
			v, err := c.Get(gctx, k, loader)
			if err != nil {
				return err
			}
			mu.Lock()
			result[k] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// Refresh reloads the key's value asynchronously using the configured
// loader. The stale value remains served until the reload lands; a failed
// reload is logged and discarded.
func (c *Cache) Refresh(ctx context.Context, key interface{}) error {
	if c.closed.Load() {
		return errors.WithStack(ErrClosed)
	}
	if key == nil {
		return errors.WithStack(ErrNilKey)
	}
	if c.loader == nil {
		return errors.WithStack(ErrNoLoader)
	}
	loader := c.loader
	c.executor(func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("caffeine: refresh loader panicked", "key", key, "recover", r)
			}
		}()
		keyHash, _ := z.KeyToHash(key)
		start := c.ticker.Read()
		value, err := loader(ctx, key)
		c.Metrics.trackLoadTime(c.ticker.Read() - start)
		if err != nil || value == nil {
			c.Metrics.add(loadFailure, keyHash, 1)
			c.logger.Warn("caffeine: refresh failed", "key", key, "err", err)
			return
		}
		c.Metrics.add(loadSuccess, keyHash, 1)
		if err := c.Put(key, value); err != nil {
			c.logger.Warn("caffeine: refresh store failed", "key", key, "err", err)
		}
	})
	return nil
}

// EstimatedSize returns the number of resident entries. The estimate may
// include entries pending eviction.
func (c *Cache) EstimatedSize() int {
	return c.data.Len()
}

// WeightedSize returns the policy's view of the total weight. It forces a
// maintenance pass so pending work is reflected.
func (c *Cache) WeightedSize() int64 {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.maintenance()
	return c.weightedSize
}

// AsMap returns a snapshot of the resident, unexpired, materialized
// entries.
func (c *Cache) AsMap() map[interface{}]interface{} {
	now := c.ticker.Read()
	snapshot := make(map[interface{}]interface{}, c.data.Len())
	c.data.Range(func(n *node, value interface{}) bool {
		if c.hasExpired(n, now) {
			return true
		}
		if f, isFuture := value.(*Future); isFuture {
			v, err, done := f.TryGet()
			if !done || err != nil || v == nil {
				return true
			}
			value = v
		}
		snapshot[n.key] = value
		return true
	})
	return snapshot
}

// CleanUp forces a maintenance pass: buffered reads and writes are
// replayed, expired entries dropped and the capacity enforced.
func (c *Cache) CleanUp() {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.maintenance()
}

// Close marks the cache closed. Outstanding entries stay reachable through
// AsMap until collected; new operations fail with ErrClosed.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.CleanUp()
	return nil
}

func (c *Cache) hasExpired(n *node, now int64) bool {
	if c.expireAfterAccess > 0 && now-n.getAccessTime() >= int64(c.expireAfterAccess) {
		return true
	}
	if c.expireAfterWrite > 0 && now-n.getWriteTime() >= int64(c.expireAfterWrite) {
		return true
	}
	if c.expiry != nil {
		// A zero deadline means none was assigned yet (a pending load).
		if deadline := n.getExpiresAt(); deadline > 0 && now >= deadline {
			return true
		}
	}
	return false
}

// notifyDisplaced hands a displaced value to the removal listener on the
// executor. Unresolved futures carry no materialized value: their waiters
// see the completion, so the listener is not told.
func (c *Cache) notifyDisplaced(key, value interface{}, cause RemovalCause) {
	if f, isFuture := value.(*Future); isFuture {
		v, err, done := f.TryGet()
		if !done {
			// The slot is gone; cancel so waiters are not stranded.
			f.Cancel()
			return
		}
		if err != nil || v == nil {
			return
		}
		value = v
		if cause == CauseReplaced {
			cause = CauseCollected
		}
	}
	c.notifyRemoval(key, value, cause)
}

func (c *Cache) notifyRemoval(key, value interface{}, cause RemovalCause) {
	if c.onRemoval == nil {
		return
	}
	listener := c.onRemoval
	logger := c.logger
	c.executor(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("caffeine: removal listener panicked",
					"cause", cause.String(), "recover", r)
			}
		}()
		listener(key, value, cause)
	})
}
