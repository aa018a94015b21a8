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

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Future is the pending form of a cache value. AsyncGet installs one in
// the map to claim the key's slot; once the loader finishes it either
// morphs into the loaded value or the slot is withdrawn. A Future completes
// exactly once.
type Future struct {
	state int32 // 0 pending, 1 completed
	done  chan struct{}

	// Written once before done is closed; read only after.
	value interface{}
	err   error

	// hook observes the completion and reconciles cache state. Set by the
	// cache before the future is published, never after.
	hook func(f *Future)
}

// NewFuture returns a pending future. Complete or Cancel it to resolve.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future already resolved to value. A nil value
// produces a future whose installation removes the mapping.
func CompletedFuture(value interface{}) *Future {
	f := NewFuture()
	f.complete(value, nil)
	return f
}

// complete resolves the future, reporting whether this call won the race.
// The losing completion is a no-op.
func (f *Future) complete(value interface{}, err error) bool {
	if !atomic.CompareAndSwapInt32(&f.state, 0, 1) {
		return false
	}
	f.value = value
	f.err = err
	close(f.done)
	if f.hook != nil {
		f.hook(f)
	}
	return true
}

// Complete resolves the future with a value, as a loader success would. A
// nil value resolves it as a load failure.
func (f *Future) Complete(value interface{}) bool {
	if value == nil {
		return f.complete(nil, errors.WithStack(ErrLoadFailure))
	}
	return f.complete(value, nil)
}

// Fail resolves the future exceptionally.
func (f *Future) Fail(err error) bool {
	return f.complete(nil, errors.Wrap(ErrLoadFailure, err.Error()))
}

// Cancel resolves the future as cancelled. The cache observes the
// completion and withdraws the slot, recording a load failure.
func (f *Future) Cancel() bool {
	return f.complete(nil, errors.Wrap(ErrLoadFailure, context.Canceled.Error()))
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has resolved.
func (f *Future) IsDone() bool { return atomic.LoadInt32(&f.state) == 1 }

// TryGet returns the result without blocking. ok is false while pending.
func (f *Future) TryGet() (value interface{}, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		return nil, nil, false
	}
}

// Get waits for the future to resolve or the context to end.
func (f *Future) Get(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// succeeded reports a resolved future holding a usable value.
func (f *Future) succeeded() bool {
	v, err, ok := f.TryGet()
	return ok && err == nil && v != nil
}
