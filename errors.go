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

import "github.com/pkg/errors"

var (
	// ErrNilKey is returned when a nil key is passed to a public entry
	// point.
	ErrNilKey = errors.New("caffeine: key must not be nil")

	// ErrNilValue is returned when a nil value is passed to Put or PutAll.
	ErrNilValue = errors.New("caffeine: value must not be nil")

	// ErrEntryTooLarge is returned when an entry's weight exceeds the
	// cache maximum and can therefore never be admitted.
	ErrEntryTooLarge = errors.New("caffeine: entry weight exceeds maximum")

	// ErrLoadFailure wraps loader errors: the loader returned an error,
	// returned nil, panicked, or its future was cancelled. Match with
	// errors.Is.
	ErrLoadFailure = errors.New("caffeine: load failed")

	// ErrNoLoader is returned by Get and Refresh when neither a per-call
	// nor a configured loader is available. GetAll without any loader
	// returns the entries already present and no error.
	ErrNoLoader = errors.New("caffeine: no loader provided")

	// ErrClosed is returned once the cache has been closed.
	ErrClosed = errors.New("caffeine: cache is closed")
)
