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

package z

import (
	"github.com/cespare/xxhash/v2"
	farm "github.com/dgryski/go-farm"
)

// KeyToHash returns two hashes of the given key: the primary hash used to
// select a map shard and to index the frequency sketch, and a conflict hash
// used to tell apart distinct keys that collide on the primary hash. It
// accepts string, []byte, uint64, int64, int, int32, uint32 and byte; any
// other type, including the remaining integer types, panics.
func KeyToHash(key interface{}) (uint64, uint64) {
	if key == nil {
		return 0, 0
	}
	switch k := key.(type) {
	case uint64:
		return k, 0
	case byte:
		return uint64(k), 0
	case int:
		return uint64(k), 0
	case int32:
		return uint64(k), 0
	case uint32:
		return uint64(k), 0
	case int64:
		return uint64(k), 0
	case string:
		return xxhash.Sum64String(k), farm.Fingerprint64([]byte(k))
	case []byte:
		return xxhash.Sum64(k), farm.Fingerprint64(k)
	default:
		panic("Key type not supported")
	}
}

// NextPowerOf2 rounds x up to the next power of 2, if it's not already one.
func NextPowerOf2(x int64) int64 {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	return x
}
