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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyToHash(t *testing.T) {
	require.Panics(t, func() { KeyToHash(struct{}{}) })

	h, c := KeyToHash(nil)
	require.Zero(t, h)
	require.Zero(t, c)

	// Integers pass through with no conflict hash.
	h, c = KeyToHash(7)
	require.Equal(t, uint64(7), h)
	require.Zero(t, c)
	h, _ = KeyToHash(uint64(42))
	require.Equal(t, uint64(42), h)

	// Strings and bytes agree and are stable.
	sh, sc := KeyToHash("key")
	bh, bc := KeyToHash([]byte("key"))
	require.Equal(t, sh, bh)
	require.Equal(t, sc, bc)
	require.NotZero(t, sh)
	require.NotZero(t, sc)

	oh, oc := KeyToHash("other")
	require.NotEqual(t, sh, oh)
	require.NotEqual(t, sc, oc)
}

func TestNextPowerOf2(t *testing.T) {
	require.Equal(t, int64(1), NextPowerOf2(1))
	require.Equal(t, int64(2), NextPowerOf2(2))
	require.Equal(t, int64(4), NextPowerOf2(3))
	require.Equal(t, int64(8), NextPowerOf2(5))
	require.Equal(t, int64(1024), NextPowerOf2(1000))
	require.Equal(t, int64(1<<20), NextPowerOf2(1<<20))
}
