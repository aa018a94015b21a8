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

// The frequency sketch is a Count-Min sketch with 4-bit saturating
// counters, fronted by a doorkeeper bloom filter that absorbs one-hit
// wonders. A "freshness" mechanism halves every counter once enough
// additions have accumulated, so the estimate decays over time. Both ideas
// come from the TinyLFU paper [1].
//
// [1]: https://arxiv.org/abs/1512.00727

package caffeine

import (
	"fmt"

	"github.com/jmnarloch/caffeine/z"
)

const (
	// cmDepth is the number of counter copies to store (think of it as rows).
	cmDepth = 4
	// samplePeriod scales the aging threshold off the requested size.
	samplePeriod = 10
)

// frequencySketch maintains a decaying popularity estimate for every key
// hash that passes through the cache. Mutated only under the eviction lock.
type frequencySketch struct {
	rows       [cmDepth]cmRow
	seed       [cmDepth]uint64
	door       doorkeeper
	mask       uint64
	additions  int64
	sampleSize int64
}

// Odd 64-bit constants: three CityHash multipliers and the FNV-64 offset
// basis. Each row gets its own multiplier so the four derived indexes
// decorrelate.
var sketchSeeds = [cmDepth]uint64{
	0xc3a5c85c97cb3127,
	0xb492b66fbe98f273,
	0x9ae16a3b2f90404f,
	0xcbf29ce484222325,
}

func newFrequencySketch(size int64) *frequencySketch {
	if size <= 0 {
		panic("frequencySketch: bad size")
	}
	// The next power of 2 keeps indexing to a mask and helps cache lines.
	numCounters := z.NextPowerOf2(size)
	sketch := &frequencySketch{
		mask:       uint64(numCounters - 1),
		door:       newDoorkeeper(numCounters),
		sampleSize: samplePeriod * size,
	}
	for i := 0; i < cmDepth; i++ {
		sketch.seed[i] = sketchSeeds[i]
		sketch.rows[i] = newCmRow(numCounters)
	}
	return sketch
}

// indexOf derives the counter index for a row via multiply-shift on the
// 64-bit key hash.
func (s *frequencySketch) indexOf(hashed uint64, row int) uint64 {
	h := (hashed + s.seed[row]) * s.seed[row]
	h += h >> 32
	return h & s.mask
}

// Increment bumps the counters for the specified key hash. The first
// occurrence of a key lands in the doorkeeper instead of the sketch, so a
// flood of singletons cannot dilute the counters. Once enough additions
// accumulate the sketch is aged.
func (s *frequencySketch) Increment(hashed uint64) {
	if s.door.put(hashed) {
		s.additions++
	} else {
		for i := 0; i < cmDepth; i++ {
			s.rows[i].increment(s.indexOf(hashed, i))
		}
		s.additions++
	}
	if s.additions >= s.sampleSize {
		s.age()
	}
}

// Frequency returns the estimated popularity of the key hash, saturating
// at 15 plus the doorkeeper bit.
func (s *frequencySketch) Frequency(hashed uint64) int64 {
	min := byte(0xff)
	for i := 0; i < cmDepth; i++ {
		if v := s.rows[i].get(s.indexOf(hashed, i)); v < min {
			min = v
		}
	}
	estimate := int64(min)
	if s.door.has(hashed) {
		estimate++
	}
	return estimate
}

// age halves every counter and the addition count, and clears the
// doorkeeper, so the estimate favors recent popularity.
func (s *frequencySketch) age() {
	for _, r := range s.rows {
		r.reset()
	}
	s.door.clear()
	s.additions /= 2
}

// Clear zeroes the sketch entirely.
func (s *frequencySketch) Clear() {
	for _, r := range s.rows {
		r.clear()
	}
	s.door.clear()
	s.additions = 0
}

// cmRow is a row of bytes, with each byte holding two 4-bit counters.
type cmRow []byte

func newCmRow(numCounters int64) cmRow {
	return make(cmRow, numCounters/2)
}

func (r cmRow) get(n uint64) byte {
	return byte(r[n/2]>>((n&1)*4)) & 0x0f
}

func (r cmRow) increment(n uint64) {
	// Index of the counter.
	i := n / 2
	// Shift distance (even 0, odd 4).
	s := (n & 1) * 4
	// Only increment if not max value (overflow wrap is bad for LFU).
	v := (r[i] >> s) & 0x0f
	if v < 15 {
		r[i] += 1 << s
	}
}

func (r cmRow) reset() {
	// Halve each counter.
	for i := range r {
		r[i] = (r[i] >> 1) & 0x77
	}
}

func (r cmRow) clear() {
	for i := range r {
		r[i] = 0
	}
}

func (r cmRow) string() string {
	s := ""
	for i := uint64(0); i < uint64(len(r)*2); i++ {
		s += fmt.Sprintf("%02d ", (r[(i/2)]>>((i&1)*4))&0x0f)
	}
	return s[:len(s)-1]
}

// doorkeeper is a plain bloom filter used as the admission front described
// in the TinyLFU paper, section 3.4.2. A key must be seen twice before it
// reaches the count-min counters.
type doorkeeper struct {
	bits []uint64
	mask uint64
}

func newDoorkeeper(numCounters int64) doorkeeper {
	bits := numCounters
	if bits < 64 {
		bits = 64
	}
	return doorkeeper{
		bits: make([]uint64, bits/64),
		mask: uint64(bits - 1),
	}
}

func (d doorkeeper) indexes(hashed uint64) (uint64, uint64) {
	// Two probes derived from the upper and lower halves of the hash.
	return hashed & d.mask, (hashed>>32 | hashed<<32) & d.mask
}

// put sets the key's bits and reports whether the key was absent.
func (d doorkeeper) put(hashed uint64) bool {
	a, b := d.indexes(hashed)
	wasAbsent := !d.hasBit(a) || !d.hasBit(b)
	d.bits[a/64] |= 1 << (a % 64)
	d.bits[b/64] |= 1 << (b % 64)
	return wasAbsent
}

func (d doorkeeper) has(hashed uint64) bool {
	a, b := d.indexes(hashed)
	return d.hasBit(a) && d.hasBit(b)
}

func (d doorkeeper) hasBit(i uint64) bool {
	return d.bits[i/64]&(1<<(i%64)) != 0
}

func (d doorkeeper) clear() {
	for i := range d.bits {
		d.bits[i] = 0
	}
}
