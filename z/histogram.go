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

package z

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// HistogramBounds creates bounds for an histogram. The bounds are powers of
// two of the form [2^minExponent, ..., 2^maxExponent].
func HistogramBounds(minExponent, maxExponent uint32) []float64 {
	var bounds []float64
	for i := minExponent; i <= maxExponent; i++ {
		bounds = append(bounds, float64(int64(1)<<i))
	}
	return bounds
}

// HistogramData stores the information needed to represent a distribution of
// observed values, for example load latencies, as a histogram.
type HistogramData struct {
	Bounds         []float64
	Count          int64
	CountPerBucket []int64
	Min            int64
	Max            int64
	Sum            int64
}

// NewHistogramData returns a new instance of HistogramData with properly
// initialized fields.
func NewHistogramData(bounds []float64) *HistogramData {
	return &HistogramData{
		Bounds:         bounds,
		CountPerBucket: make([]int64, len(bounds)+1),
		Max:            0,
		Min:            math.MaxInt64,
	}
}

// Copy returns a deep copy of the histogram.
func (histogram *HistogramData) Copy() *HistogramData {
	if histogram == nil {
		return nil
	}
	return &HistogramData{
		Bounds:         append([]float64{}, histogram.Bounds...),
		CountPerBucket: append([]int64{}, histogram.CountPerBucket...),
		Count:          histogram.Count,
		Min:            histogram.Min,
		Max:            histogram.Max,
		Sum:            histogram.Sum,
	}
}

// Update adds the value to the histogram, adjusting Min and Max if the value
// is less than or greater than the current values.
func (histogram *HistogramData) Update(value int64) {
	if value > histogram.Max {
		histogram.Max = value
	}
	if value < histogram.Min {
		histogram.Min = value
	}

	histogram.Sum += value
	histogram.Count++

	for index := 0; index <= len(histogram.Bounds); index++ {
		// Allocate value in the last bucket if we reached the end of the
		// Bounds array.
		if index == len(histogram.Bounds) {
			histogram.CountPerBucket[index]++
			break
		}
		if value < int64(histogram.Bounds[index]) {
			histogram.CountPerBucket[index]++
			break
		}
	}
}

// Mean returns the mean of the recorded values, or zero if none were
// recorded.
func (histogram *HistogramData) Mean() float64 {
	if histogram.Count == 0 {
		return 0
	}
	return float64(histogram.Sum) / float64(histogram.Count)
}

// Clear resets the histogram, keeping the bounds.
func (histogram *HistogramData) Clear() {
	histogram.Count = 0
	histogram.CountPerBucket = make([]int64, len(histogram.Bounds)+1)
	histogram.Sum = 0
	histogram.Max = 0
	histogram.Min = math.MaxInt64
}

// String converts the histogram data into a human-readable string.
func (histogram *HistogramData) String() string {
	if histogram == nil || histogram.Count == 0 {
		return "histogram: empty"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "count: %s min: %s max: %s mean: %.2f\n",
		humanize.Comma(histogram.Count), humanize.Comma(histogram.Min),
		humanize.Comma(histogram.Max), histogram.Mean())
	for index, count := range histogram.CountPerBucket {
		if count == 0 {
			continue
		}
		lo := float64(0)
		if index > 0 {
			lo = histogram.Bounds[index-1]
		}
		if index == len(histogram.Bounds) {
			fmt.Fprintf(&b, "[%.0f, max) %s\n", lo, humanize.Comma(count))
		} else {
			fmt.Fprintf(&b, "[%.0f, %.0f) %s\n", lo, histogram.Bounds[index], humanize.Comma(count))
		}
	}
	return b.String()
}
