// Package netstats implements NetworkStats: rolling-window RSSI/SNR
// tracking, link-quality categorization, and per-criticality delivery
// counters for the hub's view of the network. Grounded on
// original_source/src/lora/network_stats.h.
package netstats

import (
	"math"
	"sort"
)

// RollingStats is a fixed-capacity circular window over int16 samples
// (RSSI in dBm, SNR in dB, both naturally represented as small integers).
// Unlike the original's RollingStats<WINDOW_SIZE> template, this is
// constructed with an explicit window size per SPEC_FULL.md's non-generic
// rendering: Go generics would work too, but the original is a single
// concrete instantiation (WINDOW_SIZE=100), so a runtime-sized ring keeps
// the translation direct without introducing a type parameter nothing else
// uses.
type RollingStats struct {
	values []int16
	size   int
	head   int
	count  int
}

// NewRollingStats returns a RollingStats with the given window capacity.
func NewRollingStats(size int) *RollingStats {
	if size <= 0 {
		size = 1
	}
	return &RollingStats{values: make([]int16, size), size: size}
}

// Add records a new sample, evicting the oldest once the window is full.
func (r *RollingStats) Add(value int16) {
	r.values[r.head] = value
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RollingStats) snapshot() []int16 {
	out := make([]int16, r.count)
	copy(out, r.values[:r.count])
	return out
}

// Mean returns the arithmetic mean of the current window, 0 if empty.
func (r *RollingStats) Mean() float64 {
	if r.count == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.values[:r.count] {
		sum += float64(v)
	}
	return sum / float64(r.count)
}

// StdDev returns the sample standard deviation, 0 if fewer than 2 samples.
func (r *RollingStats) StdDev() float64 {
	if r.count < 2 {
		return 0
	}
	mean := r.Mean()
	var sumSq float64
	for _, v := range r.values[:r.count] {
		diff := float64(v) - mean
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(r.count-1))
}

// Min returns the smallest sample in the window, 0 if empty.
func (r *RollingStats) Min() int16 {
	if r.count == 0 {
		return 0
	}
	min := r.values[0]
	for _, v := range r.values[:r.count] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest sample in the window, 0 if empty.
func (r *RollingStats) Max() int16 {
	if r.count == 0 {
		return 0
	}
	max := r.values[0]
	for _, v := range r.values[:r.count] {
		if v > max {
			max = v
		}
	}
	return max
}

// Percentile returns the value at the given percentile (0-100) of the
// current window, 0 if empty or percentile is out of range.
func (r *RollingStats) Percentile(p uint8) int16 {
	if r.count == 0 || p > 100 {
		return 0
	}
	sorted := r.snapshot()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (r.count - 1) * int(p) / 100
	return sorted[idx]
}

// IsTrendingUp reports whether the second half of the window averages more
// than 2 units above the first half. Requires at least 10 samples.
func (r *RollingStats) IsTrendingUp() bool {
	if r.count < 10 {
		return false
	}
	half := r.count / 2
	start := (r.head - r.count + r.size) % r.size // oldest sample
	var firstHalf, secondHalf float64
	for i := 0; i < half; i++ {
		firstHalf += float64(r.values[(start+i)%r.size])
	}
	for i := half; i < r.count; i++ {
		secondHalf += float64(r.values[(start+i)%r.size])
	}
	firstHalf /= float64(half)
	secondHalf /= float64(r.count - half)
	return secondHalf > firstHalf+2
}

// SampleCount returns how many samples are currently in the window.
func (r *RollingStats) SampleCount() int { return r.count }
