package markov

import (
	"math"
	"math/rand/v2"
)

// HistogramSize is the number of distinct values a Histogram can count, one
// for every possible byte.
const HistogramSize = 256

// Histogram counts how often each byte value has been observed, along with a
// cached running total. The zero value is an empty histogram ready for use.
//
// A Histogram is not safe for concurrent use on its own; the Model that owns
// it serializes all access.
type Histogram struct {
	counts [HistogramSize]uint32
	total  uint32
}

// Count returns the number of times v has been recorded.
func (h *Histogram) Count(v byte) uint32 {
	return h.counts[v]
}

// Total returns the sum of all counts.
func (h *Histogram) Total() uint32 {
	return h.total
}

// Update records one occurrence of v. If the increment would overflow either
// the bin or the total, the histogram is rescaled first.
//
// The returned delta is the signed change of Total, which callers use to keep
// aggregate totals consistent across a rescale.
func (h *Histogram) Update(v byte) int64 {
	var delta int64
	if h.total == math.MaxUint32 || h.counts[v] == math.MaxUint32 {
		delta = h.rescale()
	}
	h.counts[v]++
	h.total++
	return delta + 1
}

// add records n occurrences of v at once, rescaling as many times as needed.
func (h *Histogram) add(v byte, n uint32) int64 {
	var delta int64
	for n > 0 {
		room := uint32(math.MaxUint32) - h.total
		if binRoom := uint32(math.MaxUint32) - h.counts[v]; binRoom < room {
			room = binRoom
		}
		if room == 0 {
			delta += h.rescale()
			continue
		}
		step := min(n, room)
		h.counts[v] += step
		h.total += step
		delta += int64(step)
		n -= step
	}
	return delta
}

// rescale halves every count, rounding up so that an observed value is never
// forgotten. It returns the (non-positive) change of the total.
func (h *Histogram) rescale() int64 {
	before := h.total
	var total uint32
	for i, c := range h.counts {
		c = c/2 + c%2
		h.counts[i] = c
		total += c
	}
	h.total = total
	return int64(total) - int64(before)
}

// remove drops every occurrence of v and returns how many were removed.
func (h *Histogram) remove(v byte) uint32 {
	n := h.counts[v]
	h.counts[v] = 0
	h.total -= n
	return n
}

// Sample draws a value with probability Count(v)/Total(). An empty histogram
// always yields 0.
func (h *Histogram) Sample(r *rand.Rand) byte {
	return drawFromHistogram(h, r)
}
