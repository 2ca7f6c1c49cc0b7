// Package latency keeps streaming latency statistics for a probe run.
package latency

import (
	"math"
	"sort"
	"sync"
)

// DefaultCapacity bounds the sample buffer used for percentiles.
const DefaultCapacity = 2000

// Snapshot is a point-in-time view of the aggregated latencies, in ms.
type Snapshot struct {
	Count  uint64
	Avg    float64
	Min    float64
	Max    float64
	Jitter float64
	P90    float64
}

// Aggregator accumulates latency samples. Min, max and average cover every
// accepted sample; P90 only covers the most recent Capacity samples.
type Aggregator struct {
	mu sync.Mutex

	sum   float64
	count uint64
	min   float64
	max   float64

	last      float64
	hasLast   bool
	jitterSum float64
	jitterN   uint64

	ring  []float64
	next  int
	full  bool
	limit int
}

func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	a := &Aggregator{limit: capacity}
	a.resetLocked()
	return a
}

// Accept adds one latency sample. Negative values are rejected.
func (a *Aggregator) Accept(latency float64) bool {
	if latency < 0 || math.IsNaN(latency) || math.IsInf(latency, 0) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sum += latency
	a.count++
	if latency < a.min {
		a.min = latency
	}
	if latency > a.max {
		a.max = latency
	}
	if a.hasLast {
		a.jitterSum += math.Abs(latency - a.last)
		a.jitterN++
	}
	a.last = latency
	a.hasLast = true

	if len(a.ring) < a.limit {
		a.ring = append(a.ring, latency)
	} else {
		a.ring[a.next] = latency
		a.full = true
	}
	a.next = (a.next + 1) % a.limit
	return true
}

// Snapshot computes the current statistics. All fields are zero before the
// first sample.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return Snapshot{}
	}
	s := Snapshot{
		Count: a.count,
		Avg:   a.sum / float64(a.count),
		Min:   a.min,
		Max:   a.max,
	}
	if a.jitterN > 0 {
		s.Jitter = a.jitterSum / float64(a.jitterN)
	}
	s.P90 = Percentile(a.ring, 0.9)
	return s
}

// Samples returns the buffered samples, oldest first.
func (a *Aggregator) Samples() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]float64, 0, len(a.ring))
	if a.full {
		out = append(out, a.ring[a.next:]...)
		out = append(out, a.ring[:a.next]...)
		return out
	}
	return append(out, a.ring...)
}

func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Aggregator) resetLocked() {
	a.sum = 0
	a.count = 0
	a.min = math.Inf(1)
	a.max = math.Inf(-1)
	a.last = 0
	a.hasLast = false
	a.jitterSum = 0
	a.jitterN = 0
	a.ring = make([]float64, 0, a.limit)
	a.next = 0
	a.full = false
}

// Percentile returns the nearest-rank percentile of values: the element at
// index floor(p*len) of a sorted copy, clamped to the last element.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Floor(p * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
