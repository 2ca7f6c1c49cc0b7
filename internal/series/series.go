// Package series reduces a packet history to a fixed number of chart buckets.
package series

import (
	"math"

	"github.com/NodePath81/pltester/internal/ledger"
)

// MaxBuckets is the largest number of points a Series contains.
const MaxBuckets = 120

// Series holds aligned per-bucket latency aggregates in ms. Labels are
// sequence numbers for full-history runs and seconds relative to the
// window start for sliding-window runs.
type Series struct {
	Labels []float64 `json:"labels"`
	Avg    []float64 `json:"avg"`
	Max    []float64 `json:"max"`
	Min    []float64 `json:"min"`
}

func (s Series) Len() int {
	return len(s.Labels)
}

// Source is the read side of a packet ledger.
type Source interface {
	Get(seq uint64) (ledger.Packet, bool)
	Seqs() []uint64
}

// SampleSize is the number of consecutive packets folded into one bucket.
func SampleSize(n int) int {
	if n <= 0 {
		return 1
	}
	size := int(math.Ceil(float64(n) / MaxBuckets))
	if size < 1 {
		size = 1
	}
	return size
}

// FullHistory buckets sequences [0, packetCount). Labels are the first
// sequence of each bucket.
func FullHistory(src Source, packetCount uint64) Series {
	n := int(packetCount)
	return downsample(n, func(i int) (ledger.Packet, bool) {
		return src.Get(uint64(i))
	}, func(start int) float64 {
		return float64(start)
	})
}

// Window buckets the retained packets in ascending sequence order. Labels
// are start offsets converted to seconds at the given rate.
func Window(src Source, rate float64) Series {
	seqs := src.Seqs()
	if rate <= 0 {
		rate = 1
	}
	return downsample(len(seqs), func(i int) (ledger.Packet, bool) {
		return src.Get(seqs[i])
	}, func(start int) float64 {
		return float64(start) / rate
	})
}

func downsample(n int, at func(i int) (ledger.Packet, bool), label func(start int) float64) Series {
	var out Series
	if n <= 0 {
		return out
	}
	size := SampleSize(n)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		sum := 0.0
		count := 0
		minV := math.Inf(1)
		maxV := math.Inf(-1)
		for i := start; i < end; i++ {
			p, ok := at(i)
			if !ok || !p.HasLatency() {
				continue
			}
			sum += p.Latency
			count++
			minV = math.Min(minV, p.Latency)
			maxV = math.Max(maxV, p.Latency)
		}
		if count == 0 {
			continue
		}
		out.Labels = append(out.Labels, label(start))
		out.Avg = append(out.Avg, sum/float64(count))
		out.Max = append(out.Max, maxV)
		out.Min = append(out.Min, minV)
	}
	return out
}
