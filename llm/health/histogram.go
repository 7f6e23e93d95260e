package health

import (
	"math/bits"
	"time"
)

// histBuckets is the number of log2 latency buckets. Bucket i (i >= 1)
// covers [2^(i-1), 2^i) milliseconds; bucket 0 covers [0, 1ms). The last
// bucket also holds every larger latency.
const histBuckets = 22

// logHistogram is a log-bucket latency histogram. Percentile queries walk
// the cumulative counts and report the midpoint of the winning bucket's range.
type logHistogram struct {
	counts [histBuckets]int64
	total  int64
}

func bucketFor(d time.Duration) int {
	ms := d.Milliseconds()
	if ms < 1 {
		return 0
	}
	b := bits.Len64(uint64(ms))
	if b >= histBuckets {
		return histBuckets - 1
	}
	return b
}

func (h *logHistogram) observe(d time.Duration) {
	h.counts[bucketFor(d)]++
	h.total++
}

func (h *logHistogram) merge(other *logHistogram) {
	for i := range h.counts {
		h.counts[i] += other.counts[i]
	}
	h.total += other.total
}

// percentile returns the latency at quantile q in [0,1], using the bucket
// midpoint. Zero when the histogram is empty.
func (h *logHistogram) percentile(q float64) time.Duration {
	if h.total == 0 {
		return 0
	}
	target := int64(q * float64(h.total))
	if target >= h.total {
		target = h.total - 1
	}
	var cum int64
	for i, c := range h.counts {
		cum += c
		if cum > target {
			lo := int64(0)
			if i > 0 {
				lo = int64(1) << (i - 1)
			}
			hi := int64(1) << i
			return time.Duration((lo+hi)/2) * time.Millisecond
		}
	}
	return 0
}
