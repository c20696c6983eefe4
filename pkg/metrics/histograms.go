package metrics

import (
	"strings"
	"sync"
	"time"
)

// Bucket is one cumulative histogram bound in seconds.
type Bucket struct {
	Le    float64
	Count int64
}

var (
	// requestBounds covers a gated request: oracle round trip plus one
	// upstream call, capped by the default request timeout.
	requestBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3, 5, 15}
	// provisionBounds covers a full multi-node allow or lock, which is many
	// sequential controller calls.
	provisionBounds = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// boundsFor picks the bucket layout for a series name.
func boundsFor(name string) []float64 {
	if strings.HasPrefix(name, "overlay_") {
		return provisionBounds
	}
	return requestBounds
}

// Histogram counts observations per bound. counts[i] holds observations in
// (bounds[i-1], bounds[i]]; overflow holds everything above the last bound.
type Histogram struct {
	mu       sync.Mutex
	name     string
	bounds   []float64
	counts   []int64
	overflow int64
	sum      float64
}

func NewHistogram(name string) *Histogram {
	bounds := boundsFor(name)
	return &Histogram{name: name, bounds: bounds, counts: make([]int64, len(bounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	if sec < 0 {
		sec = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	for i, le := range h.bounds {
		if sec <= le {
			h.counts[i]++
			return
		}
	}
	h.overflow++
}

// HistogramSnapshot is a point-in-time copy with cumulative buckets.
type HistogramSnapshot struct {
	Name    string   `json:"name"`
	Buckets []Bucket `json:"buckets"`
	Sum     float64  `json:"sum"`
	Count   int64    `json:"count"`
	P50     float64  `json:"p50"`
	P95     float64  `json:"p95"`
	P99     float64  `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{Name: h.name, Sum: h.sum, Buckets: make([]Bucket, len(h.bounds))}
	var running int64
	for i, le := range h.bounds {
		running += h.counts[i]
		snap.Buckets[i] = Bucket{Le: le, Count: running}
	}
	snap.Count = running + h.overflow
	snap.P50 = snap.Quantile(0.50)
	snap.P95 = snap.Quantile(0.95)
	snap.P99 = snap.Quantile(0.99)
	return snap
}

// Quantile estimates q by linear interpolation inside the bucket holding the
// q-th observation. Observations past the last bound report that bound.
func (s HistogramSnapshot) Quantile(q float64) float64 {
	if s.Count == 0 || len(s.Buckets) == 0 {
		return 0
	}
	rank := q * float64(s.Count)
	lower, below := 0.0, int64(0)
	for _, b := range s.Buckets {
		if float64(b.Count) >= rank {
			inBucket := b.Count - below
			if inBucket == 0 {
				return b.Le
			}
			return lower + (b.Le-lower)*(rank-float64(below))/float64(inBucket)
		}
		lower, below = b.Le, b.Count
	}
	return s.Buckets[len(s.Buckets)-1].Le
}

// HistogramRegistry lazily creates one histogram per series name.
type HistogramRegistry struct {
	mu     sync.Mutex
	series map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{series: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.series[name]
	if !ok {
		h = NewHistogram(name)
		r.series[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every series sorted by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	names := SortedKeys(r.series)
	hs := make([]*Histogram, len(names))
	for i, n := range names {
		hs[i] = r.series[n]
	}
	r.mu.Unlock()
	out := make([]HistogramSnapshot, len(hs))
	for i, h := range hs {
		out[i] = h.Snapshot()
	}
	return out
}
