// Package stats collects pipeline counters shared between stages and the
// reporting surfaces. Counters are atomic; stages only ever increment them.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Counters is the live view of the pipeline.
type Counters struct {
	Captured      atomic.Uint64
	CaptureErrors atomic.Uint64
	Decoded       atomic.Uint64
	Corrupt       atomic.Uint64

	Submitted          atomic.Uint64 // pairs handed to the model slot
	SubmissionsDropped atomic.Uint64 // pending submissions replaced by a newer pair
	Inferences         atomic.Uint64 // successful model calls
	InferenceFailures  atomic.Uint64
	Reused             atomic.Uint64 // pairs displayed with an older mask
	StaleResults       atomic.Uint64 // masks that arrived after their pair was shown

	Composited  atomic.Uint64
	Passthrough atomic.Uint64 // composited without any mask

	started   time.Time
	inference *Window
	latency   *Window

	mu    sync.Mutex
	sinks map[string]*SinkCounters
}

// SinkCounters tracks one sink.
type SinkCounters struct {
	Delivered atomic.Uint64
	Dropped   atomic.Uint64
	Failed    atomic.Uint64
}

// New returns counters whose latency summaries cover the last window samples.
func New(window int) *Counters {
	return &Counters{
		started:   time.Now(),
		inference: NewWindow(window),
		latency:   NewWindow(window),
		sinks:     make(map[string]*SinkCounters),
	}
}

// ObserveInference records the duration of one model call.
func (c *Counters) ObserveInference(d time.Duration) { c.inference.Add(d) }

// ObserveLatency records capture-to-composite latency.
func (c *Counters) ObserveLatency(d time.Duration) { c.latency.Add(d) }

// Sink returns the counters for the named sink, creating them on first use.
func (c *Counters) Sink(name string) *SinkCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sinks[name]
	if !ok {
		s = &SinkCounters{}
		c.sinks[name] = s
	}
	return s
}

// Snapshot is a JSON-friendly copy of the counters.
type Snapshot struct {
	Uptime float64 `json:"uptime_seconds"`

	Captured      uint64 `json:"captured"`
	CaptureErrors uint64 `json:"capture_errors"`
	Decoded       uint64 `json:"decoded"`
	Corrupt       uint64 `json:"corrupt"`

	Submitted          uint64 `json:"submitted"`
	SubmissionsDropped uint64 `json:"submissions_dropped"`
	Inferences         uint64 `json:"inferences"`
	InferenceFailures  uint64 `json:"inference_failures"`
	Reused             uint64 `json:"reused"`
	StaleResults       uint64 `json:"stale_results"`

	Composited  uint64 `json:"composited"`
	Passthrough uint64 `json:"passthrough"`

	InferenceMs Summary `json:"inference_ms"`
	LatencyMs   Summary `json:"latency_ms"`

	Sinks map[string]SinkSnapshot `json:"sinks"`
}

type SinkSnapshot struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Uptime:             time.Since(c.started).Seconds(),
		Captured:           c.Captured.Load(),
		CaptureErrors:      c.CaptureErrors.Load(),
		Decoded:            c.Decoded.Load(),
		Corrupt:            c.Corrupt.Load(),
		Submitted:          c.Submitted.Load(),
		SubmissionsDropped: c.SubmissionsDropped.Load(),
		Inferences:         c.Inferences.Load(),
		InferenceFailures:  c.InferenceFailures.Load(),
		Reused:             c.Reused.Load(),
		StaleResults:       c.StaleResults.Load(),
		Composited:         c.Composited.Load(),
		Passthrough:        c.Passthrough.Load(),
		InferenceMs:        c.inference.Summary(),
		LatencyMs:          c.latency.Summary(),
		Sinks:              make(map[string]SinkSnapshot),
	}

	c.mu.Lock()
	for name, sc := range c.sinks {
		s.Sinks[name] = SinkSnapshot{
			Delivered: sc.Delivered.Load(),
			Dropped:   sc.Dropped.Load(),
			Failed:    sc.Failed.Load(),
		}
	}
	c.mu.Unlock()

	return s
}

// Window keeps the most recent durations in a ring buffer.
type Window struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	next    int
	full    bool
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{samples: make([]float64, size)}
}

func (w *Window) Add(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = float64(d) / float64(time.Millisecond)
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

// Summary describes a window in milliseconds.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

func (w *Window) Summary() Summary {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	x := append([]float64(nil), w.samples[:n]...)
	w.mu.Unlock()

	if len(x) == 0 {
		return Summary{}
	}
	sort.Float64s(x)

	s := Summary{
		Count: len(x),
		Mean:  stat.Mean(x, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, x, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, x, nil),
		Max:   floats.Max(x),
	}
	if len(x) > 1 {
		s.StdDev = stat.StdDev(x, nil)
	}
	return s
}
