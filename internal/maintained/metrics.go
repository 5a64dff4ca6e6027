package maintained

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// Recorder publishes aggregate timing and result counters for engine passes
// via expvar. It maintains totals in milliseconds per operation along with
// per-status counters, giving deployments process-local visibility into
// propagation, drain, and rebuild activity without external dependencies.
type Recorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
}

// RecorderSnapshot captures a read-only view of the recorded metrics.
type RecorderSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewRecorder constructs an expvar-backed recorder and publishes it under the
// supplied name. When name is empty, a unique identifier is generated.
func NewRecorder(name string) *Recorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("maintained_engine_metrics_%d", id)
	}
	rec := &Recorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *Recorder) Name() string { return r.name }

// Observe records one engine pass outcome.
func (r *Recorder) Observe(operation string, duration time.Duration, status string) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)

	r.mu.Lock()
	r.durations[operation] += ms
	if _, ok := r.results[operation]; !ok {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][status]++
	r.mu.Unlock()
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *Recorder) Snapshot() RecorderSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}
	results := make(map[string]map[string]int64, len(r.results))
	for op, statusCounts := range r.results {
		cpy := make(map[string]int64, len(statusCounts))
		for status, count := range statusCounts {
			cpy[status] = count
		}
		results[op] = cpy
	}
	return RecorderSnapshot{
		DurationsMS: durations,
		Results:     results,
		RecordedAt:  time.Now().UTC(),
	}
}
