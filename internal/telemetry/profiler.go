package telemetry

import (
	"sort"
	"sync"
	"time"
)

// OperationStats summarizes the timings recorded for one operation.
type OperationStats struct {
	Count   int64         `json:"count"`
	Total   time.Duration `json:"total_ns"`
	Min     time.Duration `json:"min_ns"`
	Max     time.Duration `json:"max_ns"`
	Average time.Duration `json:"avg_ns"`
}

// Profiler keeps in-process timing aggregates per operation name.
// It backs the session manager's performance report; Prometheus gets the
// same samples as a histogram.
type Profiler struct {
	mu    sync.Mutex
	stats map[string]*OperationStats
}

// DefaultProfiler receives every sample passed to Observe.
var DefaultProfiler = NewProfiler()

func NewProfiler() *Profiler {
	return &Profiler{stats: make(map[string]*OperationStats)}
}

// Record adds one sample.
func (p *Profiler) Record(operation string, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stats[operation]
	if !ok {
		s = &OperationStats{Min: elapsed, Max: elapsed}
		p.stats[operation] = s
	}
	s.Count++
	s.Total += elapsed
	s.Min = min(s.Min, elapsed)
	s.Max = max(s.Max, elapsed)
	s.Average = s.Total / time.Duration(s.Count)
}

// Snapshot returns a copy of every aggregate.
func (p *Profiler) Snapshot() map[string]OperationStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]OperationStats, len(p.stats))
	for name, s := range p.stats {
		out[name] = *s
	}
	return out
}

// Slowest returns up to n operation names ordered by average duration.
func (p *Profiler) Slowest(n int) []string {
	snap := p.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return snap[names[i]].Average > snap[names[j]].Average
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

// Reset clears all aggregates.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = make(map[string]*OperationStats)
}
