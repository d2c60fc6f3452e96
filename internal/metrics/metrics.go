// Package metrics provides lightweight counters for a running proxy.
//
// Counters use sync/atomic so the per-line hot path incurs no mutex
// contention. Both directions share one Metrics instance.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics holds all runtime counters for one proxy run. The zero value is
// usable; New additionally records the start time for uptime reporting.
type Metrics struct {
	// Line counters
	LinesTotal       atomic.Int64
	LinesPassthrough atomic.Int64 // non-JSON or protocol control, forwarded raw
	LinesRewritten   atomic.Int64

	// Entity volume
	EntitiesReplaced atomic.Int64

	// Per-line failures that fell open to the original line
	PipelineErrors atomic.Int64

	// LLM stage
	LLMCalls  atomic.Int64 // generate requests actually issued
	LLMErrors atomic.Int64 // failed or unparseable extractions

	startTime time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	LinesTotal       int64
	LinesPassthrough int64
	LinesRewritten   int64
	EntitiesReplaced int64
	PipelineErrors   int64
	LLMCalls         int64
	LLMErrors        int64
	Uptime           time.Duration
}

// New returns a Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Snapshot returns a consistent-enough copy for reporting. Individual
// counters are read atomically; cross-counter skew of a line or two during
// a live run is acceptable.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		LinesTotal:       m.LinesTotal.Load(),
		LinesPassthrough: m.LinesPassthrough.Load(),
		LinesRewritten:   m.LinesRewritten.Load(),
		EntitiesReplaced: m.EntitiesReplaced.Load(),
		PipelineErrors:   m.PipelineErrors.Load(),
		LLMCalls:         m.LLMCalls.Load(),
		LLMErrors:        m.LLMErrors.Load(),
	}
	if !m.startTime.IsZero() {
		s.Uptime = time.Since(m.startTime)
	}
	return s
}
