// Package netmon tracks recent per-session upload performance and derives
// an advisory chunk size. The client chooses the actual chunk boundaries;
// the server records whatever size arrives.
package netmon

import (
	"sync"
	"time"
)

const (
	historySize  = 20
	recentWindow = 10

	// Heuristic thresholds, tuned against real transfer traces.
	unstableSuccessRate = 0.7
	stableSuccessRate   = 0.9
	fastBytesPerSec     = 500_000
	slowBytesPerSec     = 100_000

	shrinkFactor = 0.7
	growFactor   = 1.2

	concurrentMinSamples  = 5
	concurrentSuccessRate = 0.8
	concurrentBytesPerSec = 1_000_000
)

// Sample is one observed chunk transfer.
type Sample struct {
	ChunkBytes int64
	Elapsed    time.Duration
	Success    bool
	At         time.Time
}

func (s Sample) speed() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.ChunkBytes) / s.Elapsed.Seconds()
}

// Bounds configure the advisory chunk-size range.
type Bounds struct {
	Min     int64
	Default int64
	Max     int64
}

// Monitor keeps an in-memory ring of recent samples per file id. Samples
// are never persisted and are dropped when the session ends.
type Monitor struct {
	bounds         Bounds
	concurrentHint int

	mu       sync.Mutex
	sessions map[string]*sessionStats
}

type sessionStats struct {
	samples   []Sample // ring buffer, capacity historySize
	next      int
	filled    bool
	suggested int64
}

// New creates a monitor with the given size bounds and concurrency hint.
func New(bounds Bounds, concurrentHint int) *Monitor {
	return &Monitor{
		bounds:         bounds,
		concurrentHint: concurrentHint,
		sessions:       make(map[string]*sessionStats),
	}
}

// stats returns the entry for fileID, creating it on first use. Only the
// Record path may allocate; read paths must not, or a status query after
// Forget would resurrect the entry with nothing left to evict it.
func (m *Monitor) stats(fileID string) *sessionStats {
	st, ok := m.sessions[fileID]
	if !ok {
		st = &sessionStats{
			samples:   make([]Sample, historySize),
			suggested: m.bounds.Default,
		}
		m.sessions[fileID] = st
	}
	return st
}

// Record adds one transfer observation for the session.
func (m *Monitor) Record(fileID string, chunkBytes int64, elapsed time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats(fileID)
	st.samples[st.next] = Sample{
		ChunkBytes: chunkBytes,
		Elapsed:    elapsed,
		Success:    success,
		At:         time.Now(),
	}
	st.next++
	if st.next == historySize {
		st.next = 0
		st.filled = true
	}
}

// recent returns up to n most-recent samples, newest last.
func (st *sessionStats) recent(n int) []Sample {
	total := st.next
	if st.filled {
		total = historySize
	}
	if n > total {
		n = total
	}
	out := make([]Sample, 0, n)
	for i := total - n; i < total; i++ {
		idx := i
		if st.filled {
			idx = (st.next + i) % historySize
		}
		out = append(out, st.samples[idx])
	}
	return out
}

func (st *sessionStats) count() int {
	if st.filled {
		return historySize
	}
	return st.next
}

// SuggestChunkSize returns the advisory chunk size for the session,
// bounded to [Min, Max]. With little history it holds the current
// suggestion; sustained failures shrink it, a fast and stable link grows
// it in smoothed steps.
func (m *Monitor) SuggestChunkSize(fileID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[fileID]
	if !ok {
		return m.bounds.Default
	}
	if st.count() < 3 {
		return st.suggested
	}

	window := st.recent(recentWindow)
	var successes []Sample
	for _, s := range window {
		if s.Success {
			successes = append(successes, s)
		}
	}

	if len(successes) == 0 {
		st.suggested = clamp(st.suggested/2, m.bounds.Min, m.bounds.Max)
		return st.suggested
	}

	var speedSum float64
	var speedN int
	for _, s := range successes {
		if sp := s.speed(); sp > 0 {
			speedSum += sp
			speedN++
		}
	}
	if speedN == 0 {
		return st.suggested
	}
	avgSpeed := speedSum / float64(speedN)
	successRate := float64(len(successes)) / float64(len(window))

	switch {
	case successRate < unstableSuccessRate:
		st.suggested = clamp(int64(float64(st.suggested)*shrinkFactor), m.bounds.Min, m.bounds.Max)
	case successRate > stableSuccessRate && avgSpeed > fastBytesPerSec:
		st.suggested = clamp(int64(float64(st.suggested)*growFactor), m.bounds.Min, m.bounds.Max)
	case avgSpeed < slowBytesPerSec:
		st.suggested = m.bounds.Min
	}

	return st.suggested
}

// ConcurrencyHint returns how many chunks the client may reasonably keep in
// flight: the configured hint on a stable fast link, otherwise 1.
func (m *Monitor) ConcurrencyHint(fileID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[fileID]
	if !ok {
		return 1
	}
	if st.count() < concurrentMinSamples {
		return 1
	}

	window := st.recent(concurrentMinSamples)
	var successes []Sample
	for _, s := range window {
		if s.Success {
			successes = append(successes, s)
		}
	}
	if len(successes) == 0 {
		return 1
	}

	var speedSum float64
	var speedN int
	for _, s := range successes {
		if sp := s.speed(); sp > 0 {
			speedSum += sp
			speedN++
		}
	}
	if speedN == 0 {
		return 1
	}

	successRate := float64(len(successes)) / float64(len(window))
	if successRate > concurrentSuccessRate && speedSum/float64(speedN) > concurrentBytesPerSec {
		return m.concurrentHint
	}
	return 1
}

// Forget drops all samples for the session. Called when it ends.
func (m *Monitor) Forget(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, fileID)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
