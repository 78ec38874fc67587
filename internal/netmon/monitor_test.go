package netmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testBounds = Bounds{Min: 256 * 1024, Default: 1024 * 1024, Max: 2 * 1024 * 1024}

// record feeds n samples of the same shape.
func record(m *Monitor, fileID string, n int, chunkBytes int64, elapsed time.Duration, success bool) {
	for i := 0; i < n; i++ {
		m.Record(fileID, chunkBytes, elapsed, success)
	}
}

func TestSuggestChunkSize_HoldsWithLittleHistory(t *testing.T) {
	m := New(testBounds, 3)

	assert.Equal(t, testBounds.Default, m.SuggestChunkSize("f1"), "no samples")

	record(m, "f1", 2, 1024*1024, 10*time.Second, false)
	assert.Equal(t, testBounds.Default, m.SuggestChunkSize("f1"), "fewer than 3 samples")
}

func TestSuggestChunkSize_AllFailuresHalve(t *testing.T) {
	m := New(testBounds, 3)
	record(m, "f1", 5, 1024*1024, time.Second, false)

	got := m.SuggestChunkSize("f1")
	assert.Equal(t, int64(512*1024), got)

	// Further failures keep halving until the floor.
	record(m, "f1", 5, 1024*1024, time.Second, false)
	assert.Equal(t, testBounds.Min, m.SuggestChunkSize("f1"))
	record(m, "f1", 5, 1024*1024, time.Second, false)
	assert.Equal(t, testBounds.Min, m.SuggestChunkSize("f1"), "never below the floor")
}

func TestSuggestChunkSize_UnstableShrinks(t *testing.T) {
	m := New(testBounds, 3)
	// 6 of 10 succeed: success rate 0.6, below the stability threshold.
	record(m, "f1", 4, 1024*1024, time.Second, false)
	record(m, "f1", 6, 1024*1024, time.Second, true)

	got := m.SuggestChunkSize("f1")
	assert.Equal(t, int64(float64(testBounds.Default)*0.7), got)
}

func TestSuggestChunkSize_FastStableGrows(t *testing.T) {
	m := New(testBounds, 3)
	// All successes at 1MB/s, well above the fast threshold.
	record(m, "f1", 10, 1024*1024, time.Second, true)

	got := m.SuggestChunkSize("f1")
	assert.Equal(t, int64(float64(testBounds.Default)*1.2), got)

	// Growth is capped at the ceiling.
	for i := 0; i < 20; i++ {
		record(m, "f1", 10, 1024*1024, time.Second, true)
		m.SuggestChunkSize("f1")
	}
	assert.Equal(t, testBounds.Max, m.SuggestChunkSize("f1"))
}

func TestSuggestChunkSize_SlowLinkDropsToMin(t *testing.T) {
	m := New(testBounds, 3)
	// Successes, but only ~50KB/s.
	record(m, "f1", 10, 50*1024, time.Second, true)

	assert.Equal(t, testBounds.Min, m.SuggestChunkSize("f1"))
}

func TestSuggestChunkSize_ModerateSpeedHolds(t *testing.T) {
	m := New(testBounds, 3)
	// Stable but not fast: ~300KB/s sits between the thresholds.
	record(m, "f1", 10, 300*1024, time.Second, true)

	assert.Equal(t, testBounds.Default, m.SuggestChunkSize("f1"))
}

func TestSuggestChunkSize_SessionsIsolated(t *testing.T) {
	m := New(testBounds, 3)
	record(m, "f1", 10, 1024*1024, time.Second, false)
	m.SuggestChunkSize("f1")

	assert.Equal(t, testBounds.Default, m.SuggestChunkSize("f2"), "other sessions unaffected")
}

func TestConcurrencyHint(t *testing.T) {
	m := New(testBounds, 3)

	assert.Equal(t, 1, m.ConcurrencyHint("f1"), "no samples")

	// Fast and stable: 2MB/s all successes.
	record(m, "f1", 5, 2*1024*1024, time.Second, true)
	assert.Equal(t, 3, m.ConcurrencyHint("f1"))

	// A fast but failing link stays serial.
	record(m, "f2", 5, 2*1024*1024, time.Second, false)
	assert.Equal(t, 1, m.ConcurrencyHint("f2"))

	// Stable but slow stays serial too.
	record(m, "f3", 5, 100*1024, time.Second, true)
	assert.Equal(t, 1, m.ConcurrencyHint("f3"))
}

func TestRecord_RingOverwritesOldest(t *testing.T) {
	m := New(testBounds, 3)
	// Fill the ring with failures, then push 20 fast successes over them.
	record(m, "f1", 20, 1024*1024, time.Second, false)
	record(m, "f1", 20, 1024*1024, time.Second, true)

	got := m.SuggestChunkSize("f1")
	assert.Greater(t, got, testBounds.Min, "old failures must have been overwritten")
}

func TestForget(t *testing.T) {
	m := New(testBounds, 3)
	record(m, "f1", 10, 1024*1024, time.Second, false)
	m.SuggestChunkSize("f1")

	m.Forget("f1")
	assert.Equal(t, testBounds.Default, m.SuggestChunkSize("f1"), "history dropped with the session")
}

func TestReadPaths_DoNotAllocateEntries(t *testing.T) {
	m := New(testBounds, 3)

	record(m, "f1", 5, 2*1024*1024, time.Second, true)
	m.Forget("f1")

	// Status queries and downloads keep consulting the monitor long after a
	// session ended; they must answer with defaults, not recreate state.
	assert.Equal(t, testBounds.Default, m.SuggestChunkSize("f1"))
	assert.Equal(t, 1, m.ConcurrencyHint("f1"))
	assert.Equal(t, testBounds.Default, m.SuggestChunkSize("never-seen"))
	assert.Equal(t, 1, m.ConcurrencyHint("never-seen"))

	m.mu.Lock()
	entries := len(m.sessions)
	m.mu.Unlock()
	assert.Equal(t, 0, entries, "only Record may create monitor entries")
}
