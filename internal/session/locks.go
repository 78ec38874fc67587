package session

import "sync"

// lockRegistry hands out one exclusive lock per file id. Entries are
// created on first reference and evicted once the session has reached a
// terminal state and nobody holds or waits on the lock, so the registry
// does not grow with the total number of sessions ever seen.
type lockRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu       sync.Mutex
	refs     int
	terminal bool
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the per-session lock is held and returns the entry
// that must be passed back to release.
func (r *lockRegistry) acquire(fileID string) *lockEntry {
	r.mu.Lock()
	e, ok := r.entries[fileID]
	if !ok {
		e = &lockEntry{}
		r.entries[fileID] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return e
}

// release unlocks the per-session lock and evicts the entry when it is
// terminal and unreferenced.
func (r *lockRegistry) release(fileID string, e *lockEntry) {
	e.mu.Unlock()

	r.mu.Lock()
	e.refs--
	if e.refs == 0 && e.terminal {
		delete(r.entries, fileID)
	}
	r.mu.Unlock()
}

// markTerminal flags the entry for eviction. Must be called while holding
// the per-session lock.
func (r *lockRegistry) markTerminal(fileID string) {
	r.mu.Lock()
	if e, ok := r.entries[fileID]; ok {
		e.terminal = true
	}
	r.mu.Unlock()
}

// size reports the number of live entries. Used by tests.
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
