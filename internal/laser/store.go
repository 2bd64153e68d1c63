package laser

import "sync"

// store is the parameter cache behind Status(). It holds the last value
// observed (or successfully commanded) for every instrument field, so
// reads never touch the serial line.
type store struct {
	mu sync.RWMutex
	st Status
}

// Snapshot returns a copy of the cached state. The copy is detached:
// later updates do not mutate it.
func (s *store) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// Update applies fn to the cached state under the write lock.
func (s *store) Update(fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.st)
}

// Tuning reports the cached tuning flag without copying the whole
// snapshot.
func (s *store) Tuning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Tuning
}
