package core

import "sync"

// ThreadLocks hands out one mutex per thread id. Every component that
// mutates session state for a thread — the turn path and the report worker —
// must serialize on the same lock.
//
// Entries are never evicted: a lock may still be held when its thread goes
// idle, and each entry costs a single mutex, so the map stays bounded by the
// number of distinct threads this process has seen.
type ThreadLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// NewThreadLocks creates an empty lock set.
func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{m: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for a thread, creating it on first use.
func (l *ThreadLocks) Get(threadID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.m[threadID]
	if !ok {
		lk = &sync.Mutex{}
		l.m[threadID] = lk
	}
	return lk
}
