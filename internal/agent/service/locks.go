package service

import "sync"

// agentLocks is the per-agent mutual exclusion registry. Acquire is
// non-blocking; contention means another run for the same agent is
// active. In-process only; a multi-instance deployment would swap this
// for an advisory database lock.
type agentLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newAgentLocks() *agentLocks {
	return &agentLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for agentID, reporting false on contention.
func (l *agentLocks) TryAcquire(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[agentID]; ok {
		return false
	}
	l.held[agentID] = struct{}{}
	return true
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (l *agentLocks) Release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, agentID)
}

// Held reports whether the lock for agentID is currently taken.
func (l *agentLocks) Held(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[agentID]
	return ok
}
