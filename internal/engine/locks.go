package engine

import "sync"

// agentLocks is a keyed mutex. Entries are dropped when their last holder
// or waiter releases them.
type agentLocks struct {
	mu sync.Mutex
	m  map[string]*agentLock
}

type agentLock struct {
	mu   sync.Mutex
	refs int
}

func newAgentLocks() *agentLocks {
	return &agentLocks{m: make(map[string]*agentLock)}
}

// lock blocks until agentID is free and returns its release func. A nil
// receiver locks nothing.
func (l *agentLocks) lock(agentID string) func() {
	if l == nil {
		return func() {}
	}
	l.mu.Lock()
	al, ok := l.m[agentID]
	if !ok {
		al = &agentLock{}
		l.m[agentID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.m, agentID)
		}
		l.mu.Unlock()
	}
}
