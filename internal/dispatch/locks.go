package dispatch

import "sync"

// convLocks serializes state transitions per conversation ID. Only one
// in-flight transition per conversation is allowed, so concurrent signal
// arrivals (say a sentiment drop racing an explicit escalation) cannot lose
// updates. Entries are reference-counted and removed when released.
type convLocks struct {
	mu   sync.Mutex
	held map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func newConvLocks() *convLocks {
	return &convLocks{held: make(map[string]*convLock)}
}

func (l *convLocks) lock(id string) {
	l.mu.Lock()
	cl, ok := l.held[id]
	if !ok {
		cl = &convLock{}
		l.held[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
}

func (l *convLocks) unlock(id string) {
	l.mu.Lock()
	cl := l.held[id]
	cl.refs--
	if cl.refs == 0 {
		delete(l.held, id)
	}
	l.mu.Unlock()

	cl.mu.Unlock()
}
