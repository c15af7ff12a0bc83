package approval

import "sync"

// Locks is a keyed mutex. The engine and the scheduler share one instance so
// that decisions on a single request never interleave within a process.
type Locks struct {
	mu sync.Mutex
	m  map[string]*entry
}

type entry struct {
	sync.Mutex
	refs int
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{m: make(map[string]*entry)}
}

// Lock acquires the lock for id and returns its release function.
func (l *Locks) Lock(id string) (unlock func()) {
	l.mu.Lock()
	e := l.m[id]
	if e == nil {
		e = &entry{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of held or awaited keys.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
