package restart

import (
	"sort"
	"sync"
)

// Locks hands out one restart token per machine. A token is held only for the
// duration of one restart sequence.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty registry
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryAcquire takes the token for machineID without blocking. The returned
// release func is idempotent.
func (l *Locks) TryAcquire(machineID string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[machineID]; busy {
		return nil, false
	}
	l.held[machineID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, machineID)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether a restart is in flight for machineID
func (l *Locks) Held(machineID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[machineID]
	return ok
}

// Active returns the machines with a restart in flight
func (l *Locks) Active() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.held))
	for id := range l.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
