package backup

import (
	"errors"
	"sync"
)

// ErrBusy is returned when a run is refused because another run for the same
// schedule (or the same target, for manual runs) is still in flight.
var ErrBusy = errors.New("backup: run already in progress")

// Locks serializes runs. Acquisition is always non-blocking: the scheduler
// skips a busy schedule until the next tick, and run-now endpoints surface
// BUSY to the caller.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

func (l *Locks) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *Locks) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
