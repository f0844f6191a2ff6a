package storage

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// poolIdleTTL is how long an unused backend stays cached before its
// connection is closed.
const poolIdleTTL = 10 * time.Minute

type poolEntry struct {
	backend  Backend
	lastUsed time.Time

	// borrowed counts callers currently using the backend. An entry with
	// borrows outstanding is never closed by the idle sweep.
	borrowed int

	// stale marks an entry that was invalidated or shut down while
	// borrowed; the last checkin closes it.
	stale bool
}

// Pool caches backends per destination id so repeated runs against the same
// destination reuse connections. Backends are created lazily on first use
// and evicted after 10 minutes idle; eviction closes backends that hold
// connections (SFTP), but never underneath an active borrower.
type Pool struct {
	log *zap.Logger
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry
	now     func() time.Time
}

// NewPool returns an empty backend pool.
func NewPool(log *zap.Logger) *Pool {
	return &Pool{
		log:     log.Named("storage.pool"),
		ttl:     poolIdleTTL,
		entries: make(map[string]*poolEntry),
		now:     time.Now,
	}
}

// Get returns the cached backend for the destination id, building it with
// the supplied constructor on a miss, plus a release the caller must invoke
// once it is done with the backend. The release is never nil and is safe to
// call more than once. Every call also sweeps idle entries.
func (p *Pool) Get(ctx context.Context, destinationID string, build func(ctx context.Context) (Backend, error)) (Backend, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictIdleLocked()

	entry, ok := p.entries[destinationID]
	if !ok {
		backend, err := build(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		entry = &poolEntry{backend: backend}
		p.entries[destinationID] = entry
	}
	entry.borrowed++
	entry.lastUsed = p.now()

	var once sync.Once
	release := func() { once.Do(func() { p.checkin(entry) }) }
	return entry.backend, release, nil
}

// checkin returns one borrow. A stale entry is closed once its last
// borrower checks in.
func (p *Pool) checkin(entry *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry.borrowed--
	entry.lastUsed = p.now()
	if entry.stale && entry.borrowed == 0 {
		closeBackend(entry.backend)
	}
}

// Invalidate drops a destination's cached backend, forcing a rebuild on the
// next Get. Called after a destination's configuration changes. A borrowed
// backend is closed by its last release instead of here.
func (p *Pool) Invalidate(destinationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[destinationID]
	if !ok {
		return
	}
	delete(p.entries, destinationID)
	if entry.borrowed > 0 {
		entry.stale = true
		return
	}
	closeBackend(entry.backend)
}

// Close evicts every cached backend. Called at shutdown; entries still
// borrowed close on their final release.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, entry := range p.entries {
		delete(p.entries, id)
		if entry.borrowed > 0 {
			entry.stale = true
			continue
		}
		closeBackend(entry.backend)
	}
}

func (p *Pool) evictIdleLocked() {
	cutoff := p.now().Add(-p.ttl)
	for id, entry := range p.entries {
		if entry.borrowed > 0 || !entry.lastUsed.Before(cutoff) {
			continue
		}
		p.log.Debug("evicting idle backend", zap.String("destination_id", id))
		closeBackend(entry.backend)
		delete(p.entries, id)
	}
}

func closeBackend(b Backend) {
	if closer, ok := b.(io.Closer); ok {
		closer.Close()
	}
}
