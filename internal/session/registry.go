package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	cache    *Cache
	lastSeen time.Time
}

// Registry holds one Cache per client session
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewRegistry creates an empty registry. A nil clock uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*entry),
		now:      now,
	}
}

// Open returns the cache of session id, creating it on first use, and applies
// the page load's navigation policy.
func (r *Registry) Open(id string, nav Navigation) *Cache {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		e = &entry{cache: NewCache()}
		r.sessions[id] = e
	}
	e.lastSeen = r.now()
	r.mu.Unlock()

	if e.cache.Begin(nav) {
		slog.Debug("Session cache purged on reload", slog.String("session", id))
	}
	return e.cache
}

// Touch marks a session as active without a page load
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// Sweep drops sessions idle for longer than maxIdle and returns how many
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweeper periodically removes idle sessions
type Sweeper struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
}

// NewSweeper creates a sweeper for registry
func NewSweeper(registry *Registry, interval, maxIdle time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		maxIdle:  maxIdle,
	}
}

// Start runs the sweep loop until the context is cancelled.
// It blocks and should typically be run in a separate goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-ctx.Done():
			slog.Debug("Session sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) runOnce() {
	if removed := s.registry.Sweep(s.maxIdle); removed > 0 {
		slog.Info("Idle sessions removed", slog.Int("count", removed))
	}
}
