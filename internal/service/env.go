package service

import (
	"context"
	"log/slog"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra"
	"tg_market/internal/infra/storage"
	"tg_market/internal/session"
)

// Options tunes the read layer
type Options struct {
	Schema domain.ProfileSchema
	// RemoteTimeout bounds every remote call. Zero waits indefinitely.
	RemoteTimeout time.Duration
}

// DefaultOptions writes the richest profile schema without a remote timeout
func DefaultOptions() Options {
	return Options{Schema: domain.DefaultProfileSchema()}
}

// Env carries the dependencies of the read layer. Cache is the local snapshot
// store of one client session; the other fields are shared.
type Env struct {
	Store   storage.Store
	Cache   *session.Cache
	Tasks   *Tasks
	Metrics *infra.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
	Options Options
}

// WithCache returns a copy of the environment bound to another session cache
func (e Env) WithCache(c *session.Cache) Env {
	e.Cache = c
	return e
}

func (e Env) normalized() Env {
	if e.Cache == nil {
		e.Cache = session.NewCache()
	}
	if e.Metrics == nil {
		e.Metrics = infra.GlobalMetrics
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Tasks == nil {
		e.Tasks = NewTasks(e.Logger, e.Metrics)
	}
	if e.Clock == nil {
		e.Clock = time.Now
	}
	return e
}

// remote derives the context of one remote round trip
func (e Env) remote(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Options.RemoteTimeout > 0 {
		return context.WithTimeout(ctx, e.Options.RemoteTimeout)
	}
	return context.WithCancel(ctx)
}

func (e Env) observe(start time.Time) {
	e.Metrics.RecordLatency(time.Since(start))
}
