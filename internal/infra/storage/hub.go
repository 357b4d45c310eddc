package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"tg_market/internal/domain"
)

// hub fans change notifications out to watch subscriptions.
// Every subscription owns one goroutine that re-reads the watched state when
// signalled, so a slow callback only delays its own subscription.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	wg     sync.WaitGroup
	closed bool
}

type subscription struct {
	collection string
	id         string // empty watches the whole collection
	refresh    func(ctx context.Context, emit func(func()))

	signal chan struct{} // capacity 1: pending changes coalesce
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex // held while a callback runs
	closed     atomic.Bool
	delivering atomic.Bool
	once       sync.Once
}

func newHub() *hub {
	return &hub{subs: make(map[*subscription]struct{})}
}

// subscribe registers a watch and schedules the initial delivery
func (h *hub) subscribe(collection, id string, refresh func(ctx context.Context, emit func(func()))) (Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		collection: collection,
		id:         id,
		refresh:    refresh,
		signal:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.signal <- struct{}{}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, domain.ErrStoreClosed
	}
	h.subs[s] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go h.run(s)

	return func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.close()
	}, nil
}

func (h *hub) run(s *subscription) {
	defer h.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
			s.refresh(s.ctx, s.emit)
		}
	}
}

// notify marks every subscription watching collection/id as dirty.
// An empty id touches all subscriptions of the collection.
func (h *hub) notify(collection, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if s.collection != collection {
			continue
		}
		if s.id != "" && id != "" && s.id != id {
			continue
		}
		s.poke()
	}
}

// notifyAll refreshes every subscription (used after a change feed reconnect)
func (h *hub) notifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		s.poke()
	}
}

// close detaches all subscriptions and waits for their goroutines
func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*subscription]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.wg.Wait()
}

func (s *subscription) poke() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// emit runs a callback unless the subscription was detached
func (s *subscription) emit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return
	}

	s.delivering.Store(true)
	defer s.delivering.Store(false)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Watch callback panic recovered",
				slog.String("collection", s.collection),
				slog.String("id", s.id),
				slog.Any("panic", r),
			)
		}
	}()

	fn()
}

// close is safe to call from inside the subscription's own callback
func (s *subscription) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if !s.delivering.Load() {
			// Wait for a delivery that passed the closed check before we set it
			s.mu.Lock()
			defer s.mu.Unlock()
		}
	})
}

// watchDocument builds a document watch on top of a point read
func (h *hub) watchDocument(collection, id string, get func(context.Context, string, string) (Document, error), fn func(Document)) (Unsubscribe, error) {
	return h.subscribe(collection, id, func(ctx context.Context, emit func(func())) {
		doc, err := get(ctx, collection, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				slog.Warn("Watch refresh failed",
					slog.String("collection", collection),
					slog.String("id", id),
					slog.Any("error", err),
				)
			}
			return
		}
		emit(func() { fn(doc) })
	})
}

// watchCollection builds a collection watch on top of a collection read
func (h *hub) watchCollection(collection string, list func(context.Context, string) ([]Document, error), fn func([]Document)) (Unsubscribe, error) {
	return h.subscribe(collection, "", func(ctx context.Context, emit func(func())) {
		docs, err := list(ctx, collection)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Watch refresh failed",
					slog.String("collection", collection),
					slog.Any("error", err),
				)
			}
			return
		}
		emit(func() { fn(docs) })
	})
}
