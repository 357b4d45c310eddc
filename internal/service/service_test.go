package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra"
	"tg_market/internal/infra/storage"
	"tg_market/internal/session"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// testStore wraps a memory store with gates, failures and counters
type testStore struct {
	storage.Store

	mu        sync.Mutex
	getGate   chan struct{} // Get blocks until closed when set
	held      *heldRead     // Get blocks after reading when set
	getErr    error
	updateErr error
	batchErr  error

	gets    atomic.Int32
	sets    atomic.Int32
	updates atomic.Int32
	batches atomic.Int32
}

func newTestStore(t *testing.T) *testStore {
	s := &testStore{Store: storage.NewMemoryStore()}
	t.Cleanup(func() { _ = s.Store.Close() })
	return s
}

func (s *testStore) gateGets() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getGate = make(chan struct{})
	return s.getGate
}

// heldRead parks Get calls after they have read the document
type heldRead struct {
	read    chan struct{} // closed once a Get has read
	release chan struct{}
	once    sync.Once
}

func (s *testStore) holdReads() *heldRead {
	h := &heldRead{read: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.held = h
	s.mu.Unlock()
	return h
}

func (s *testStore) failGets(err error) {
	s.mu.Lock()
	s.getErr = err
	s.mu.Unlock()
}

func (s *testStore) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	s.gets.Add(1)
	s.mu.Lock()
	gate, err, held := s.getGate, s.getErr, s.held
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return storage.Document{}, ctx.Err()
		}
	}
	if err != nil {
		return storage.Document{}, err
	}

	doc, err := s.Store.Get(ctx, collection, id)
	if held != nil {
		held.once.Do(func() { close(held.read) })
		select {
		case <-held.release:
		case <-ctx.Done():
			return storage.Document{}, ctx.Err()
		}
	}
	return doc, err
}

func (s *testStore) Set(ctx context.Context, collection, id string, fields storage.Fields) error {
	s.sets.Add(1)
	return s.Store.Set(ctx, collection, id, fields)
}

func (s *testStore) Update(ctx context.Context, collection, id string, fields storage.Fields) error {
	s.updates.Add(1)
	s.mu.Lock()
	err := s.updateErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Update(ctx, collection, id, fields)
}

func (s *testStore) Batch(ctx context.Context, writes []storage.Write) error {
	s.batches.Add(1)
	s.mu.Lock()
	err := s.batchErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Batch(ctx, writes)
}

type testEnv struct {
	Env
	store   *testStore
	metrics *infra.Metrics
}

func newTestEnv(t *testing.T) testEnv {
	store := newTestStore(t)
	metrics := &infra.Metrics{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := Env{
		Store:   store,
		Cache:   session.NewCache(),
		Tasks:   NewTasks(logger, metrics),
		Metrics: metrics,
		Logger:  logger,
		Clock:   func() time.Time { return testNow },
		Options: DefaultOptions(),
	}
	t.Cleanup(env.Tasks.Wait)
	return testEnv{Env: env, store: store, metrics: metrics}
}

func testIdentity() domain.Identity {
	return domain.Identity{
		ID:        "123456789",
		Username:  "Ann_K",
		FirstName: "Ann",
		PhotoURL:  "https://t.me/i/userpic/320/ann.jpg",
	}
}

// seedProfile writes an existing remote record with non-default economic state
func seedProfile(t *testing.T, env testEnv, id string) {
	t.Helper()
	err := env.store.Store.Set(context.Background(), domain.UsersCollection, id, storage.Fields{
		"id":           id,
		"username":     "old_name",
		"first_name":   "Old",
		"photoUrl":     "",
		"balance":      "500.25",
		"starsBalance": "3",
		"tradesCount":  7,
		"tradeRating":  150,
		"portfolio": map[string]any{
			"TON": map[string]any{"symbol": "TON", "amount": "2", "avgPrice": "5"},
		},
		"transactions": []any{
			map[string]any{"id": "t1", "symbol": "TON", "side": "BUY", "amount": "2", "price": "5", "total": "10", "createdAt": "2025-01-01T00:00:00Z"},
		},
		"createdAt":       "2025-01-01T00:00:00Z",
		"privacyAccepted": false,
	})
	require.NoError(t, err)
}

func cacheProfile(t *testing.T, env testEnv, p *domain.UserProfile) {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	env.Cache.Set(session.ProfileKey(p.ID), raw)
}

func cachedProfile(t *testing.T, env testEnv, id string) (domain.UserProfile, bool) {
	t.Helper()
	return readSnapshot[domain.UserProfile](env.Env, session.ProfileKey(id))
}

func remoteProfile(t *testing.T, env testEnv, id string) domain.UserProfile {
	t.Helper()
	doc, err := env.store.Store.Get(context.Background(), domain.UsersCollection, id)
	require.NoError(t, err)
	var p domain.UserProfile
	require.NoError(t, doc.Decode(&p))
	return p
}

var errUnreachable = errors.New("remote unreachable")

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
