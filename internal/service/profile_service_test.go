package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra/storage"
	"tg_market/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfile_CreatesRecord(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()

	p, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id.ID, p.ID)
	assert.Equal(t, "Ann_K", p.Username)
	assert.Equal(t, "ann_k", p.UsernameLower)
	assert.Equal(t, "Ann", p.FirstName)
	assert.Equal(t, id.PhotoURL, p.PhotoURL)
	assert.True(t, p.Balance.IsZero())
	assert.True(t, p.StarsBalance.IsZero())
	assert.Equal(t, int64(0), p.TradesCount)
	assert.Equal(t, int64(100), p.TradeRating)
	assert.Empty(t, p.Portfolio)
	assert.Empty(t, p.Transactions)
	assert.False(t, p.PrivacyAccepted)
	assert.True(t, testNow.Equal(p.CreatedAt))

	// Exactly one record, matching the result
	docs, err := env.store.List(context.Background(), domain.UsersCollection)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int32(1), env.store.sets.Load())

	remote := remoteProfile(t, env, id.ID)
	assert.Equal(t, int64(100), remote.TradeRating)
	assert.Equal(t, "ann_k", remote.UsernameLower)
	assert.NotNil(t, remote.Portfolio)
	assert.NotNil(t, remote.Transactions)

	// Second load reads the record instead of creating another
	env.Cache.Clear()
	_, err = svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.store.sets.Load())
	docs, _ = env.store.List(context.Background(), domain.UsersCollection)
	assert.Len(t, docs, 1)
}

func TestLoadProfile_MissingPlatformFields(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)

	p, err := svc.LoadProfile(context.Background(), domain.Identity{ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultUsername, p.Username)
	assert.Equal(t, "", p.FirstName)
	assert.Equal(t, "", p.PhotoURL)
}

func TestLoadProfile_MinimalSchema(t *testing.T) {
	env := newTestEnv(t)
	env.Options = Options{}
	svc := NewProfileService(env.Env)

	_, err := svc.LoadProfile(context.Background(), testIdentity())
	require.NoError(t, err)

	doc, err := env.store.Store.Get(context.Background(), domain.UsersCollection, testIdentity().ID)
	require.NoError(t, err)
	assert.NotContains(t, doc.Fields, "username_lower")
	assert.NotContains(t, doc.Fields, "tradeRating")
	assert.NotContains(t, doc.Fields, "privacyAccepted")
}

func TestLoadProfile_PreservesEconomicFields(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()
	seedProfile(t, env, id.ID)

	p, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)

	// Platform fields win
	assert.Equal(t, "Ann_K", p.Username)
	assert.Equal(t, "Ann", p.FirstName)
	assert.Equal(t, id.PhotoURL, p.PhotoURL)

	// Economic fields untouched, in the result and remotely
	for _, got := range []domain.UserProfile{*p, remoteProfile(t, env, id.ID)} {
		assert.True(t, dec("500.25").Equal(got.Balance))
		assert.True(t, dec("3").Equal(got.StarsBalance))
		assert.Equal(t, int64(7), got.TradesCount)
		assert.Equal(t, int64(150), got.TradeRating)
		require.Contains(t, got.Portfolio, "TON")
		assert.True(t, dec("2").Equal(got.Portfolio["TON"].Amount))
		require.Len(t, got.Transactions, 1)
		assert.Equal(t, "t1", got.Transactions[0].ID)
		assert.Equal(t, "Ann_K", got.Username)
		assert.Equal(t, "ann_k", got.UsernameLower)
	}
	assert.Equal(t, int32(0), env.store.sets.Load())
	assert.Equal(t, int32(1), env.store.updates.Load())
}

func TestLoadProfile_CacheFirstThenReconcile(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()
	seedProfile(t, env, id.ID)

	stale := domain.NewProfile(domain.Identity{ID: id.ID, Username: "stale"}, env.Options.Schema, testNow)
	stale.Balance = dec("1")
	cacheProfile(t, env, stale)

	gate := env.store.gateGets()

	done := make(chan *domain.UserProfile, 1)
	go func() {
		p, err := svc.LoadProfile(context.Background(), id)
		assert.NoError(t, err)
		done <- p
	}()

	// Returned while the remote read is still blocked
	var p *domain.UserProfile
	select {
	case p = <-done:
	case <-time.After(waitFor):
		t.Fatal("LoadProfile waited for the remote store despite a snapshot")
	}
	assert.True(t, dec("1").Equal(p.Balance))
	assert.Equal(t, "Ann_K", p.Username, "platform fields are refreshed on the cached copy")

	close(gate)
	env.Tasks.Wait()

	cached, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.True(t, dec("500.25").Equal(cached.Balance))
	assert.Equal(t, "Ann_K", cached.Username)
	assert.Equal(t, uint64(1), env.metrics.Snapshot().CacheHits)
}

func TestLoadProfile_BackgroundErrorIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()

	cached := domain.NewProfile(id, env.Options.Schema, testNow)
	cached.Balance = dec("9")
	cacheProfile(t, env, cached)
	env.store.failGets(domain.NewStoreError("get", domain.UsersCollection, id.ID, errUnreachable))

	p, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, dec("9").Equal(p.Balance))

	env.Tasks.Wait()
	snap := env.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Reconciles)
	assert.Equal(t, uint64(1), snap.ReconcileErrors)

	// The snapshot survives a failed reconcile
	again, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.True(t, dec("9").Equal(again.Balance))
}

func TestLoadProfile_RequiredReadErrorPropagates(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	env.store.failGets(domain.NewStoreError("get", domain.UsersCollection, "1", errUnreachable))

	_, err := svc.LoadProfile(context.Background(), testIdentity())
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnreachable)
	assert.True(t, domain.IsRetriable(err))
	assert.Equal(t, 0, env.Cache.Len())
}

func TestLoadProfile_CorruptSnapshotIsMiss(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()
	env.Cache.Set(session.ProfileKey(id.ID), []byte("{not json"))

	p, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id.ID, p.ID)
	assert.Equal(t, int32(1), env.store.gets.Load())

	cached, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.Equal(t, "Ann_K", cached.Username)
}

func TestLoadProfile_InvalidIdentity(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)

	_, err := svc.LoadProfile(context.Background(), domain.Identity{Username: "nobody"})
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestLoadProfile_RemoteTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.Options.RemoteTimeout = 20 * time.Millisecond
	svc := NewProfileService(env.Env)
	gate := env.store.gateGets()
	defer close(gate)

	_, err := svc.LoadProfile(context.Background(), testIdentity())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// profileRecorder collects watch deliveries
type profileRecorder struct {
	mu    sync.Mutex
	items []domain.UserProfile
	calls atomic.Int32
}

func (r *profileRecorder) add(p *domain.UserProfile) {
	r.mu.Lock()
	r.items = append(r.items, *p)
	r.mu.Unlock()
	r.calls.Add(1)
}

func (r *profileRecorder) at(i int) domain.UserProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[i]
}

func (r *profileRecorder) last() domain.UserProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[len(r.items)-1]
}

func TestWatchProfile_CacheFirstThenRemoteChanges(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()
	seedProfile(t, env, id.ID)

	stale := domain.NewProfile(id, env.Options.Schema, testNow)
	stale.Balance = dec("1")
	cacheProfile(t, env, stale)

	var rec profileRecorder
	unsub, err := svc.WatchProfile(context.Background(), id, rec.add)
	require.NoError(t, err)
	defer unsub()

	// The cached snapshot is delivered before WatchProfile returns
	require.GreaterOrEqual(t, rec.calls.Load(), int32(1))
	assert.True(t, dec("1").Equal(rec.at(0).Balance))

	require.Eventually(t, func() bool {
		return rec.calls.Load() >= 2 && dec("500.25").Equal(rec.last().Balance)
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, env.store.Update(context.Background(), domain.UsersCollection, id.ID, storage.Fields{"balance": "777"}))
	require.Eventually(t, func() bool {
		return dec("777").Equal(rec.last().Balance)
	}, waitFor, 10*time.Millisecond)

	// Pushes are written through to the snapshot
	cached, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.True(t, dec("777").Equal(cached.Balance))
	assert.Equal(t, int32(1), env.metrics.Snapshot().ActiveSubscriptions)
}

func TestWatchProfile_NoCacheNoInitialCallback(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()

	var rec profileRecorder
	unsub, err := svc.WatchProfile(context.Background(), id, rec.add)
	require.NoError(t, err)
	defer unsub()
	assert.Equal(t, int32(0), rec.calls.Load())

	_, err = svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "Ann_K", rec.last().Username)
}

func TestWatchProfile_CancelStopsCallbacks(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()
	seedProfile(t, env, id.ID)

	var rec profileRecorder
	unsub, err := svc.WatchProfile(context.Background(), id, rec.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, waitFor, 10*time.Millisecond)

	unsub()
	sentinel := rec.calls.Load()

	for i := 0; i < 5; i++ {
		require.NoError(t, env.store.Update(context.Background(), domain.UsersCollection, id.ID, storage.Fields{"tradesCount": i}))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sentinel, rec.calls.Load())
	assert.Equal(t, int32(0), env.metrics.Snapshot().ActiveSubscriptions)

	unsub() // second call is harmless
	assert.Equal(t, int32(0), env.metrics.Snapshot().ActiveSubscriptions)
}

func TestAcceptPrivacy(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()

	_, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, svc.AcceptPrivacy(context.Background(), id))

	cached, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.True(t, cached.PrivacyAccepted)
	assert.True(t, remoteProfile(t, env, id.ID).PrivacyAccepted)
}

func TestAcceptPrivacy_SurvivesStaleReconcile(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()
	seedProfile(t, env, id.ID)

	_, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)

	// The background reconcile reads privacyAccepted=false, then stalls
	held := env.store.holdReads()
	_, err = svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)
	select {
	case <-held.read:
	case <-time.After(waitFor):
		t.Fatal("background reconcile did not read the record")
	}

	require.NoError(t, svc.AcceptPrivacy(context.Background(), id))
	cached, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	require.True(t, cached.PrivacyAccepted)

	close(held.release)
	env.Tasks.Wait()

	cached, ok = cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.True(t, cached.PrivacyAccepted)
	assert.True(t, remoteProfile(t, env, id.ID).PrivacyAccepted)

	p, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, p.PrivacyAccepted)
}

func TestWatchProfile_StaleDeliveryKeepsPrivacy(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()

	_, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, svc.AcceptPrivacy(context.Background(), id))

	// A change read before the acceptance still carries false
	stale := remoteProfile(t, env, id.ID)
	stale.PrivacyAccepted = false
	svc.storeSnapshot(session.ProfileKey(id.ID), &stale)

	assert.True(t, stale.PrivacyAccepted, "delivered value follows the snapshot")
	cached, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.True(t, cached.PrivacyAccepted)
}

func TestAcceptPrivacy_NoSnapshot(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()
	seedProfile(t, env, id.ID)

	require.NoError(t, svc.AcceptPrivacy(context.Background(), id))
	assert.True(t, remoteProfile(t, env, id.ID).PrivacyAccepted)
	assert.Equal(t, 0, env.Cache.Len())
}

func TestAcceptPrivacy_RemoteFailureLeavesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)
	id := testIdentity()

	_, err := svc.LoadProfile(context.Background(), id)
	require.NoError(t, err)

	env.store.mu.Lock()
	env.store.updateErr = domain.NewStoreError("update", domain.UsersCollection, id.ID, errUnreachable)
	env.store.mu.Unlock()

	err = svc.AcceptPrivacy(context.Background(), id)
	require.ErrorIs(t, err, errUnreachable)

	cached, ok := cachedProfile(t, env, id.ID)
	require.True(t, ok)
	assert.False(t, cached.PrivacyAccepted)
}

func TestAcceptPrivacy_MissingRecord(t *testing.T) {
	env := newTestEnv(t)
	svc := NewProfileService(env.Env)

	err := svc.AcceptPrivacy(context.Background(), testIdentity())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
