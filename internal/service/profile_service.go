package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra/storage"
	"tg_market/internal/session"
)

// ProfileService serves user profiles from the session snapshot first and
// keeps them in sync with the remote "users" collection.
type ProfileService struct {
	env Env
}

// NewProfileService creates a profile service over env
func NewProfileService(env Env) *ProfileService {
	return &ProfileService{env: env.normalized()}
}

// LoadProfile returns the profile of id, creating the remote record on first access.
//
// With a cached snapshot the result is returned at once (platform fields
// refreshed from id) and the remote reconcile runs in the background.
// Without one the caller waits for the remote round trip and gets its error.
func (s *ProfileService) LoadProfile(ctx context.Context, id domain.Identity) (*domain.UserProfile, error) {
	if !id.Valid() {
		return nil, domain.ErrInvalidIdentity
	}

	key := session.ProfileKey(id.ID)
	if cached, ok := readSnapshot[domain.UserProfile](s.env, key); ok {
		s.env.Metrics.RecordCacheHit()
		cached.ApplyPlatform(id.Platform(), s.env.Options.Schema)

		s.env.Tasks.Go(ctx, "reconcile "+key, func(ctx context.Context) error {
			_, err := s.reconcile(ctx, id)
			return err
		})
		return &cached, nil
	}

	s.env.Metrics.RecordCacheMiss()
	return s.reconcile(ctx, id)
}

// reconcile merges the platform fields into the remote record (or creates it)
// and overwrites the snapshot with the result
func (s *ProfileService) reconcile(ctx context.Context, id domain.Identity) (*domain.UserProfile, error) {
	schema := s.env.Options.Schema
	platform := id.Platform()

	rctx, cancel := s.env.remote(ctx)
	defer cancel()
	defer s.env.observe(time.Now())

	doc, err := s.env.Store.Get(rctx, domain.UsersCollection, id.ID)
	var profile *domain.UserProfile
	switch {
	case errors.Is(err, domain.ErrNotFound):
		profile = domain.NewProfile(id, schema, s.env.Clock())
		if err := s.env.Store.Set(rctx, domain.UsersCollection, id.ID, storage.Fields(profile.Document(schema))); err != nil {
			return nil, fmt.Errorf("create profile %s: %w", id.ID, err)
		}
		s.env.Metrics.RecordRemoteWrite()
		s.env.Logger.Info("Profile created", slog.String("user", id.ID), slog.String("username", profile.Username))

	case err != nil:
		return nil, fmt.Errorf("read profile %s: %w", id.ID, err)

	default:
		if err := s.env.Store.Update(rctx, domain.UsersCollection, id.ID, storage.Fields(platform.Patch(schema))); err != nil {
			return nil, fmt.Errorf("update profile %s: %w", id.ID, err)
		}
		s.env.Metrics.RecordRemoteWrite()

		profile = &domain.UserProfile{}
		if err := doc.Decode(profile); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", id.ID, err)
		}
		profile.ApplyPlatform(platform, schema)
	}

	s.storeSnapshot(session.ProfileKey(id.ID), profile)
	return profile, nil
}

// storeSnapshot overwrites the cached profile. Privacy acceptance is one-way,
// so a snapshot that already carries it keeps it even when profile was read
// before AcceptPrivacy wrote the flag.
func (s *ProfileService) storeSnapshot(key string, profile *domain.UserProfile) {
	s.env.Cache.Update(key, func(current []byte, ok bool) ([]byte, bool) {
		if ok && !profile.PrivacyAccepted {
			var prev domain.UserProfile
			if err := json.Unmarshal(current, &prev); err == nil && prev.PrivacyAccepted {
				profile.PrivacyAccepted = true
			}
		}
		raw, err := json.Marshal(profile)
		if err != nil {
			s.env.Logger.Warn("Failed to encode snapshot", slog.String("key", key), slog.Any("error", err))
			return nil, false
		}
		return raw, true
	})
}

// WatchProfile delivers the cached snapshot (if any) synchronously, then every
// remote change of the record. Each change is written to the snapshot before
// fn sees it. After the returned Unsubscribe no new call of fn starts.
func (s *ProfileService) WatchProfile(ctx context.Context, id domain.Identity, fn func(*domain.UserProfile)) (storage.Unsubscribe, error) {
	if !id.Valid() {
		return nil, domain.ErrInvalidIdentity
	}

	key := session.ProfileKey(id.ID)
	if cached, ok := readSnapshot[domain.UserProfile](s.env, key); ok {
		fn(&cached)
	}

	unsub, err := s.env.Store.WatchDocument(ctx, domain.UsersCollection, id.ID, func(doc storage.Document) {
		var profile domain.UserProfile
		if err := doc.Decode(&profile); err != nil {
			s.env.Logger.Warn("Skipping undecodable profile", slog.String("user", id.ID), slog.Any("error", err))
			return
		}
		s.storeSnapshot(key, &profile)
		fn(&profile)
	})
	if err != nil {
		return nil, fmt.Errorf("watch profile %s: %w", id.ID, err)
	}
	return s.track(unsub), nil
}

// AcceptPrivacy sets the privacy flag remotely, then in the snapshot.
// A failed remote write leaves the snapshot untouched.
func (s *ProfileService) AcceptPrivacy(ctx context.Context, id domain.Identity) error {
	if !id.Valid() {
		return domain.ErrInvalidIdentity
	}

	rctx, cancel := s.env.remote(ctx)
	defer cancel()

	start := time.Now()
	err := s.env.Store.Update(rctx, domain.UsersCollection, id.ID, storage.Fields{"privacyAccepted": true})
	s.env.observe(start)
	if err != nil {
		return fmt.Errorf("accept privacy %s: %w", id.ID, err)
	}
	s.env.Metrics.RecordRemoteWrite()

	key := session.ProfileKey(id.ID)
	s.env.Cache.Update(key, func(current []byte, ok bool) ([]byte, bool) {
		if !ok {
			return nil, false
		}
		var profile domain.UserProfile
		if err := json.Unmarshal(current, &profile); err != nil {
			return nil, false
		}
		profile.PrivacyAccepted = true
		raw, err := json.Marshal(&profile)
		if err != nil {
			return nil, false
		}
		return raw, true
	})
	return nil
}

// track counts the subscription as active until it is cancelled
func (s *ProfileService) track(unsub storage.Unsubscribe) storage.Unsubscribe {
	return trackSubscription(s.env, unsub)
}

func trackSubscription(env Env, unsub storage.Unsubscribe) storage.Unsubscribe {
	env.Metrics.IncrementSubscriptions()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			env.Metrics.DecrementSubscriptions()
		})
	}
}
