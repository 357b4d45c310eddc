package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra/storage"
	"tg_market/internal/session"
)

// MarketService serves the "tokens" collection with the same snapshot rules
// as profiles.
type MarketService struct {
	env    Env
	seedMu sync.Mutex
}

// NewMarketService creates a market service over env
func NewMarketService(env Env) *MarketService {
	return &MarketService{env: env.normalized()}
}

// LoadMarket returns the token list sorted by symbol. A cached snapshot is
// returned at once and refreshed in the background.
func (s *MarketService) LoadMarket(ctx context.Context) ([]domain.MarketToken, error) {
	if cached, ok := readSnapshot[[]domain.MarketToken](s.env, session.MarketKey); ok {
		s.env.Metrics.RecordCacheHit()
		s.env.Tasks.Go(ctx, "reconcile "+session.MarketKey, func(ctx context.Context) error {
			_, err := s.reconcile(ctx)
			return err
		})
		return cached, nil
	}

	s.env.Metrics.RecordCacheMiss()
	return s.reconcile(ctx)
}

func (s *MarketService) reconcile(ctx context.Context) ([]domain.MarketToken, error) {
	rctx, cancel := s.env.remote(ctx)
	defer cancel()
	defer s.env.observe(time.Now())

	docs, err := s.env.Store.List(rctx, domain.TokensCollection)
	if err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}

	tokens := s.decodeTokens(docs)
	writeSnapshot(s.env, session.MarketKey, tokens)
	return tokens, nil
}

// WatchMarket delivers the cached token list (if any) synchronously, then the
// whole collection on every change. After the returned Unsubscribe no new call
// of fn starts.
func (s *MarketService) WatchMarket(ctx context.Context, fn func([]domain.MarketToken)) (storage.Unsubscribe, error) {
	if cached, ok := readSnapshot[[]domain.MarketToken](s.env, session.MarketKey); ok {
		fn(cached)
	}

	unsub, err := s.env.Store.WatchCollection(ctx, domain.TokensCollection, func(docs []storage.Document) {
		tokens := s.decodeTokens(docs)
		writeSnapshot(s.env, session.MarketKey, tokens)
		fn(tokens)
	})
	if err != nil {
		return nil, fmt.Errorf("watch tokens: %w", err)
	}
	return trackSubscription(s.env, unsub), nil
}

// SeedMarketIfEmpty writes the starter tokens in one batch when the collection
// is empty. It reports whether it wrote anything.
func (s *MarketService) SeedMarketIfEmpty(ctx context.Context) (bool, error) {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()

	rctx, cancel := s.env.remote(ctx)
	defer cancel()

	docs, err := s.env.Store.List(rctx, domain.TokensCollection)
	if err != nil {
		return false, fmt.Errorf("check tokens: %w", err)
	}
	if len(docs) > 0 {
		return false, nil
	}

	starter := domain.StarterTokens()
	writes := make([]storage.Write, 0, len(starter))
	for _, t := range starter {
		fields, err := storage.EncodeFields(t)
		if err != nil {
			return false, fmt.Errorf("encode token %s: %w", t.ID, err)
		}
		writes = append(writes, storage.Write{
			Collection: domain.TokensCollection,
			ID:         t.ID,
			Fields:     fields,
		})
	}

	if err := s.env.Store.Batch(rctx, writes); err != nil {
		return false, fmt.Errorf("seed tokens: %w", err)
	}
	s.env.Metrics.RecordSeed()
	s.env.Logger.Info("Market seeded", slog.Int("tokens", len(writes)))
	return true, nil
}

// decodeTokens skips documents that do not decode; the id is the document key
func (s *MarketService) decodeTokens(docs []storage.Document) []domain.MarketToken {
	tokens := make([]domain.MarketToken, 0, len(docs))
	for _, doc := range docs {
		var t domain.MarketToken
		if err := doc.Decode(&t); err != nil {
			s.env.Logger.Warn("Skipping undecodable token", slog.String("id", doc.ID), slog.Any("error", err))
			continue
		}
		t.ID = doc.ID
		tokens = append(tokens, t)
	}
	domain.SortTokens(tokens)
	return tokens
}
