package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"tg_market/internal/domain"

	"github.com/redis/go-redis/v9"
)

// redisMaxTxRetries bounds optimistic-lock retries of Update
const redisMaxTxRetries = 5

// RedisOptions configures the Redis backend
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key namespace, defaults to "docs"
}

// RedisStore keeps each collection in one hash ("{prefix}:{collection}") and
// publishes "collection/id" on "{prefix}:changes" after every write.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	pubsub  *redis.PubSub
	hub     *hub
	done    chan struct{}
}

// NewRedisStore connects and starts listening to the change feed
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisStore(ctx, client, opts.Prefix)
}

func newRedisStore(ctx context.Context, client *redis.Client, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "docs"
	}

	s := &RedisStore{
		client:  client,
		prefix:  prefix,
		channel: prefix + ":changes",
		hub:     newHub(),
		done:    make(chan struct{}),
	}

	// Subscribe before any watch performs its initial read
	s.pubsub = client.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	go s.listen()
	return s, nil
}

func (s *RedisStore) collectionKey(collection string) string {
	return fmt.Sprintf("%s:%s", s.prefix, collection)
}

// listen forwards the change feed to local watches
func (s *RedisStore) listen() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		collection, id := parseChange(msg.Payload)
		s.hub.notify(collection, id)
	}
	slog.Info("Redis change feed stopped", slog.String("channel", s.channel))
}

// Get retrieves a document by id
func (s *RedisStore) Get(ctx context.Context, collection, id string) (Document, error) {
	raw, err := s.client.HGet(ctx, s.collectionKey(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, domain.NewFatalStoreError("get", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return Document{}, domain.NewStoreError("get", collection, id, err)
	}
	return decodeDoc(id, raw)
}

// Set creates or replaces a document
func (s *RedisStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	raw, err := encodeDoc(fields)
	if err != nil {
		return domain.NewFatalStoreError("set", collection, id, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.collectionKey(collection), id, raw)
		pipe.Publish(ctx, s.channel, formatChange(collection, id))
		return nil
	})
	if err != nil {
		return domain.NewStoreError("set", collection, id, err)
	}
	return nil
}

// Update merges fields with WATCH/MULTI so concurrent writers cannot interleave
func (s *RedisStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	key := s.collectionKey(collection)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Bytes()
		if err != nil {
			return err
		}
		doc, err := decodeDoc(id, raw)
		if err != nil {
			return err
		}
		merged, err := encodeDoc(mergeFields(doc.Fields, fields))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, merged)
			pipe.Publish(ctx, s.channel, formatChange(collection, id))
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < redisMaxTxRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return domain.NewFatalStoreError("update", collection, id, domain.ErrNotFound)
	default:
		return domain.NewStoreError("update", collection, id, err)
	}
}

// List returns all documents of a collection sorted by id
func (s *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	values, err := s.client.HGetAll(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		return nil, domain.NewStoreError("list", collection, "", err)
	}

	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := decodeDoc(id, []byte(values[id]))
		if err != nil {
			return nil, domain.NewFatalStoreError("list", collection, id, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Batch writes all documents inside one MULTI/EXEC
func (s *RedisStore) Batch(ctx context.Context, writes []Write) error {
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		raw, err := encodeDoc(w.Fields)
		if err != nil {
			return domain.NewFatalStoreError("batch", w.Collection, w.ID, err)
		}
		encoded[i] = raw
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, w := range writes {
			pipe.HSet(ctx, s.collectionKey(w.Collection), w.ID, encoded[i])
		}
		for _, w := range writes {
			pipe.Publish(ctx, s.channel, formatChange(w.Collection, w.ID))
		}
		return nil
	})
	if err != nil {
		return domain.NewStoreError("batch", "", "", err)
	}
	return nil
}

// WatchDocument subscribes to one document
func (s *RedisStore) WatchDocument(ctx context.Context, collection, id string, fn func(Document)) (Unsubscribe, error) {
	return s.hub.watchDocument(collection, id, s.Get, fn)
}

// WatchCollection subscribes to a whole collection
func (s *RedisStore) WatchCollection(ctx context.Context, collection string, fn func([]Document)) (Unsubscribe, error) {
	return s.hub.watchCollection(collection, s.List, fn)
}

// Close stops the change feed, detaches watches and closes the client
func (s *RedisStore) Close() error {
	err := s.pubsub.Close()
	<-s.done
	s.hub.close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}
