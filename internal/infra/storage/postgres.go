package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tg_market/internal/domain"

	"github.com/lib/pq"
)

const (
	postgresMinReconnect = 10 * time.Second
	postgresMaxReconnect = time.Minute
	postgresPingInterval = 90 * time.Second
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	);
`

const postgresUpsert = `
	INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
	ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`

// PostgresOptions configures the Postgres backend
type PostgresOptions struct {
	DSN     string
	Channel string // NOTIFY channel, defaults to "document_changes"
}

// PostgresStore keeps documents in a jsonb table. Writes issue pg_notify inside
// their transaction; a pq.Listener turns notifications into watch refreshes.
type PostgresStore struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	hub      *hub
	stop     chan struct{}
	done     chan struct{}
}

// NewPostgresStore connects, creates the table and starts listening
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	channel := opts.Channel
	if channel == "" {
		channel = "document_changes"
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}

	s := &PostgresStore{
		db:      db,
		channel: channel,
		hub:     newHub(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.listener = pq.NewListener(opts.DSN, postgresMinReconnect, postgresMaxReconnect, s.onListenerEvent)
	if err := s.listener.Listen(channel); err != nil {
		_ = s.listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	go s.listen()
	return s, nil
}

func (s *PostgresStore) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		slog.Warn("Postgres change feed disconnected", slog.Any("error", err))
	case pq.ListenerEventConnectionAttemptFailed:
		slog.Warn("Postgres change feed reconnect failed", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		slog.Info("Postgres change feed reconnected")
	}
}

// listen forwards notifications to local watches
func (s *PostgresStore) listen() {
	defer close(s.done)

	ticker := time.NewTicker(postgresPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case n := <-s.listener.Notify:
			if n == nil {
				// Reconnected: notifications may have been lost
				s.hub.notifyAll()
				continue
			}
			collection, id := parseChange(n.Extra)
			s.hub.notify(collection, id)
		case <-ticker.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					slog.Debug("Postgres listener ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

// Get retrieves a document by id
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, domain.NewFatalStoreError("get", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return Document{}, domain.NewStoreError("get", collection, id, err)
	}
	return decodeDoc(id, raw)
}

// Set creates or replaces a document
func (s *PostgresStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	raw, err := encodeDoc(fields)
	if err != nil {
		return domain.NewFatalStoreError("set", collection, id, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, postgresUpsert, collection, id, string(raw)); err != nil {
			return err
		}
		return s.notifyTx(ctx, tx, collection, id)
	})
	if err != nil {
		return domain.NewStoreError("set", collection, id, err)
	}
	return nil
}

// Update merges fields with the jsonb concatenation operator
func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	raw, err := encodeDoc(fields)
	if err != nil {
		return domain.NewFatalStoreError("update", collection, id, err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`,
			collection, id, string(raw))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrNotFound
		}
		return s.notifyTx(ctx, tx, collection, id)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewFatalStoreError("update", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.NewStoreError("update", collection, id, err)
	}
	return nil
}

// List returns all documents of a collection sorted by id
func (s *PostgresStore) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`, collection)
	if err != nil {
		return nil, domain.NewStoreError("list", collection, "", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, domain.NewStoreError("list", collection, "", err)
		}
		doc, err := decodeDoc(id, raw)
		if err != nil {
			return nil, domain.NewFatalStoreError("list", collection, id, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list", collection, "", err)
	}
	return docs, nil
}

// Batch writes all documents in one transaction
func (s *PostgresStore) Batch(ctx context.Context, writes []Write) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			raw, err := encodeDoc(w.Fields)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, postgresUpsert, w.Collection, w.ID, string(raw)); err != nil {
				return err
			}
		}
		for _, w := range writes {
			if err := s.notifyTx(ctx, tx, w.Collection, w.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.NewStoreError("batch", "", "", err)
	}
	return nil
}

// WatchDocument subscribes to one document
func (s *PostgresStore) WatchDocument(ctx context.Context, collection, id string, fn func(Document)) (Unsubscribe, error) {
	return s.hub.watchDocument(collection, id, s.Get, fn)
}

// WatchCollection subscribes to a whole collection
func (s *PostgresStore) WatchCollection(ctx context.Context, collection string, fn func([]Document)) (Unsubscribe, error) {
	return s.hub.watchCollection(collection, s.List, fn)
}

// Close stops the listener, detaches watches and closes the pool
func (s *PostgresStore) Close() error {
	close(s.stop)
	<-s.done
	s.hub.close()

	err := s.listener.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// notifyTx is delivered by Postgres only when the transaction commits
func (s *PostgresStore) notifyTx(ctx context.Context, tx *sql.Tx, collection, id string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel, formatChange(collection, id))
	return err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
