package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"tg_market/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// documentRow is one document of any collection
type documentRow struct {
	Collection string `gorm:"primaryKey"`
	ID         string `gorm:"primaryKey"`
	Data       string `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (documentRow) TableName() string {
	return "documents"
}

// SQLiteStore keeps documents in a single SQLite table.
// Change notifications are process-local.
type SQLiteStore struct {
	db  *gorm.DB
	hub *hub
}

// NewSQLiteStore opens (or creates) the database at path.
// An empty path resolves to the per-user config directory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		var err error
		path, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newSQLiteStore(db)
}

func newSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// SQLite allows one writer; serialize instead of returning SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	// Auto Migration
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStore{db: db, hub: newHub()}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "TgMarket", "data", "documents.db"), nil
}

// ======================================================================================
// Document Operations
// ======================================================================================

// Get retrieves a document by id
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).First(&row, "collection = ? AND id = ?", collection, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, domain.NewFatalStoreError("get", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return Document{}, domain.NewStoreError("get", collection, id, err)
	}
	return decodeDoc(id, []byte(row.Data))
}

// Set creates or replaces a document
func (s *SQLiteStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	raw, err := encodeDoc(fields)
	if err != nil {
		return domain.NewFatalStoreError("set", collection, id, err)
	}

	if err := upsertRow(s.db.WithContext(ctx), collection, id, raw); err != nil {
		return domain.NewStoreError("set", collection, id, err)
	}

	s.hub.notify(collection, id)
	return nil
}

// Update merges fields into an existing document inside a transaction
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row documentRow
		if err := tx.First(&row, "collection = ? AND id = ?", collection, id).Error; err != nil {
			return err
		}

		doc, err := decodeDoc(id, []byte(row.Data))
		if err != nil {
			return err
		}
		merged, err := encodeDoc(mergeFields(doc.Fields, fields))
		if err != nil {
			return err
		}

		return tx.Model(&documentRow{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]any{"data": string(merged), "updated_at": time.Now()}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewFatalStoreError("update", collection, id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.NewStoreError("update", collection, id, err)
	}

	s.hub.notify(collection, id)
	return nil
}

// List returns all documents of a collection sorted by id
func (s *SQLiteStore) List(ctx context.Context, collection string) ([]Document, error) {
	var rows []documentRow
	if err := s.db.WithContext(ctx).Where("collection = ?", collection).Order("id").Find(&rows).Error; err != nil {
		return nil, domain.NewStoreError("list", collection, "", err)
	}

	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := decodeDoc(row.ID, []byte(row.Data))
		if err != nil {
			return nil, domain.NewFatalStoreError("list", collection, row.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Batch writes every document in one transaction
func (s *SQLiteStore) Batch(ctx context.Context, writes []Write) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range writes {
			raw, err := encodeDoc(w.Fields)
			if err != nil {
				return err
			}
			if err := upsertRow(tx, w.Collection, w.ID, raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.NewStoreError("batch", "", "", err)
	}

	for _, w := range writes {
		s.hub.notify(w.Collection, w.ID)
	}
	return nil
}

// WatchDocument subscribes to one document
func (s *SQLiteStore) WatchDocument(ctx context.Context, collection, id string, fn func(Document)) (Unsubscribe, error) {
	return s.hub.watchDocument(collection, id, s.Get, fn)
}

// WatchCollection subscribes to a whole collection
func (s *SQLiteStore) WatchCollection(ctx context.Context, collection string, fn func([]Document)) (Unsubscribe, error) {
	return s.hub.watchCollection(collection, s.List, fn)
}

// Close detaches watches and closes the database
func (s *SQLiteStore) Close() error {
	s.hub.close()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// upsertRow keeps created_at of an existing row
func upsertRow(db *gorm.DB, collection, id string, raw []byte) error {
	row := documentRow{Collection: collection, ID: id, Data: string(raw)}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
}
