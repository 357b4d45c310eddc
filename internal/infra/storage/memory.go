package storage

import (
	"context"
	"sort"
	"sync"

	"tg_market/internal/domain"
)

// MemoryStore is an in-process document store.
// Used for standalone runs and tests; documents are kept as JSON so callers
// never share mutable state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	hub    *hub
	closed bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string][]byte),
		hub:  newHub(),
	}
}

// Get retrieves a document by id
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	closed := m.closed
	raw, ok := m.data[collection][id]
	m.mu.RUnlock()

	if closed {
		return Document{}, domain.NewFatalStoreError("get", collection, id, domain.ErrStoreClosed)
	}
	if !ok {
		return Document{}, domain.NewFatalStoreError("get", collection, id, domain.ErrNotFound)
	}
	return decodeDoc(id, raw)
}

// Set creates or replaces a document
func (m *MemoryStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	raw, err := encodeDoc(fields)
	if err != nil {
		return domain.NewFatalStoreError("set", collection, id, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.NewFatalStoreError("set", collection, id, domain.ErrStoreClosed)
	}
	m.put(collection, id, raw)
	m.mu.Unlock()

	m.hub.notify(collection, id)
	return nil
}

// Update merges fields into an existing document
func (m *MemoryStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.NewFatalStoreError("update", collection, id, domain.ErrStoreClosed)
	}

	raw, ok := m.data[collection][id]
	if !ok {
		m.mu.Unlock()
		return domain.NewFatalStoreError("update", collection, id, domain.ErrNotFound)
	}

	doc, err := decodeDoc(id, raw)
	if err != nil {
		m.mu.Unlock()
		return domain.NewFatalStoreError("update", collection, id, err)
	}

	merged, err := encodeDoc(mergeFields(doc.Fields, fields))
	if err != nil {
		m.mu.Unlock()
		return domain.NewFatalStoreError("update", collection, id, err)
	}
	m.put(collection, id, merged)
	m.mu.Unlock()

	m.hub.notify(collection, id)
	return nil
}

// List returns all documents of a collection sorted by id
func (m *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, domain.NewFatalStoreError("list", collection, "", domain.ErrStoreClosed)
	}

	ids := make([]string, 0, len(m.data[collection]))
	for id := range m.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := decodeDoc(id, m.data[collection][id])
		if err != nil {
			return nil, domain.NewFatalStoreError("list", collection, id, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Batch applies every write under one lock; encoding failures abort before any write
func (m *MemoryStore) Batch(ctx context.Context, writes []Write) error {
	encoded := make([][]byte, len(writes))
	for i, w := range writes {
		raw, err := encodeDoc(w.Fields)
		if err != nil {
			return domain.NewFatalStoreError("batch", w.Collection, w.ID, err)
		}
		encoded[i] = raw
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.NewFatalStoreError("batch", "", "", domain.ErrStoreClosed)
	}
	for i, w := range writes {
		m.put(w.Collection, w.ID, encoded[i])
	}
	m.mu.Unlock()

	for _, w := range writes {
		m.hub.notify(w.Collection, w.ID)
	}
	return nil
}

// WatchDocument subscribes to one document
func (m *MemoryStore) WatchDocument(ctx context.Context, collection, id string, fn func(Document)) (Unsubscribe, error) {
	return m.hub.watchDocument(collection, id, m.Get, fn)
}

// WatchCollection subscribes to a whole collection
func (m *MemoryStore) WatchCollection(ctx context.Context, collection string, fn func([]Document)) (Unsubscribe, error) {
	return m.hub.watchCollection(collection, m.List, fn)
}

// Close detaches all watches; later calls fail with ErrStoreClosed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.hub.close()
	return nil
}

// put must be called with the write lock held
func (m *MemoryStore) put(collection, id string, raw []byte) {
	docs, ok := m.data[collection]
	if !ok {
		docs = make(map[string][]byte)
		m.data[collection] = docs
	}
	docs[id] = raw
}
