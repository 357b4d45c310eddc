package storage

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// json keeps numbers as json.Number so int64 fields survive a round trip
var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Fields is the top-level content of a document
type Fields map[string]any

// Document is a keyed JSON object inside a collection
type Document struct {
	ID     string
	Fields Fields
}

// Decode unmarshals the document fields into v
func (d Document) Decode(v any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// EncodeFields converts a struct (or map) into document fields
func EncodeFields(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Write is one document of an atomic batch
type Write struct {
	Collection string
	ID         string
	Fields     Fields
}

// Unsubscribe detaches a watch. No callback starts after it returns.
type Unsubscribe func()

// Store is the remote document store consumed by the read layer.
//
// Watches deliver the current state first and then every change. Deliveries of
// one subscription never overlap; bursts are coalesced so the latest state wins.
// Missing documents are not delivered.
type Store interface {
	// Get returns the document or an error wrapping domain.ErrNotFound
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set writes (creates or replaces) a whole document
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Update merges the named top-level fields into an existing document
	Update(ctx context.Context, collection, id string, fields Fields) error
	// List returns every document of a collection ordered by id
	List(ctx context.Context, collection string) ([]Document, error)
	// Batch applies all writes or none
	Batch(ctx context.Context, writes []Write) error

	WatchDocument(ctx context.Context, collection, id string, fn func(Document)) (Unsubscribe, error)
	WatchCollection(ctx context.Context, collection string, fn func([]Document)) (Unsubscribe, error)

	Close() error
}

func encodeDoc(fields Fields) ([]byte, error) {
	if fields == nil {
		fields = Fields{}
	}
	return json.Marshal(fields)
}

func decodeDoc(id string, raw []byte) (Document, error) {
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Document{}, fmt.Errorf("corrupt document %s: %w", id, err)
	}
	if fields == nil {
		fields = Fields{}
	}
	return Document{ID: id, Fields: fields}, nil
}

// mergeFields overlays patch onto a copy of base (top-level keys only)
func mergeFields(base, patch Fields) Fields {
	merged := make(Fields, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// change payloads are "collection/id"
func formatChange(collection, id string) string {
	return collection + "/" + id
}

func parseChange(payload string) (collection, id string) {
	collection, id, _ = strings.Cut(payload, "/")
	return collection, id
}
