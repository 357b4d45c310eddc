package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// StoreError represents a failed remote document store operation
type StoreError struct {
	Op         string // Operation that failed (e.g., "get", "update", "batch")
	Collection string
	ID         string // Empty for collection-wide operations
	Err        error  // Underlying error
	Retriable  bool   // Whether a later attempt may succeed
}

func (e *StoreError) Error() string {
	target := e.Collection
	if e.ID != "" {
		target += "/" + e.ID
	}
	return e.Op + " " + target + ": " + e.Err.Error()
}

func (e *StoreError) IsRetriable() bool {
	return e.Retriable
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a retriable store error (remote unreachable, timeout)
func NewStoreError(op, collection, id string, err error) *StoreError {
	return &StoreError{Op: op, Collection: collection, ID: id, Err: err, Retriable: true}
}

// NewFatalStoreError creates a non-retriable store error (bad payload, closed store)
func NewFatalStoreError(op, collection, id string, err error) *StoreError {
	return &StoreError{Op: op, Collection: collection, ID: id, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrNotFound is returned when a document does not exist. Not retriable.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidIdentity is returned when platform identity data is missing or malformed.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrStoreClosed is returned by a document store after Close
	ErrStoreClosed = errors.New("store closed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
