package storage

import (
	"context"
	"fmt"
)

// Supported drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend
type Options struct {
	Driver     string
	SQLitePath string
	Redis      RedisOptions
	Postgres   PostgresOptions
}

// Open creates the configured document store
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	case DriverRedis:
		return NewRedisStore(ctx, opts.Redis)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.Postgres)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", opts.Driver)
	}
}
