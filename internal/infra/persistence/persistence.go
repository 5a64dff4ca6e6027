// Package persistence selects and opens the configured storage backend.
package persistence

import (
	"context"
	"fmt"
	"os"

	"tracebase/internal/core"
	"tracebase/internal/infra/persistence/postgres"
	"tracebase/internal/infra/persistence/sqlite"
)

// Driver identifies a storage backend.
type Driver string

// Supported storage drivers.
const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config selects a backend explicitly. Zero values fall back to environment
// variables and then to defaults.
type Config struct {
	Driver Driver
	// Path is the SQLite database path (driver=sqlite).
	Path string
	// DSN is the Postgres connection string (driver=postgres).
	DSN string
}

// Open wraps the in-memory store in the configured durable backend.
//
//	TRACEBASE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	TRACEBASE_SQLITE_PATH: database file when driver=sqlite
//	TRACEBASE_POSTGRES_DSN: connection string when driver=postgres
func Open(ctx context.Context, cfg Config, mem *core.MemoryStore) (core.Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = Driver(os.Getenv("TRACEBASE_STORAGE_DRIVER"))
	}
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverMemory:
		return mem, nil
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = os.Getenv("TRACEBASE_SQLITE_PATH")
		}
		return sqlite.NewStore(path, mem)
	case DriverPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = os.Getenv("TRACEBASE_POSTGRES_DSN")
		}
		return postgres.NewStore(ctx, dsn, mem)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
