// Package sqlite provides a SQLite-backed persistent store that snapshots the
// in-memory state after every successful transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"tracebase/internal/core"
	"tracebase/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// Store persists the full state to a single SQLite table as one JSON payload
// per entity kind.
type Store struct {
	*core.MemoryStore
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating if needed) a SQLite-backed store at path and
// hydrates the wrapped in-memory store from any existing snapshot.
func NewStore(path string, mem *core.MemoryStore) (*Store, error) {
	if path == "" {
		path = "tracebase.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{MemoryStore: mem, db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	schemas := s.Engine().Schemas()
	snapshot := domain.Snapshot{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		entities, err := domain.DecodeBucket(schemas, domain.Kind(bucket), payload)
		if err != nil {
			return err
		}
		snapshot[domain.Kind(bucket)] = entities
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(snapshot) > 0 {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, kind := range s.Engine().Schemas().Kinds() {
		data, err := domain.EncodeBucket(snapshot[kind])
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err := tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, string(kind), data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", kind, err)
			return retErr
		}
	}
	return tx.Commit()
}

// RunInTransaction applies fn within an in-memory transaction, then snapshots
// the committed state to SQLite.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := s.MemoryStore.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	return s.persist()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
