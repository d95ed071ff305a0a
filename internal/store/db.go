// Package store implements the durable task store on an embedded SQLite
// database. The store owns all persistent rows and hands out snapshots;
// every multi-statement operation runs in a single transaction.
package store

import (
	"database/sql"
	"encoding/json"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentfusion/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable persistence layer. Access to the shared connection
// handle is bounded by a small worker semaphore (one slot per worker) so
// bursts of concurrent writers keep critical sections short.
type Store struct {
	db      *sql.DB
	path    string
	workers chan struct{}
}

// Open creates or opens the database file at path and applies the schema.
func Open(path string, workers int) (*Store, error) {
	if workers <= 0 {
		workers = 4
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	db.SetMaxOpenConns(workers)
	db.SetMaxIdleConns(workers)

	s := &Store{
		db:      db,
		path:    path,
		workers: make(chan struct{}, workers),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	return s, nil
}

// migrate applies the embedded schema
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// acquire takes a worker slot; the returned func releases it
func (s *Store) acquire() func() {
	s.workers <- struct{}{}
	return func() { <-s.workers }
}

// withTx runs fn inside a transaction, rolling back on error
func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	release := s.acquire()
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return &types.StorageError{Op: op, Err: err}
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return &types.StorageError{Op: op, Err: err}
	}
	return nil
}

// nullString converts empty strings to NULL for optional columns
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts nil times to NULL
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// marshalJSON encodes v, falling back to the given zero literal
func marshalJSON(v interface{}, zero string) string {
	data, err := json.Marshal(v)
	if err != nil || v == nil {
		return zero
	}
	return string(data)
}
