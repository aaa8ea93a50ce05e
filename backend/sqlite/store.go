// Package sqlite provides an embedded Backend implementation using the pure-Go
// SQLite driver (modernc.org/sqlite). Suitable for single-node deployments
// that want durable storage without an external database.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/rbaliyan/datastore/backend"
)

// Store implements backend.Backend using SQLite.
type Store struct {
	db        *sql.DB
	path      string
	opts      *options
	connected int32
	logger    *slog.Logger
}

// Compile-time check
var _ backend.Backend = (*Store)(nil)

// New creates a SQLite backend storing data at path.
// Call Connect() to open the database and initialize the schema.
func New(path string, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{path: path, opts: o, logger: o.logger}
}

// Connect opens the database and creates the key-value table.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return backend.ErrAlreadyConnected
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn under concurrent batches.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			atomic.StoreInt32(&s.connected, 0)
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	createTable := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`,
		s.opts.table)
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.db = db
	s.logger.Info("opened sqlite database", "path", s.path, "table", s.opts.table)
	return nil
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	return s.db.Close()
}

// Capabilities reports full metadata support: every batch runs in one SQLite
// transaction with assertions checked by read-compare inside it.
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		AtomicBatch:       true,
		ConflictDetection: true,
		ReadYourWrites:    true,
	}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, backend.ErrNotConnected
	}
	var value []byte
	query := fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, s.opts.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return value, nil
}

// Iterate scans keys in order.
func (s *Store) Iterate(ctx context.Context, r backend.Range, fn backend.IterFunc) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	query, args := buildScanQuery(s.opts.table, r)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("sqlite scan row: %w", err)
		}
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return rows.Err()
}

func buildScanQuery(table string, r backend.Range) (string, []any) {
	query := fmt.Sprintf(`SELECT k, v FROM %s`, table)
	var args []any
	var where string
	if r.Start != nil {
		where = ` WHERE k >= ?`
		args = append(args, r.Start)
	}
	if r.End != nil {
		if where == "" {
			where = ` WHERE k < ?`
		} else {
			where += ` AND k < ?`
		}
		args = append(args, r.End)
	}
	query += where
	if r.Reverse {
		query += ` ORDER BY k DESC`
	} else {
		query += ` ORDER BY k ASC`
	}
	if r.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, r.Limit)
	}
	return query, args
}

// Write applies a batch inside one transaction. Assertions are verified by
// reading the current values first; any mismatch rolls everything back.
func (s *Store) Write(ctx context.Context, b *backend.Batch) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	getQuery := fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, s.opts.table)
	putQuery := fmt.Sprintf(
		`INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		s.opts.table)
	delQuery := fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, s.opts.table)

	for _, op := range b.Ops {
		if op.Kind != backend.OpAssert {
			continue
		}
		var cur []byte
		err := tx.QueryRowContext(ctx, getQuery, op.Key).Scan(&cur)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if op.Expected != nil {
				return backend.ErrConflict
			}
		case err != nil:
			return fmt.Errorf("sqlite assert read: %w", err)
		default:
			if !bytes.Equal(cur, op.Expected) {
				return backend.ErrConflict
			}
		}
	}

	for _, op := range b.Ops {
		switch op.Kind {
		case backend.OpPut:
			// database/sql maps a nil slice to SQL NULL; index and link
			// entries carry no value, so store them as empty blobs.
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			if _, err := tx.ExecContext(ctx, putQuery, op.Key, value); err != nil {
				return fmt.Errorf("sqlite put: %w", err)
			}
		case backend.OpDelete:
			if _, err := tx.ExecContext(ctx, delQuery, op.Key); err != nil {
				return fmt.Errorf("sqlite delete: %w", err)
			}
		case backend.OpAdd:
			var raw []byte
			err := tx.QueryRowContext(ctx, getQuery, op.Key).Scan(&raw)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sqlite counter read: %w", err)
			}
			cur, err := backend.DecodeCounter(raw)
			if err != nil {
				return err
			}
			next := backend.EncodeCounter(cur + op.Delta)
			if _, err := tx.ExecContext(ctx, putQuery, op.Key, next); err != nil {
				return fmt.Errorf("sqlite counter write: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// DeleteRange removes every key in [from, to).
func (s *Store) DeleteRange(ctx context.Context, from, to []byte) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	var query string
	var args []any
	if to != nil {
		query = fmt.Sprintf(`DELETE FROM %s WHERE k >= ? AND k < ?`, s.opts.table)
		args = []any{from, to}
	} else {
		query = fmt.Sprintf(`DELETE FROM %s WHERE k >= ?`, s.opts.table)
		args = []any{from}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite delete range: %w", err)
	}
	return nil
}
