// Package postgres provides a PostgreSQL Backend implementation.
// Suitable for multi-node deployments sharing one relational database.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/datastore/backend"
)

// Store implements backend.Backend using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// Compile-time check
var _ backend.Backend = (*Store)(nil)

// New creates a PostgreSQL backend with the provided database connection.
// Call Connect() to initialize the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{db: db, opts: o, logger: o.logger}
}

// NewFromDB creates a PostgreSQL backend from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect verifies the connection and creates the key-value table.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return backend.ErrAlreadyConnected
	}
	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", wrapUnavailable(err))
	}

	createTable := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (k BYTEA PRIMARY KEY, v BYTEA NOT NULL)`,
		pq.QuoteIdentifier(s.opts.table))
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the backend as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// Capabilities reports full metadata support: batches run in a serializable
// transaction with assertions checked by locked reads.
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
	query := fmt.Sprintf(`SELECT v FROM %s WHERE k = $1`, pq.QuoteIdentifier(s.opts.table))
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w", wrapUnavailable(err))
	}
	return value, nil
}

// Iterate scans keys in order.
func (s *Store) Iterate(ctx context.Context, r backend.Range, fn backend.IterFunc) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	query, args := s.buildScanQuery(r)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres scan: %w", wrapUnavailable(err))
	}
	defer rows.Close()
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("postgres scan row: %w", err)
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

func (s *Store) buildScanQuery(r backend.Range) (string, []any) {
	query := fmt.Sprintf(`SELECT k, v FROM %s`, pq.QuoteIdentifier(s.opts.table))
	var args []any
	var where string
	if r.Start != nil {
		args = append(args, r.Start)
		where = fmt.Sprintf(` WHERE k >= $%d`, len(args))
	}
	if r.End != nil {
		args = append(args, r.End)
		if where == "" {
			where = fmt.Sprintf(` WHERE k < $%d`, len(args))
		} else {
			where += fmt.Sprintf(` AND k < $%d`, len(args))
		}
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

// Write applies a batch inside one transaction. Asserted keys are read with
// FOR UPDATE so concurrent batches serialize on them; a value mismatch rolls
// everything back with ErrConflict.
func (s *Store) Write(ctx context.Context, b *backend.Batch) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", wrapUnavailable(err))
	}
	defer tx.Rollback()

	table := pq.QuoteIdentifier(s.opts.table)
	getForUpdate := fmt.Sprintf(`SELECT v FROM %s WHERE k = $1 FOR UPDATE`, table)
	putQuery := fmt.Sprintf(
		`INSERT INTO %s (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`,
		table)
	delQuery := fmt.Sprintf(`DELETE FROM %s WHERE k = $1`, table)

	for _, op := range b.Ops {
		if op.Kind != backend.OpAssert {
			continue
		}
		var cur []byte
		err := tx.QueryRowContext(ctx, getForUpdate, op.Key).Scan(&cur)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if op.Expected != nil {
				return backend.ErrConflict
			}
		case err != nil:
			return fmt.Errorf("postgres assert read: %w", wrapUnavailable(err))
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
			// entries carry no value, so store them as empty byteas.
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			if _, err := tx.ExecContext(ctx, putQuery, op.Key, value); err != nil {
				return fmt.Errorf("postgres put: %w", wrapUnavailable(err))
			}
		case backend.OpDelete:
			if _, err := tx.ExecContext(ctx, delQuery, op.Key); err != nil {
				return fmt.Errorf("postgres delete: %w", wrapUnavailable(err))
			}
		case backend.OpAdd:
			var raw []byte
			err := tx.QueryRowContext(ctx, getForUpdate, op.Key).Scan(&raw)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("postgres counter read: %w", wrapUnavailable(err))
			}
			cur, err := backend.DecodeCounter(raw)
			if err != nil {
				return err
			}
			next := backend.EncodeCounter(cur + op.Delta)
			if _, err := tx.ExecContext(ctx, putQuery, op.Key, next); err != nil {
				return fmt.Errorf("postgres counter write: %w", wrapUnavailable(err))
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres commit: %w", wrapUnavailable(err))
	}
	return nil
}

// DeleteRange removes every key in [from, to).
func (s *Store) DeleteRange(ctx context.Context, from, to []byte) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	table := pq.QuoteIdentifier(s.opts.table)
	var query string
	var args []any
	if to != nil {
		query = fmt.Sprintf(`DELETE FROM %s WHERE k >= $1 AND k < $2`, table)
		args = []any{from, to}
	} else {
		query = fmt.Sprintf(`DELETE FROM %s WHERE k >= $1`, table)
		args = []any{from}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres delete range: %w", wrapUnavailable(err))
	}
	return nil
}

// wrapUnavailable tags connectivity failures with backend.ErrUnavailable so
// the engine can distinguish them from data errors.
func wrapUnavailable(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	return err
}
