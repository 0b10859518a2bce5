// Package sqlite provides the SQLite implementation of the loader
// state store.
//
// # Calling Conventions
//
// The store is a pure data access layer with no internal transaction
// management. Methods execute against s.conn, which is either the
// underlying *sql.DB (autocommit mode) or a *sql.Tx. Operations that
// must be atomic across multiple calls go through RunInTransaction:
//
//	err := st.RunInTransaction(ctx, func(tx store.Store) error {
//	    if err := tx.SaveProgram(ctx, prog); err != nil {
//	        return err // rolls back
//	    }
//	    return tx.SaveMap(ctx, m) // commits if nil
//	})
//
// # Concurrency Model
//
// The database is opened in WAL mode so readers never block writers.
// The loader serialises writes at the application level, so DEFERRED
// transactions are sufficient; the transaction provides atomicity and
// rollback, not writer coordination.
//
// # Prepared Statements
//
// All SQL is compiled once at open time. RunInTransaction binds the
// compiled masters to the transaction with tx.StmtContext; the
// masters remain valid across transaction lifecycles.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frobware/go-bpfload/store"
)

//go:embed schema.sql
var schemaSQL string

// msec formats a duration as milliseconds with 3 decimal places.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

// dbConn abstracts *sql.DB and *sql.Tx for query execution.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db     *sql.DB // original connection, used for BeginTx
	conn   dbConn  // active connection (db or tx)
	logger *slog.Logger

	stmtSaveProgram      *sql.Stmt
	stmtGetProgram       *sql.Stmt
	stmtGetProgramByName *sql.Stmt
	stmtListPrograms     *sql.Stmt
	stmtDeleteProgram    *sql.Stmt
	stmtSaveMap          *sql.Stmt
	stmtListMaps         *sql.Stmt
}

// New creates a SQLite store at the given path, creating parent
// directories as needed.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return initialise(ctx, db, logger)
}

// NewInMemory creates an in-memory SQLite store for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return initialise(ctx, db, logger)
}

func initialise(ctx context.Context, db *sql.DB, logger *slog.Logger) (store.Store, error) {
	s := &sqliteStore{db: db, conn: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	logger.Info("opened database")
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst *(*sql.Stmt)
		sql string
	}{
		{&s.stmtSaveProgram, `
			INSERT INTO programs (kernel_id, name, program_type, object_path, section_name, pin_path, hook, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kernel_id) DO UPDATE SET
				name = excluded.name,
				program_type = excluded.program_type,
				object_path = excluded.object_path,
				section_name = excluded.section_name,
				pin_path = excluded.pin_path,
				hook = excluded.hook,
				updated_at = excluded.updated_at`},
		{&s.stmtGetProgram, `
			SELECT kernel_id, name, program_type, object_path, section_name, pin_path, hook, created_at, updated_at
			FROM programs WHERE kernel_id = ?`},
		{&s.stmtGetProgramByName, `
			SELECT kernel_id, name, program_type, object_path, section_name, pin_path, hook, created_at, updated_at
			FROM programs WHERE name = ? ORDER BY kernel_id LIMIT 1`},
		{&s.stmtListPrograms, `
			SELECT kernel_id, name, program_type, object_path, section_name, pin_path, hook, created_at, updated_at
			FROM programs`},
		{&s.stmtDeleteProgram, `DELETE FROM programs WHERE kernel_id = ?`},
		{&s.stmtSaveMap, `
			INSERT INTO maps (kernel_id, name, map_type, key_size, value_size, max_entries, pin_path, program_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(kernel_id) DO UPDATE SET
				name = excluded.name,
				map_type = excluded.map_type,
				key_size = excluded.key_size,
				value_size = excluded.value_size,
				max_entries = excluded.max_entries,
				pin_path = excluded.pin_path,
				program_id = excluded.program_id`},
		{&s.stmtListMaps, `
			SELECT kernel_id, name, map_type, key_size, value_size, max_entries, pin_path, program_id
			FROM maps WHERE program_id = ? ORDER BY name`},
	}
	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.sql)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		*st.dst = prepared
	}
	return nil
}

// Close closes all prepared statements and the database connection.
// Statement close errors are ignored because the database is about
// to be closed.
func (s *sqliteStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtSaveProgram,
		s.stmtGetProgram,
		s.stmtGetProgramByName,
		s.stmtListPrograms,
		s.stmtDeleteProgram,
		s.stmtSaveMap,
		s.stmtListMaps,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// RunInTransaction executes the callback within a transaction:
// commit on nil, rollback on error. The transaction-bound store
// shares the compiled master statements via tx.StmtContext; the
// masters survive the transaction.
func (s *sqliteStore) RunInTransaction(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &sqliteStore{
		db:                   s.db,
		conn:                 tx,
		logger:               s.logger,
		stmtSaveProgram:      tx.StmtContext(ctx, s.stmtSaveProgram),
		stmtGetProgram:       tx.StmtContext(ctx, s.stmtGetProgram),
		stmtGetProgramByName: tx.StmtContext(ctx, s.stmtGetProgramByName),
		stmtListPrograms:     tx.StmtContext(ctx, s.stmtListPrograms),
		stmtDeleteProgram:    tx.StmtContext(ctx, s.stmtDeleteProgram),
		stmtSaveMap:          tx.StmtContext(ctx, s.stmtSaveMap),
		stmtListMaps:         tx.StmtContext(ctx, s.stmtListMaps),
	}

	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit()
}
