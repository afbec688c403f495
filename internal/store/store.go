// Package store owns the SQLite database shared by the ledger, the compliance
// engine and the in-process collaborators, and defines the transaction
// boundary every mutating call runs inside.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// #region querier
// Querier is the subset of *sql.DB / *sql.Tx the domain packages query through.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// #endregion querier

// #region store-struct
// Store manages the escrow state in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations. Use ":memory:" for an
// ephemeral database.
func NewStore(dbPath string) (*Store, error) {
	dsn := strings.TrimSpace(dbPath)
	if dsn == "" {
		return nil, fmt.Errorf("db path is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: calls are serialized and ":memory:" stays a single database.
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if err := ApplyMigrations(db, migrationFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. events).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region transactions
type txKey struct{}

type txScope struct {
	owner *Store
	tx    *sql.Tx
}

// Update runs fn inside a write transaction. Every write fn performs, and
// every write made by collaborators that query through the ctx passed to fn,
// is committed only when fn returns nil; any error rolls all of it back.
//
// A call that arrives with a transaction of this store already in ctx joins
// it instead of opening a second one; the outermost Update commits.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	if scope, ok := ctx.Value(txKey{}).(*txScope); ok && scope.owner == s {
		return fn(ctx, scope.tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	txCtx := context.WithValue(ctx, txKey{}, &txScope{owner: s, tx: tx})
	if err := fn(txCtx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs fn against a consistent read view. Reads inside an enclosing
// Update observe that transaction's uncommitted writes.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	if scope, ok := ctx.Value(txKey{}).(*txScope); ok && scope.owner == s {
		return fn(ctx, scope.tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	txCtx := context.WithValue(ctx, txKey{}, &txScope{owner: s, tx: tx})
	return fn(txCtx, tx)
}

// InTx reports whether ctx carries an open transaction of this store.
func (s *Store) InTx(ctx context.Context) bool {
	scope, ok := ctx.Value(txKey{}).(*txScope)
	return ok && scope.owner == s
}

// #endregion transactions
