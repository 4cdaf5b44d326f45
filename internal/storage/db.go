// Package storage persists posts, threads and media bookkeeping into the
// Asagi-compatible relational schema, on either sqlite or mysql.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ritual-archive/ritual/shared/config"
)

// Querier abstracts database operations. It is satisfied by both *sql.DB and
// *sql.Tx, so the same statement builders work inside and outside a
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect covers the few places where sqlite and mysql upsert syntax differ.
// Observable behavior must be identical: insert-if-new, overwrite the named
// columns on conflict.
type dialect interface {
	name() string
	upsertClause(conflictCols string, updateCols []string) string
	imageUpsertClause() string
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) upsertClause(conflictCols string, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s=excluded.%s", col, col)
	}
	return fmt.Sprintf("on conflict(%s) do update set %s", conflictCols, strings.Join(sets, ", "))
}

func (sqliteDialect) imageUpsertClause() string {
	return "on conflict(media_hash) do update set total = total + 1, media = coalesce(media, excluded.media)"
}

type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) upsertClause(_ string, updateCols []string) string {
	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		sets[i] = fmt.Sprintf("%s=values(%s)", col, col)
	}
	return "on duplicate key update " + strings.Join(sets, ", ")
}

func (mysqlDialect) imageUpsertClause() string {
	return "on duplicate key update total = total + 1, media = coalesce(media, values(media))"
}

// Storage owns the database handle. All board-level operations hang off it.
type Storage struct {
	db *sql.DB
	d  dialect
}

// Connect opens the configured backend and verifies connectivity.
func Connect(cfg *config.Storage) (*Storage, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch cfg.DbType {
	case "sqlite":
		db, err = sql.Open("sqlite3", cfg.Sqlite.Path)
		d = sqliteDialect{}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			cfg.Mysql.User, cfg.Mysql.Password,
			cfg.Mysql.Host, cfg.Mysql.Port, cfg.Mysql.Dbname)
		db, err = sql.Open("mysql", dsn)
		d = mysqlDialect{}
	default:
		return nil, fmt.Errorf("unknown db_type %q", cfg.DbType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time keeps the caches free of locking and sqlite happy.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Storage{db: db, d: d}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB, dbType string) *Storage {
	if dbType == "mysql" {
		return &Storage{db: db, d: mysqlDialect{}}
	}
	return &Storage{db: db, d: sqliteDialect{}}
}

func (s *Storage) Close() error { return s.db.Close() }

// WithTx executes fn within a transaction; rollback on error, commit
// otherwise. The deferred Rollback is a no-op after a commit.
func (s *Storage) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var boardNameRe = regexp.MustCompile(`^[a-z0-9]{1,16}$`)

// ValidBoardName guards the dynamic table names built from config.
func ValidBoardName(board string) bool { return boardNameRe.MatchString(board) }

// tableName quotes a board-derived table name for use in SQL. Board names are
// validated at install time, so this never sees hostile input.
func tableName(board, suffix string) string {
	if suffix == "" {
		return "`" + board + "`"
	}
	return "`" + board + "_" + suffix + "`"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
