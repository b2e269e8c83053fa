// Package data is the SQL connector shared by every cache store. It opens
// SQLite or Postgres, applies the embedded migrations of the chosen dialect
// and rebinds "?" placeholders so stores can write their queries once.
package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavor differences between the supported drivers
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config names the driver and data source of a connector
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// Connector wraps *sql.DB with dialect-aware placeholder rebinding
type Connector struct {
	sqlDB   *sql.DB
	dialect Dialect
}

// Querier is satisfied by both the connector and a transaction
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the configured database and applies migrations
func Open(ctx context.Context, cfg Config) (*Connector, error) {
	dialect, err := parseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("storage dsn is required")
	}

	driverName := "pgx"
	if dialect == DialectSQLite {
		driverName = "sqlite"
		dsn, err = sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", dialect, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s db: %w", dialect, err)
	}

	conn := &Connector{sqlDB: sqlDB, dialect: dialect}
	if err := conn.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return conn, nil
}

// OpenSQLite opens a SQLite database file, creating its directory if needed
func OpenSQLite(ctx context.Context, path string) (*Connector, error) {
	return Open(ctx, Config{Driver: string(DialectSQLite), DSN: path})
}

func parseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func sqliteDSN(path string) (string, error) {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path, nil
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create storage dir: %w", err)
		}
	}
	return cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", nil
}

// Dialect reports the SQL flavor of the connector
func (c *Connector) Dialect() Dialect {
	return c.dialect
}

// DB exposes the underlying pool
func (c *Connector) DB() *sql.DB {
	return c.sqlDB
}

// Close releases the database connection
func (c *Connector) Close() error {
	if c == nil || c.sqlDB == nil {
		return nil
	}
	return c.sqlDB.Close()
}

// Ping checks connectivity
func (c *Connector) Ping(ctx context.Context) error {
	if c == nil || c.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return c.sqlDB.PingContext(ctx)
}

// Rebind converts "?" placeholders to the dialect's form
func (c *Connector) Rebind(query string) string {
	return rebind(c.dialect, query)
}

func (c *Connector) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.sqlDB.ExecContext(ctx, c.Rebind(query), args...)
}

func (c *Connector) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.sqlDB.QueryContext(ctx, c.Rebind(query), args...)
}

func (c *Connector) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.sqlDB.QueryRowContext(ctx, c.Rebind(query), args...)
}

// InTx runs fn inside a transaction, committing on success
func (c *Connector) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := c.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx, dialect: c.dialect}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Tx is a transaction with the connector's rebinding
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
			b.WriteRune(r)
		case r == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	_ Querier = (*Connector)(nil)
	_ Querier = (*Tx)(nil)
)
