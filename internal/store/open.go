package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/chatstack/chatstack-auth/internal/store/migrations"
)

// Open returns the Store for driver ("memory", "sqlite" or "postgres") and
// applies pending migrations for the SQL backends.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	var (
		sqlDriver   string
		dialect     string
		gooseDriver string
	)
	switch driver {
	case "memory":
		return NewMemory(opts...), nil
	case DialectSQLite:
		sqlDriver, dialect, gooseDriver = "sqlite", DialectSQLite, "sqlite3"
	case DialectPostgres:
		sqlDriver, dialect, gooseDriver = "pgx", DialectPostgres, "postgres"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if dialect == DialectSQLite {
		// A single connection serializes writers and keeps in-memory databases
		// from splitting across pool connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := RunMigrations(ctx, db, gooseDriver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return NewSQL(db, dialect, opts...), nil
}

// RunMigrations applies the embedded goose migrations using gooseDialect.
func RunMigrations(ctx context.Context, db *sql.DB, gooseDialect string) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
