// Package sqlitedb stores users and posts in a single SQLite file using the
// pure-Go modernc driver.
package sqlitedb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/patric-chuzhbe/gram/internal/db/sqlstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteDB is a file-backed storage of users and posts.
type SQLiteDB struct {
	*sqlstore.Store
}

// New opens (creating if needed) the database file at path and migrates it.
func New(ctx context.Context, path string, connectionTimeout time.Duration) (*SQLiteDB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// One writer at a time; SQLite serializes writes anyway.
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	database.SetConnMaxLifetime(0)

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	store, err := sqlstore.New(ctx, database, sqlstore.Dialect{
		Goose:                goose.DialectSQLite3,
		Migrations:           migrations,
		NumberedPlaceholders: false,
		TimeAsText:           true,
		IsUniqueViolation:    isUniqueViolation,
	}, connectionTimeout)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("in internal/db/sqlitedb/sqlitedb.go/New(): error while `sqlstore.New()` calling: %w", err)
	}

	return &SQLiteDB{Store: store}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
