// Package postgresdb provides a PostgreSQL-based implementation of the storage
// interface for persisting users and posts.
package postgresdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/patric-chuzhbe/gram/internal/db/sqlstore"
)

const uniqueViolationCode = "23505"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresDB is a PostgreSQL-backed storage of users and posts.
type PostgresDB struct {
	*sqlstore.Store
}

type initOptions struct {
	DBPreReset bool
}

// InitOption defines a functional option for configuring database initialization.
type InitOption func(*initOptions)

// WithDBPreReset drops every table in the public schema before migrating.
// It is meant for test setups.
func WithDBPreReset(value bool) InitOption {
	return func(options *initOptions) {
		options.DBPreReset = value
	}
}

// New establishes a connection to the PostgreSQL database,
// runs schema migrations, and returns a configured PostgresDB instance.
func New(
	ctx context.Context,
	databaseDSN string,
	connectionTimeout time.Duration,
	optionsProto ...InitOption,
) (*PostgresDB, error) {
	options := &initOptions{
		DBPreReset: false,
	}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	database, err := sql.Open("pgx", databaseDSN)
	if err != nil {
		return nil, err
	}

	if options.DBPreReset {
		if err := resetDB(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	store, err := sqlstore.New(ctx, database, sqlstore.Dialect{
		Goose:                goose.DialectPostgres,
		Migrations:           migrations,
		NumberedPlaceholders: true,
		TimeAsText:           false,
		IsUniqueViolation:    isUniqueViolation,
	}, connectionTimeout)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/New(): error while `sqlstore.New()` calling: %w", err)
	}

	return &PostgresDB{Store: store}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func resetDB(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(
		ctx,
		`
			DO $$
			DECLARE
				r RECORD;
			BEGIN
				FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
					EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
				END LOOP;
			END $$;
		`,
	)
	if err != nil {
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/resetDB(): error while `database.ExecContext()` calling: %w",
			err,
		)
	}
	return nil
}
