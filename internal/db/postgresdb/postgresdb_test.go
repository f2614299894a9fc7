package postgresdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/gram/internal/db/dbtest"
)

// TEST_DATABASE_DSN points at a disposable database; every table in its
// public schema is dropped before each scenario.
func TestPostgresDB(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN is not set")
	}

	dbtest.RunStorageSuite(t, func(t *testing.T) dbtest.Storage {
		db, err := New(context.Background(), dsn, 5*time.Second, WithDBPreReset(true))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		return db
	})
}

func TestIsUniqueViolation(t *testing.T) {
	require.False(t, isUniqueViolation(context.Canceled))
}
