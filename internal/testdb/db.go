package testdb

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/captionq/internal/platform/postgres"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 10 * time.Second

// urlEnvVars are checked in order by GetTestDatabaseURL.
var urlEnvVars = []string{"CAPTIONQ_TEST_DB_URL", "DATABASE_URL"}

// GetTestDatabaseURL returns the first non-empty test database URL from
// the environment, or "" when none is set.
func GetTestDatabaseURL() string {
	for _, name := range urlEnvVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// IsIntegrationTestEnvironment reports whether a test database is configured.
func IsIntegrationTestEnvironment() bool {
	return GetTestDatabaseURL() != ""
}

// SetupTestDatabase opens the test database and applies all migrations.
// The test is skipped when no database is configured. The connection is
// closed when the test finishes.
func SetupTestDatabase(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := GetTestDatabaseURL()
	if dbURL == "" {
		t.Skip("no test database configured, set CAPTIONQ_TEST_DB_URL or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, dbURL, postgres.PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2})
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database: %v", err)
		}
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, postgres.Migrate(ctx, db, log, "up"), "failed to migrate test database")
	return db
}

// WithTx executes fn within a transaction that is always rolled back, so
// tests leave no rows behind.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err, "failed to begin transaction")

	defer func() {
		err := tx.Rollback()
		// sql.ErrTxDone is expected if fn already ended the transaction.
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("warning: failed to rollback transaction: %v", err)
		}
	}()

	fn(t, tx)
}
