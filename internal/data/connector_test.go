package data

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRebindPostgres(t *testing.T) {
	got := rebind(DialectPostgres, "SELECT * FROM t WHERE a = ? AND b = '?' AND c = ?")
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c = $2", got)
}

func TestRebindSQLiteUnchanged(t *testing.T) {
	query := "SELECT * FROM t WHERE a = ?"
	assert.Equal(t, query, rebind(DialectSQLite, query))
}

func TestParseDialect(t *testing.T) {
	tests := map[string]Dialect{
		"":         DialectSQLite,
		"sqlite":   DialectSQLite,
		"postgres": DialectPostgres,
		"PGX":      DialectPostgres,
	}
	for input, want := range tests {
		got, err := parseDialect(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := parseDialect("mysql")
	assert.Error(t, err)
}

func TestOpenSQLiteAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	conn, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var applied int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 1, applied)

	for _, table := range []string{"api_cache", "contract_cache", "cache_warming_queue", "api_usage_tracking", "contract_cache_analytics", "control_flags"} {
		var count int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count), table)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "sqlite"})
	require.Error(t, err)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	conn := openTestSQLite(t)

	err := conn.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO control_flags (name, expires_at, updated_at) VALUES (?, ?, ?)", "paused", 1, 1)
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	var count int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM control_flags").Scan(&count))
	assert.Zero(t, count)
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 15, 123_000_000, time.FixedZone("x", 3600))
	got := FromMillis(Millis(now))
	assert.True(t, now.Equal(got))
	assert.Equal(t, time.UTC, got.Location())

	assert.Nil(t, TimePtr(NullMillis(nil)))
	assert.True(t, now.Equal(*TimePtr(NullMillis(&now))))
}

func TestOpenPostgresAppliesMigrations(t *testing.T) {
	if os.Getenv("EXPLORERCACHE_POSTGRES_TESTS") != "1" {
		t.Skip("set EXPLORERCACHE_POSTGRES_TESTS=1 to run postgres tests")
	}
	ctx := context.Background()
	dsn := startPostgres(t)

	conn, err := Open(ctx, Config{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.Equal(t, DialectPostgres, conn.Dialect())

	_, err = conn.ExecContext(ctx, "INSERT INTO control_flags (name, expires_at, updated_at) VALUES (?, ?, ?)", "paused", 10, 10)
	require.NoError(t, err)
	var expires int64
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT expires_at FROM control_flags WHERE name = ?", "paused").Scan(&expires))
	assert.Equal(t, int64(10), expires)
}

func openTestSQLite(t *testing.T) *Connector {
	t.Helper()
	conn, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "cache",
			"POSTGRES_PASSWORD": "cache",
			"POSTGRES_DB":       "cache",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return "postgres://cache:cache@" + host + ":" + port.Port() + "/cache?sslmode=disable"
}
