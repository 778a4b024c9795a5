package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDriver(t *testing.T) {
	for in, want := range map[string]Driver{
		"":         DriverSQLite,
		"SQLite3":  DriverSQLite,
		"pgx":      DriverPostgres,
		"postgres": DriverPostgres,
	} {
		got, err := ParseDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDriver("mysql")
	assert.Error(t, err)
}

func TestOpenSQLiteAppliesSchemaIdempotently(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, DriverSQLite, "file:connect_test?mode=memory&cache=shared")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, Up(ctx, h, DriverSQLite))

	for _, table := range []string{"lti_platforms", "lti_pending_auth"} {
		var n int
		err := h.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = $1`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestSplitSQL(t *testing.T) {
	got := splitSQL("CREATE TABLE a (x INT);\n\nCREATE TABLE b (y INT);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT);", "CREATE TABLE b (y INT);"}, got)
	assert.Equal(t, "CREATE TABLE a (", firstLine("\nCREATE TABLE a (\n x INT)"))
}

func TestUpRejectsUnknownDriver(t *testing.T) {
	h, err := Open(context.Background(), DriverSQLite, "file:connect_test_unknown?mode=memory&cache=shared")
	require.NoError(t, err)
	defer h.Close()
	assert.Error(t, Up(context.Background(), h, Driver("oracle")))
}
