package migrations_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockroom/migrations"
)

func TestNamesAreOrdered(t *testing.T) {
	names, err := migrations.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"0001_stock.sql", "0002_marketplace.sql", "0003_platform.sql"}, names)
	for _, name := range names {
		require.True(t, strings.HasSuffix(name, ".sql"))
	}
}

func TestApplyRecordsMigrations(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Apply(ctx, pool))
	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	require.GreaterOrEqual(t, count, 3)

	require.NoError(t, migrations.Apply(ctx, pool))
	var again int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&again))
	require.Equal(t, count, again)
}
