package migrate_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/infrastructure/migrate"
)

const latestVersion = 3

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestRunner(t *testing.T) {
	dsn := startPostgres(t)
	runner := migrate.NewRunner(&migrate.Config{
		DatabaseURL:    dsn,
		MigrationsPath: "../../../migrations",
	}, zap.NewNop())

	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)

	version, err = runner.Up(1)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	version, err = runner.Up(0)
	require.NoError(t, err)
	assert.Equal(t, uint(latestVersion), version)

	// nothing pending is not an error
	version, err = runner.Up(0)
	require.NoError(t, err)
	assert.Equal(t, uint(latestVersion), version)

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	var tables []string
	require.NoError(t, db.Select(&tables,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name <> 'schema_migrations' ORDER BY table_name`))
	assert.Equal(t, []string{"conversations", "listing_drafts", "sellers"}, tables)

	version, err = runner.Down(1)
	require.NoError(t, err)
	assert.Equal(t, uint(latestVersion-1), version)

	version, err = runner.Down(0)
	require.NoError(t, err)
	assert.Equal(t, uint(latestVersion-2), version)
}

func TestRunner_InvalidPath(t *testing.T) {
	dsn := startPostgres(t)
	runner := migrate.NewRunner(&migrate.Config{
		DatabaseURL:    dsn,
		MigrationsPath: "./does-not-exist",
	}, zap.NewNop())

	_, err := runner.Up(0)
	assert.Error(t, err)
}
