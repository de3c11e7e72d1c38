// Package tribtesting provides shared helpers for integration tests: a quiet
// logger and a PostgreSQL testcontainer with per-test databases.
package tribtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/tributelabs/tributary/pkg/pg"
)

// DB is a shared PostgreSQL test container. Tests carve isolated databases
// out of it with NewTestPool so they can run in parallel.
type DB struct {
	log       *slog.Logger
	connStr   string
	container *tcpostgres.PostgresContainer
}

// NewDB starts a PostgreSQL testcontainer.
func NewDB(ctx context.Context, log *slog.Logger) (*DB, error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
		tcpostgres.WithSQLDriver("pgx"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}

	return &DB{
		log:       log,
		connStr:   connStr,
		container: container,
	}, nil
}

// Close terminates the PostgreSQL container.
func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewTestPool creates a fresh migrated database in the shared container and
// returns a pool connected to it.
func NewTestPool(t *testing.T, db *DB) *pgxpool.Pool {
	t.Helper()
	ctx := t.Context()

	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	adminPool, err := pgxpool.New(ctx, db.connStr)
	require.NoError(t, err, "failed to connect to admin database")
	_, err = adminPool.Exec(ctx, "CREATE DATABASE "+name)
	adminPool.Close()
	require.NoError(t, err, "failed to create test database")

	connStr := strings.Replace(db.connStr, "/test?", "/"+name+"?", 1)
	require.NotEqual(t, db.connStr, connStr, "failed to derive test database conn string")

	err = pg.Migrate(db.log, connStr)
	require.NoError(t, err, "failed to run migrations")

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err, "failed to create pool")

	t.Cleanup(func() {
		pool.Close()
	})

	return pool
}
