// Package testutil starts throwaway infrastructure for tests
package testutil

import (
	"context"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nkiryanov/safepay/internal/db"
)

const postgresImage = "postgres:17-alpine"

// RandomPort returns a port that was free on 127.0.0.1 a moment ago
func RandomPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close() // nolint:errcheck

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// RequireDocker skips the test when no docker daemon answers
func RequireDocker(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		t.Skipf("docker not available: %s", out)
	}
}

// PostgresContainer is a migrated ledger database
type PostgresContainer struct {
	DSN       string
	Pool      *pgxpool.Pool
	Terminate func()
}

// StartPostgresContainer runs postgres with the ledger schema applied.
// Terminate must be called when the tests are done.
func StartPostgresContainer(t *testing.T) PostgresContainer {
	t.Helper()
	RequireDocker(t)

	container, err := postgres.Run(t.Context(),
		postgresImage,
		postgres.WithDatabase("ledger-test"),
		postgres.WithUsername("mockbank"),
		postgres.WithPassword("mockbank"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "postgres container did not start")

	dsn, err := container.ConnectionString(t.Context(), "sslmode=disable")
	require.NoError(t, err)

	pool, err := db.ConnectAndMigrate(t.Context(), dsn)
	require.NoError(t, err, "ledger schema could not be applied")

	return PostgresContainer{
		DSN:  dsn,
		Pool: pool,
		Terminate: func() {
			pool.Close()
			testcontainers.CleanupContainer(t, container)
		},
	}
}

type beginner interface {
	Begin(context.Context) (pgx.Tx, error)
}

// WithTx hands fn a transaction that is rolled back afterwards, so every test sees a clean ledger
func WithTx(conn beginner, t *testing.T, fn func(tx pgx.Tx)) {
	t.Helper()

	tx, err := conn.Begin(t.Context())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tx.Rollback(context.Background()))
	}()

	fn(tx)
}
