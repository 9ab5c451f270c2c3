package database

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/pgwarden/internal/wal"
)

var statusColumns = []string{
	"in_recovery", "read_only", "current_lsn", "received_lsn",
	"replayed_lsn", "last_replay", "streaming", "server_time",
}

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewFromDB(db, DriverPQ), mock
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{
		Host:     "10.0.0.5",
		Port:     5433,
		User:     "pgwarden",
		Password: "it's secret",
	}

	dsn := cfg.DSN()
	assert.Contains(t, dsn, "host=10.0.0.5")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=postgres")
	assert.Contains(t, dsn, "sslmode=disable")
	assert.Contains(t, dsn, "connect_timeout=3")
	assert.Contains(t, dsn, `password='it\'s secret'`)
}

func TestConfig_ForNode(t *testing.T) {
	base := Config{User: "u", Port: 5432}
	node := base.ForNode("db2", 6432)

	assert.Equal(t, "db2", node.Host)
	assert.Equal(t, 6432, node.Port)
	assert.Equal(t, "", base.Host, "base config must not change")
}

func TestPostgres_StatusPrimary(t *testing.T) {
	pg, mock := newMock(t)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT\s+pg_is_in_recovery\(\)`).WillReturnRows(
		sqlmock.NewRows(statusColumns).
			AddRow(false, false, "0/3000060", nil, nil, nil, false, now))

	status, err := pg.Status(context.Background())
	require.NoError(t, err)

	assert.False(t, status.InRecovery)
	assert.True(t, status.AcceptingWrites())
	assert.Equal(t, wal.LSN(0x3000060), status.CurrentLSN)
	assert.False(t, status.ReplayedLSN.IsValid())
	assert.True(t, status.LastReplay.IsZero())
	assert.Equal(t, now, status.ServerTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StatusStandby(t *testing.T) {
	pg, mock := newMock(t)
	now := time.Now().UTC()
	replay := now.Add(-2 * time.Second)

	mock.ExpectQuery(`SELECT\s+pg_is_in_recovery\(\)`).WillReturnRows(
		sqlmock.NewRows(statusColumns).
			AddRow(true, true, nil, "0/3000060", "0/3000000", replay, true, now))

	status, err := pg.Status(context.Background())
	require.NoError(t, err)

	assert.True(t, status.InRecovery)
	assert.False(t, status.AcceptingWrites())
	assert.True(t, status.Streaming)
	assert.Equal(t, wal.LSN(0x3000060), status.ReceivedLSN)
	assert.Equal(t, wal.LSN(0x3000000), status.ReplayedLSN)
	assert.Equal(t, replay, status.LastReplay)
}

func TestPostgres_StatusBadLSN(t *testing.T) {
	pg, mock := newMock(t)

	mock.ExpectQuery(`SELECT\s+pg_is_in_recovery\(\)`).WillReturnRows(
		sqlmock.NewRows(statusColumns).
			AddRow(false, false, "nonsense", nil, nil, nil, false, time.Now()))

	_, err := pg.Status(context.Background())
	assert.Error(t, err)
}

func TestPostgres_AdminCommands(t *testing.T) {
	pg, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT pg_promote`).WithArgs(true, 30).
		WillReturnRows(sqlmock.NewRows([]string{"pg_promote"}).AddRow(true))
	mock.ExpectExec(`CHECKPOINT`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`ALTER SYSTEM SET default_transaction_read_only = on`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_reload_conf\(\)`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`pg_terminate_backend`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	done, err := pg.Promote(ctx, true, 30)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, pg.Checkpoint(ctx))
	require.NoError(t, pg.SetReadOnly(ctx, true))

	n, err := pg.TerminateClientSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_ReusesNodeConnections(t *testing.T) {
	pool := NewPool(Config{User: "pgwarden"})
	opened := 0
	pool.open = func(cfg Config) (*Postgres, error) {
		opened++
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		mock.ExpectClose()
		return NewFromDB(db, DriverPQ), nil
	}

	a, err := pool.Node("db1", 5432)
	require.NoError(t, err)
	b, err := pool.Node("db1", 5432)
	require.NoError(t, err)
	_, err = pool.Node("db2", 5432)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, opened)
	assert.NoError(t, pool.Close())
}

func TestPostgres_Connect(t *testing.T) {
	host := os.Getenv("PGWARDEN_TEST_DB_HOST")
	if testing.Short() || host == "" {
		t.Skip("Skipping database tests: PGWARDEN_TEST_DB_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("PGWARDEN_TEST_DB_PORT"))
	if port == 0 {
		port = 5432
	}

	pg, err := NewPostgres(Config{
		Host:     host,
		Port:     port,
		User:     os.Getenv("PGWARDEN_TEST_DB_USER"),
		Password: os.Getenv("PGWARDEN_TEST_DB_PASSWORD"),
	})
	require.NoError(t, err)
	defer func() { _ = pg.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pg.Ping(ctx))
	_, err = pg.Status(ctx)
	assert.NoError(t, err)
}
