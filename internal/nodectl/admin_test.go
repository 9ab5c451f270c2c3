package nodectl

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/pgwarden/internal/database"
	"github.com/FairForge/pgwarden/internal/ha"
)

var (
	db1 = ha.Node{Name: "db1", Host: "10.0.0.1", Port: 5432}
	db2 = ha.Node{Name: "db2", Host: "10.0.0.2", Port: 5433}
)

type mockConnector struct {
	pg *database.Postgres
}

func (m mockConnector) Node(string, int) (*database.Postgres, error) { return m.pg, nil }

type recorded struct {
	shell, script string
	env           []string
}

func newAdmin(t *testing.T, cfg Config) (*Admin, sqlmock.Sqlmock, *[]recorded) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if cfg.Nodes == nil {
		cfg.Nodes = map[string]NodeSettings{
			"db1": {DataDir: "/var/lib/postgresql/16/main"},
			"db2": {DataDir: "/srv/pg/data"},
		}
	}
	a, err := New(mockConnector{pg: database.NewFromDB(db, database.DriverPQ)}, cfg, nil)
	require.NoError(t, err)

	var runs []recorded
	a.run = func(_ context.Context, shell, script string, env []string) ([]byte, error) {
		runs = append(runs, recorded{shell: shell, script: script, env: env})
		return []byte("ok\n"), nil
	}
	return a, mock, &runs
}

func TestAdmin_SQLActions(t *testing.T) {
	a, mock, _ := newAdmin(t, Config{PromoteWait: 30e9})
	ctx := context.Background()

	mock.ExpectQuery(`SELECT pg_promote`).WithArgs(true, 30).
		WillReturnRows(sqlmock.NewRows([]string{"pg_promote"}).AddRow(true))
	mock.ExpectExec(`CHECKPOINT`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`default_transaction_read_only = on`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`pg_reload_conf`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`pg_terminate_backend`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec(`default_transaction_read_only = off`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`pg_reload_conf`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, a.Promote(ctx, db2))
	require.NoError(t, a.Checkpoint(ctx, db1))
	require.NoError(t, a.Quiesce(ctx, db1))
	require.NoError(t, a.Resume(ctx, db1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdmin_PromoteNotFinished(t *testing.T) {
	a, mock, _ := newAdmin(t, Config{})
	mock.ExpectQuery(`SELECT pg_promote`).WithArgs(true, 60).
		WillReturnRows(sqlmock.NewRows([]string{"pg_promote"}).AddRow(false))

	err := a.Promote(context.Background(), db2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not finish promotion")
}

func TestAdmin_HostCommandsUseDefaults(t *testing.T) {
	a, _, runs := newAdmin(t, Config{ReplicationUser: "repl", ReplicationPassword: "s3cret"})
	ctx := context.Background()

	require.NoError(t, a.Stop(ctx, db1))
	require.NoError(t, a.Wipe(ctx, db1))
	require.NoError(t, a.Seed(ctx, db1, db2))
	require.NoError(t, a.StartStandby(ctx, db1))

	require.Len(t, *runs, 4)
	r := *runs
	assert.Equal(t, "/bin/sh", r[0].shell)
	assert.Contains(t, r[0].script, `pg_ctl -D '/var/lib/postgresql/16/main' stop -m fast -w`)
	assert.Equal(t, `find '/var/lib/postgresql/16/main' -mindepth 1 -delete`, r[1].script)
	assert.Contains(t, r[2].script, `pg_basebackup -h '10.0.0.2' -p 5433 -U 'repl'`)
	assert.Contains(t, r[2].script, `-X stream -R`)
	assert.Contains(t, r[3].script, `start -w`)

	assert.Contains(t, r[2].env, "PGPASSWORD=s3cret")
	assert.Contains(t, r[2].env, "PGWARDEN_NODE=db1")
}

func TestAdmin_PerNodeOverride(t *testing.T) {
	a, _, runs := newAdmin(t, Config{
		Commands: Commands{Stop: "systemctl stop postgresql@{{.Node}}"},
		Nodes: map[string]NodeSettings{
			"db1": {DataDir: "/srv/pg/db1", Commands: Commands{Stop: "ssh {{.Host}} sudo systemctl stop postgresql"}},
			"db2": {DataDir: "/srv/pg/db2"},
		},
	})

	require.NoError(t, a.Stop(context.Background(), db1))
	require.NoError(t, a.Stop(context.Background(), db2))
	assert.Equal(t, "ssh 10.0.0.1 sudo systemctl stop postgresql", (*runs)[0].script)
	assert.Equal(t, "systemctl stop postgresql@db2", (*runs)[1].script)
}

func TestAdmin_WipeRefusesDangerousPaths(t *testing.T) {
	for _, dir := range []string{"", "/", "relative/data", "/var", "/var/.."} {
		t.Run(dir, func(t *testing.T) {
			a, _, runs := newAdmin(t, Config{Nodes: map[string]NodeSettings{"db1": {DataDir: dir}}})
			err := a.Wipe(context.Background(), db1)
			require.Error(t, err)
			assert.Empty(t, *runs)
		})
	}
}

func TestAdmin_UnknownNode(t *testing.T) {
	a, _, _ := newAdmin(t, Config{})
	err := a.Stop(context.Background(), ha.Node{Name: "db9", Host: "x", Port: 1})
	assert.Error(t, err)
}

func TestAdmin_CommandFailure(t *testing.T) {
	a, _, _ := newAdmin(t, Config{})
	a.run = func(ctx context.Context, shell, script string, env []string) ([]byte, error) {
		return runShell(ctx, shell, "echo starting; echo 'pg_basebackup: error: could not connect' >&2; exit 1", env)
	}

	err := a.Seed(context.Background(), db1, db2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Contains(t, err.Error(), "could not connect")
}

func TestNew_RejectsBadTemplate(t *testing.T) {
	_, err := New(mockConnector{}, Config{
		Nodes: map[string]NodeSettings{"db1": {DataDir: "/srv/pg/db1", Commands: Commands{Start: "pg_ctl {{.Nope"}}},
	}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "start"))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'/data/it'\''s'`, quote("/data/it's"))
	out, err := exec.Command("/bin/sh", "-c", "printf %s "+quote("a b'c")).Output()
	if errors.Is(err, exec.ErrNotFound) {
		t.Skip("no /bin/sh")
	}
	require.NoError(t, err)
	assert.Equal(t, "a b'c", string(out))
}
