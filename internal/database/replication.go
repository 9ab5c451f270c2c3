package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FairForge/pgwarden/internal/wal"
)

// NodeStatus is the replication state reported by one node.
type NodeStatus struct {
	InRecovery bool
	ReadOnly   bool
	// CurrentLSN is the write position; only set on a node out of recovery.
	CurrentLSN  wal.LSN
	ReceivedLSN wal.LSN
	ReplayedLSN wal.LSN
	LastReplay  time.Time
	Streaming   bool
	ServerTime  time.Time
}

// AcceptingWrites reports whether ordinary sessions can write to the node.
func (s *NodeStatus) AcceptingWrites() bool {
	return !s.InRecovery && !s.ReadOnly
}

const statusQuery = `
SELECT
	pg_is_in_recovery() AS in_recovery,
	current_setting('default_transaction_read_only') = 'on' AS read_only,
	CASE WHEN pg_is_in_recovery() THEN NULL ELSE pg_current_wal_lsn()::text END AS current_lsn,
	pg_last_wal_receive_lsn()::text AS received_lsn,
	pg_last_wal_replay_lsn()::text AS replayed_lsn,
	pg_last_xact_replay_timestamp() AS last_replay,
	EXISTS (SELECT 1 FROM pg_stat_wal_receiver WHERE status = 'streaming') AS streaming,
	now() AS server_time`

type statusRow struct {
	InRecovery  bool           `db:"in_recovery"`
	ReadOnly    bool           `db:"read_only"`
	CurrentLSN  sql.NullString `db:"current_lsn"`
	ReceivedLSN sql.NullString `db:"received_lsn"`
	ReplayedLSN sql.NullString `db:"replayed_lsn"`
	LastReplay  sql.NullTime   `db:"last_replay"`
	Streaming   bool           `db:"streaming"`
	ServerTime  time.Time      `db:"server_time"`
}

// Status reads the node's recovery and WAL positions in a single round trip.
func (p *Postgres) Status(ctx context.Context) (*NodeStatus, error) {
	var row statusRow
	if err := p.db.GetContext(ctx, &row, statusQuery); err != nil {
		return nil, fmt.Errorf("query replication status: %w", err)
	}

	status := &NodeStatus{
		InRecovery: row.InRecovery,
		ReadOnly:   row.ReadOnly,
		Streaming:  row.Streaming,
		ServerTime: row.ServerTime,
	}
	if row.LastReplay.Valid {
		status.LastReplay = row.LastReplay.Time
	}

	var err error
	if status.CurrentLSN, err = parseNullLSN(row.CurrentLSN); err != nil {
		return nil, err
	}
	if status.ReceivedLSN, err = parseNullLSN(row.ReceivedLSN); err != nil {
		return nil, err
	}
	if status.ReplayedLSN, err = parseNullLSN(row.ReplayedLSN); err != nil {
		return nil, err
	}
	return status, nil
}

func parseNullLSN(v sql.NullString) (wal.LSN, error) {
	if !v.Valid || v.String == "" {
		return wal.Invalid, nil
	}
	return wal.Parse(v.String)
}

// Promote asks a standby to leave recovery. With wait set the server blocks
// for up to waitSeconds and reports whether promotion finished.
func (p *Postgres) Promote(ctx context.Context, wait bool, waitSeconds int) (bool, error) {
	var done bool
	if err := p.db.QueryRowContext(ctx, `SELECT pg_promote($1, $2)`, wait, waitSeconds).Scan(&done); err != nil {
		return false, fmt.Errorf("pg_promote: %w", err)
	}
	return done, nil
}

// Checkpoint forces a checkpoint so everything written so far is flushed to WAL.
func (p *Postgres) Checkpoint(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CHECKPOINT`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// SetReadOnly flips default_transaction_read_only cluster-wide and reloads
// the configuration.
func (p *Postgres) SetReadOnly(ctx context.Context, on bool) error {
	value := "off"
	if on {
		value = "on"
	}
	// ALTER SYSTEM does not accept bind parameters.
	if _, err := p.db.ExecContext(ctx, `ALTER SYSTEM SET default_transaction_read_only = `+value); err != nil {
		return fmt.Errorf("set read only %s: %w", value, err)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_reload_conf()`); err != nil {
		return fmt.Errorf("reload conf: %w", err)
	}
	return nil
}

// TerminateClientSessions disconnects every client backend except our own.
// WAL senders are left alone so the standby keeps streaming.
func (p *Postgres) TerminateClientSessions(ctx context.Context) (int, error) {
	const q = `
SELECT count(pg_terminate_backend(pid))
FROM pg_stat_activity
WHERE backend_type = 'client backend' AND pid <> pg_backend_pid()`

	var n int
	if err := p.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("terminate sessions: %w", err)
	}
	return n, nil
}
