package ha

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/pgwarden/internal/database"
	"github.com/FairForge/pgwarden/internal/wal"
)

type stubSource struct {
	status *database.NodeStatus
	err    error
	block  bool
}

func (s stubSource) Status(ctx context.Context) (*database.NodeStatus, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.status, s.err
}

func proberFor(src StatusSource, connectErr error) *SQLProber {
	return newSQLProber(func(Node) (StatusSource, error) {
		if connectErr != nil {
			return nil, connectErr
		}
		return src, nil
	}, 50*time.Millisecond, nil)
}

func TestSQLProber_Standby(t *testing.T) {
	replay := time.Now().Add(-time.Second)
	p := proberFor(stubSource{status: &database.NodeStatus{
		InRecovery:  true,
		ReadOnly:    true,
		ReceivedLSN: 0x3000100,
		ReplayedLSN: 0x3000060,
		LastReplay:  replay,
		Streaming:   true,
		ServerTime:  time.Now(),
	}}, nil)

	r := p.Probe(context.Background(), db2)
	require.True(t, r.Reachable)
	assert.NoError(t, r.Err)
	assert.True(t, r.InRecovery)
	assert.False(t, r.AcceptingWrites)
	assert.True(t, r.Streaming)
	assert.Equal(t, wal.LSN(0x3000060), r.AppliedPosition)
	assert.Equal(t, RoleStandby, r.ObservedRole())
	assert.Equal(t, "db2", r.Node)

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"applied_position":"0/3000060"`)
	assert.NotContains(t, string(raw), `"current_position"`)
}

func TestSQLProber_ReadOnlyPrimaryDoesNotAcceptWrites(t *testing.T) {
	p := proberFor(stubSource{status: &database.NodeStatus{ReadOnly: true, CurrentLSN: 0x10}}, nil)
	r := p.Probe(context.Background(), db1)
	assert.True(t, r.IsPrimary())
	assert.False(t, r.AcceptingWrites)
}

func TestSQLProber_FailuresAreResults(t *testing.T) {
	t.Run("connect error", func(t *testing.T) {
		r := proberFor(nil, errors.New("no route to host")).Probe(context.Background(), db1)
		assert.False(t, r.Reachable)
		assert.Contains(t, r.ErrorText(), "no route to host")
		assert.Equal(t, RoleUnknown, r.ObservedRole())
	})

	t.Run("query error", func(t *testing.T) {
		r := proberFor(stubSource{err: errors.New("FATAL: the database system is starting up")}, nil).
			Probe(context.Background(), db1)
		assert.False(t, r.Reachable)
		assert.Contains(t, r.ErrorText(), "starting up")
	})

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		r := proberFor(stubSource{block: true}, nil).Probe(context.Background(), db1)
		assert.False(t, r.Reachable)
		assert.ErrorIs(t, r.Err, ErrProbeTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})
}
