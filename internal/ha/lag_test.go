package ha

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/pgwarden/internal/wal"
)

func TestComputeLag(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		primary      wal.LSN
		applied      wal.LSN
		lastApply    time.Time
		wantBytes    uint64
		bytesKnown   bool
		wantSeconds  float64
		secondsKnown bool
		wantErr      bool
	}{
		{
			name: "caught up idle primary", primary: 0x3000060, applied: 0x3000060,
			lastApply: now.Add(-10 * time.Minute), bytesKnown: true, secondsKnown: true,
		},
		{
			name: "behind", primary: 0x3100000, applied: 0x3000000, lastApply: now.Add(-4 * time.Second),
			wantBytes: 0x100000, bytesKnown: true, wantSeconds: 4, secondsKnown: true,
		},
		{
			name: "primary unknown", applied: 0x3000000, lastApply: now.Add(-2 * time.Second),
			wantSeconds: 2, secondsKnown: true,
		},
		{
			name: "nothing known",
		},
		{
			name: "standby ahead is an error", primary: 0x3000000, applied: 0x3000010, wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ComputeLag(tt.primary, tt.applied, tt.applied, tt.lastApply, now)
			if tt.wantErr {
				require.Error(t, s.Err)
				assert.True(t, errors.Is(s.Err, ErrLagRegression))
				assert.False(t, s.BytesKnown)
				assert.Zero(t, s.BytesBehind)
				return
			}
			require.NoError(t, s.Err)
			assert.Equal(t, tt.wantBytes, s.BytesBehind)
			assert.Equal(t, tt.bytesKnown, s.BytesKnown)
			assert.InDelta(t, tt.wantSeconds, s.SecondsBehind, 0.001)
			assert.Equal(t, tt.secondsKnown, s.SecondsKnown)
		})
	}
}

func TestLagSample_Exceeds(t *testing.T) {
	safety := LagSafety{MaxBytes: 16 << 20, MaxDelay: 30 * time.Second}

	assert.False(t, LagSample{BytesBehind: 1 << 20, BytesKnown: true}.Exceeds(safety))
	assert.True(t, LagSample{BytesBehind: 500 << 20, BytesKnown: true}.Exceeds(safety))
	assert.True(t, LagSample{SecondsBehind: 31, SecondsKnown: true}.Exceeds(safety))
	assert.False(t, LagSample{BytesBehind: 500 << 20}.Exceeds(safety), "unknown bytes are not compared")

	assert.Contains(t, LagSample{}.Unsafe(safety), "unknown")
	assert.Empty(t, LagSample{BytesKnown: true, SecondsKnown: true}.Unsafe(safety))
}

func probeStandby(applied wal.LSN) ProbeResult {
	now := time.Now()
	return ProbeResult{
		Node: "db2", Reachable: true, InRecovery: true, Streaming: true,
		ReceivedPosition: applied, AppliedPosition: applied,
		LastApplyTime: now, ProbedAt: now, ServerTime: now,
	}
}

func probePrimary(current wal.LSN) ProbeResult {
	return ProbeResult{Node: "db1", Reachable: true, AcceptingWrites: true, CurrentPosition: current, ProbedAt: time.Now()}
}

func TestLagTracker_DetectsRegression(t *testing.T) {
	tr := NewLagTracker(5)

	s := tr.Observe(probePrimary(0x2000), probeStandby(0x1000))
	require.NoError(t, s.Err)
	assert.Equal(t, uint64(0x1000), s.BytesBehind)

	s = tr.Observe(probePrimary(0x2000), probeStandby(0x0800))
	require.Error(t, s.Err)
	assert.ErrorIs(t, s.Err, ErrLagRegression)

	s = tr.Observe(probePrimary(0x1000), probeStandby(0x1000))
	require.Error(t, s.Err, "primary write position moved backwards")

	tr.Reset()
	s = tr.Observe(probePrimary(0x1000), probeStandby(0x0800))
	assert.NoError(t, s.Err)
}

func TestLagTracker_UnreachableStandby(t *testing.T) {
	tr := NewLagTracker(5)
	s := tr.Observe(probePrimary(0x2000), ProbeResult{Node: "db2", ProbedAt: time.Now()})
	assert.False(t, s.BytesKnown)
	assert.False(t, s.SecondsKnown)
	assert.NoError(t, s.Err)
}

func TestLagTracker_KeepsBoundedHistory(t *testing.T) {
	tr := NewLagTracker(3)
	for i := 1; i <= 10; i++ {
		tr.Observe(probePrimary(wal.LSN(0x1000*i)), probeStandby(wal.LSN(0x1000*i-0x10)))
	}
	samples := tr.Samples()
	require.Len(t, samples, 3)
	latest, ok := tr.Latest()
	require.True(t, ok)
	assert.Equal(t, wal.LSN(0x1000*10-0x10), latest.AppliedPosition)
	assert.Equal(t, samples[2], latest)
}

func TestComputeLag_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	now := time.Now()

	properties.Property("bytes behind is the exact difference when caught up or behind", prop.ForAll(
		func(applied, delta uint64) bool {
			applied = applied%(1<<62) + 1
			primary := applied + delta%(1<<40)
			s := ComputeLag(wal.LSN(primary), wal.LSN(applied), wal.LSN(applied), now, now)
			return s.Err == nil && s.BytesKnown && s.BytesBehind == primary-applied
		},
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.Property("a standby ahead of the primary is never clamped to zero", prop.ForAll(
		func(primary, delta uint64) bool {
			primary = primary%(1<<62) + 1
			applied := primary + delta%(1<<40) + 1
			s := ComputeLag(wal.LSN(primary), wal.LSN(applied), wal.LSN(applied), now, now)
			return s.Err != nil && !s.BytesKnown
		},
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
