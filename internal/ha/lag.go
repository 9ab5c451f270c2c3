package ha

import (
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/pgwarden/internal/wal"
)

// ErrLagRegression marks a lag reading that went backwards.
var ErrLagRegression = errors.New("replication lag regression")

// MeasurementError describes a lag reading that cannot be trusted.
type MeasurementError struct {
	Reason   string
	Ahead    wal.LSN
	Behind   wal.LSN
	Observed time.Time
}

func (e *MeasurementError) Error() string {
	return fmt.Sprintf("lag measurement: %s (%s vs %s)", e.Reason, e.Ahead, e.Behind)
}

// Is lets errors.Is match ErrLagRegression.
func (e *MeasurementError) Is(target error) bool {
	return target == ErrLagRegression
}

// LagSafety is the most lag a planned switchover accepts.
type LagSafety struct {
	MaxBytes uint64
	MaxDelay time.Duration
}

// LagSample is one lag measurement between the primary and the standby.
type LagSample struct {
	At               time.Time `json:"at" yaml:"at"`
	PrimaryPosition  wal.LSN   `json:"-" yaml:"-"`
	ReceivedPosition wal.LSN   `json:"-" yaml:"-"`
	AppliedPosition  wal.LSN   `json:"-" yaml:"-"`
	BytesBehind      uint64    `json:"bytes_behind" yaml:"bytes_behind"`
	BytesKnown       bool      `json:"bytes_known" yaml:"bytes_known"`
	SecondsBehind    float64   `json:"seconds_behind" yaml:"seconds_behind"`
	SecondsKnown     bool      `json:"seconds_known" yaml:"seconds_known"`
	Err              error     `json:"-" yaml:"-"`
}

// Exceeds reports whether any known part of the sample is over the limit.
func (s LagSample) Exceeds(safety LagSafety) bool {
	if s.BytesKnown && safety.MaxBytes > 0 && s.BytesBehind > safety.MaxBytes {
		return true
	}
	if s.SecondsKnown && safety.MaxDelay > 0 && s.SecondsBehind > safety.MaxDelay.Seconds() {
		return true
	}
	return false
}

// Unsafe returns why a switchover must not proceed on this sample, or "".
func (s LagSample) Unsafe(safety LagSafety) string {
	switch {
	case s.Err != nil:
		return s.Err.Error()
	case !s.BytesKnown:
		return "replication lag in bytes is unknown"
	case s.Exceeds(safety):
		return fmt.Sprintf("replication lag %d bytes / %.1fs exceeds safety limit %d bytes / %s",
			s.BytesBehind, s.SecondsBehind, safety.MaxBytes, safety.MaxDelay)
	default:
		return ""
	}
}

// ComputeLag measures how far the standby's replay position trails the
// primary's write position. A negative difference is reported through Err,
// never clamped. Seconds are measured on the standby's clock and are zero
// when the byte lag is known to be zero.
func ComputeLag(primaryPos, received, applied wal.LSN, lastApply, now time.Time) LagSample {
	s := LagSample{
		At:               now,
		PrimaryPosition:  primaryPos,
		ReceivedPosition: received,
		AppliedPosition:  applied,
	}

	if primaryPos.IsValid() && applied.IsValid() {
		diff := primaryPos.Diff(applied)
		if diff < 0 {
			s.Err = &MeasurementError{
				Reason:   "standby replay position is ahead of the primary write position",
				Ahead:    applied,
				Behind:   primaryPos,
				Observed: now,
			}
			return s
		}
		s.BytesBehind = uint64(diff)
		s.BytesKnown = true
	}

	switch {
	case s.BytesKnown && s.BytesBehind == 0:
		s.SecondsKnown = true
	case !lastApply.IsZero():
		s.SecondsBehind = now.Sub(lastApply).Seconds()
		if s.SecondsBehind < 0 {
			s.SecondsBehind = 0
		}
		s.SecondsKnown = true
	}
	return s
}

// LagTracker measures lag each poll cycle and keeps a short history for
// trend display. Not safe for concurrent use; it belongs to one monitor loop.
type LagTracker struct {
	history     int
	samples     []LagSample
	lastApplied wal.LSN
	lastPrimary wal.LSN
}

// NewLagTracker keeps up to history samples (default 30).
func NewLagTracker(history int) *LagTracker {
	if history <= 0 {
		history = 30
	}
	return &LagTracker{history: history, samples: make([]LagSample, 0, history)}
}

// Observe measures lag from one pair of probe results. Positions moving
// backwards between samples are reported as a MeasurementError.
func (t *LagTracker) Observe(primary, standby ProbeResult) LagSample {
	var s LagSample
	if !standby.Reachable {
		s = LagSample{At: standby.ProbedAt}
	} else {
		var primaryPos wal.LSN
		if primary.IsPrimary() {
			primaryPos = primary.CurrentPosition
		}
		s = ComputeLag(primaryPos, standby.ReceivedPosition, standby.AppliedPosition,
			standby.LastApplyTime, standby.clock())
	}

	if s.Err == nil {
		s.Err = t.regression(s)
	}
	if s.AppliedPosition.IsValid() && s.AppliedPosition > t.lastApplied {
		t.lastApplied = s.AppliedPosition
	}
	if s.PrimaryPosition.IsValid() && s.PrimaryPosition > t.lastPrimary {
		t.lastPrimary = s.PrimaryPosition
	}

	t.samples = append(t.samples, s)
	if len(t.samples) > t.history {
		t.samples = t.samples[len(t.samples)-t.history:]
	}
	return s
}

func (t *LagTracker) regression(s LagSample) error {
	if s.AppliedPosition.IsValid() && t.lastApplied.IsValid() && s.AppliedPosition < t.lastApplied {
		return &MeasurementError{
			Reason:   "standby replay position went backwards",
			Ahead:    t.lastApplied,
			Behind:   s.AppliedPosition,
			Observed: s.At,
		}
	}
	if s.PrimaryPosition.IsValid() && t.lastPrimary.IsValid() && s.PrimaryPosition < t.lastPrimary {
		return &MeasurementError{
			Reason:   "primary write position went backwards",
			Ahead:    t.lastPrimary,
			Behind:   s.PrimaryPosition,
			Observed: s.At,
		}
	}
	return nil
}

// Latest returns the most recent sample.
func (t *LagTracker) Latest() (LagSample, bool) {
	if len(t.samples) == 0 {
		return LagSample{}, false
	}
	return t.samples[len(t.samples)-1], true
}

// Samples returns a copy of the retained history, oldest first.
func (t *LagTracker) Samples() []LagSample {
	out := make([]LagSample, len(t.samples))
	copy(out, t.samples)
	return out
}

// Reset forgets all positions, used after the roles change.
func (t *LagTracker) Reset() {
	t.samples = t.samples[:0]
	t.lastApplied = wal.Invalid
	t.lastPrimary = wal.Invalid
}
