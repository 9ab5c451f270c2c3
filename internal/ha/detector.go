package ha

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DetectorState is the failure detector's view of the primary.
type DetectorState int

const (
	DetectorHealthy DetectorState = iota
	DetectorDegrading
	DetectorFailed
)

func (s DetectorState) String() string {
	switch s {
	case DetectorHealthy:
		return "healthy"
	case DetectorDegrading:
		return "degrading"
	case DetectorFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailoverTrigger is raised once per failure episode of the primary. It is
// a value; a retried failover gets a new trigger.
type FailoverTrigger struct {
	ID                  string    `json:"id"`
	Cluster             string    `json:"cluster"`
	FailedNode          string    `json:"failed_node"`
	DetectedAt          time.Time `json:"detected_at"`
	FirstFailureAt      time.Time `json:"first_failure_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LagBytes            uint64    `json:"lag_bytes"`
	LagKnown            bool      `json:"lag_known"`
	LastError           string    `json:"last_error,omitempty"`
	Manual              bool      `json:"manual"`
}

// Reason renders the trigger for events and logs.
func (t FailoverTrigger) Reason() string {
	if t.Manual {
		return "manual promotion requested"
	}
	return "primary unreachable for " + strconv.Itoa(t.ConsecutiveFailures) + " consecutive probes"
}

// ManualTrigger builds the trigger for an operator-requested failover.
func ManualTrigger(cluster, failedNode string, lag LagSample, now time.Time) FailoverTrigger {
	return FailoverTrigger{
		ID:             uuid.New().String(),
		Cluster:        cluster,
		FailedNode:     failedNode,
		DetectedAt:     now,
		FirstFailureAt: now,
		LagBytes:       lag.BytesBehind,
		LagKnown:       lag.BytesKnown && lag.Err == nil,
		Manual:         true,
	}
}

// FailureDetector counts consecutive failed probes of the primary:
// healthy → degrading (1..threshold-1) → failed (>= threshold). Any
// successful probe returns it to healthy. It emits at most one trigger per
// episode and re-arms only after returning to healthy.
type FailureDetector struct {
	cluster      string
	node         string
	threshold    int
	consecutive  int
	firstFailure time.Time
	lastErr      string
	latched      bool
}

// NewFailureDetector watches node with the given threshold (minimum 1).
func NewFailureDetector(cluster, node string, threshold int) *FailureDetector {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureDetector{cluster: cluster, node: node, threshold: threshold}
}

// Observe feeds one probe of the primary. lag is the last known lag and is
// copied into the trigger.
func (d *FailureDetector) Observe(r ProbeResult, lag LagSample) *FailoverTrigger {
	if r.Reachable {
		d.consecutive = 0
		d.firstFailure = time.Time{}
		d.lastErr = ""
		d.latched = false
		return nil
	}

	d.consecutive++
	if d.consecutive == 1 {
		d.firstFailure = r.ProbedAt
	}
	d.lastErr = r.ErrorText()

	if d.consecutive < d.threshold || d.latched {
		return nil
	}
	d.latched = true
	return &FailoverTrigger{
		ID:                  uuid.New().String(),
		Cluster:             d.cluster,
		FailedNode:          d.node,
		DetectedAt:          r.ProbedAt,
		FirstFailureAt:      d.firstFailure,
		ConsecutiveFailures: d.consecutive,
		LagBytes:            lag.BytesBehind,
		LagKnown:            lag.BytesKnown && lag.Err == nil,
		LastError:           d.lastErr,
	}
}

// State returns the current detector state.
func (d *FailureDetector) State() DetectorState {
	switch {
	case d.consecutive == 0:
		return DetectorHealthy
	case d.consecutive < d.threshold:
		return DetectorDegrading
	default:
		return DetectorFailed
	}
}

// Consecutive returns the number of failures since the last success.
func (d *FailureDetector) Consecutive() int { return d.consecutive }

// FirstFailure returns when the current run of failures started.
func (d *FailureDetector) FirstFailure() time.Time { return d.firstFailure }

// Node returns the watched node.
func (d *FailureDetector) Node() string { return d.node }

// Reset watches a new primary from a clean healthy state.
func (d *FailureDetector) Reset(node string) {
	d.node = node
	d.consecutive = 0
	d.firstFailure = time.Time{}
	d.lastErr = ""
	d.latched = false
}
