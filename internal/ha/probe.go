package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/database"
	"github.com/FairForge/pgwarden/internal/wal"
)

// ErrProbeTimeout marks a probe that ran out of time.
var ErrProbeTimeout = errors.New("probe timed out")

// ProbeResult is what a single probe learned about a node. An unreachable
// node is an ordinary result, not an error.
type ProbeResult struct {
	Node             string        `json:"node"`
	Reachable        bool          `json:"reachable"`
	AcceptingWrites  bool          `json:"accepting_writes"`
	InRecovery       bool          `json:"in_recovery"`
	Streaming        bool          `json:"streaming"`
	CurrentPosition  wal.LSN       `json:"-"`
	ReceivedPosition wal.LSN       `json:"-"`
	AppliedPosition  wal.LSN       `json:"-"`
	LastApplyTime    time.Time     `json:"last_apply_time,omitempty"`
	ServerTime       time.Time     `json:"-"`
	ProbedAt         time.Time     `json:"probed_at"`
	Latency          time.Duration `json:"latency"`
	Err              error         `json:"-"`
}

// ObservedRole derives the node's role from the probe.
func (r ProbeResult) ObservedRole() Role {
	switch {
	case !r.Reachable:
		return RoleUnknown
	case r.InRecovery:
		return RoleStandby
	default:
		return RolePrimary
	}
}

// IsPrimary reports a reachable node that is out of recovery.
func (r ProbeResult) IsPrimary() bool {
	return r.Reachable && !r.InRecovery
}

// ErrorText returns the probe error text or "".
func (r ProbeResult) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// clock returns the node's own notion of now when it reported one.
func (r ProbeResult) clock() time.Time {
	if !r.ServerTime.IsZero() {
		return r.ServerTime
	}
	return r.ProbedAt
}

// MarshalJSON renders WAL positions in PostgreSQL notation.
func (r ProbeResult) MarshalJSON() ([]byte, error) {
	type alias ProbeResult
	out := struct {
		alias
		CurrentPosition  string `json:"current_position,omitempty"`
		ReceivedPosition string `json:"received_position,omitempty"`
		AppliedPosition  string `json:"applied_position,omitempty"`
		Error            string `json:"error,omitempty"`
	}{alias: alias(r), Error: r.ErrorText()}

	if r.CurrentPosition.IsValid() {
		out.CurrentPosition = r.CurrentPosition.String()
	}
	if r.ReceivedPosition.IsValid() {
		out.ReceivedPosition = r.ReceivedPosition.String()
	}
	if r.AppliedPosition.IsValid() {
		out.AppliedPosition = r.AppliedPosition.String()
	}
	return json.Marshal(out)
}

// MarshalYAML renders the same fields as MarshalJSON.
func (r ProbeResult) MarshalYAML() (interface{}, error) {
	b, err := r.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Prober checks one node. Implementations must bound the call with a timeout
// and report failures inside the result.
type Prober interface {
	Probe(ctx context.Context, node Node) ProbeResult
}

// StatusSource reads replication state from a node.
type StatusSource interface {
	Status(ctx context.Context) (*database.NodeStatus, error)
}

// SQLProber probes nodes over SQL.
type SQLProber struct {
	connect func(Node) (StatusSource, error)
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewSQLProber probes through the node connections of pool.
func NewSQLProber(pool *database.Pool, timeout time.Duration, logger *zap.Logger) *SQLProber {
	return newSQLProber(func(n Node) (StatusSource, error) {
		return pool.Node(n.Host, n.Port)
	}, timeout, logger)
}

func newSQLProber(connect func(Node) (StatusSource, error), timeout time.Duration, logger *zap.Logger) *SQLProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLProber{connect: connect, timeout: timeout, logger: logger, now: time.Now}
}

// Probe implements Prober.
func (p *SQLProber) Probe(ctx context.Context, node Node) ProbeResult {
	start := p.now()
	result := ProbeResult{Node: node.String(), ProbedAt: start}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := p.status(ctx, node)
	result.Latency = p.now().Sub(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrProbeTimeout, p.timeout, err)
		}
		result.Err = err
		p.logger.Debug("probe failed",
			zap.String("node", node.String()),
			zap.Duration("latency", result.Latency),
			zap.Error(err))
		return result
	}

	result.Reachable = true
	result.InRecovery = status.InRecovery
	result.AcceptingWrites = status.AcceptingWrites()
	result.Streaming = status.Streaming
	result.CurrentPosition = status.CurrentLSN
	result.ReceivedPosition = status.ReceivedLSN
	result.AppliedPosition = status.ReplayedLSN
	result.LastApplyTime = status.LastReplay
	result.ServerTime = status.ServerTime
	return result
}

func (p *SQLProber) status(ctx context.Context, node Node) (*database.NodeStatus, error) {
	src, err := p.connect(node)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", node, err)
	}
	return src.Status(ctx)
}
