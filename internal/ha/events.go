package ha

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is how a promotion or rebuild ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// EventKind names what a notification is about.
type EventKind string

const (
	KindFailover   EventKind = "failover"
	KindSwitchover EventKind = "switchover"
	KindRebuild    EventKind = "rebuild"
	KindSplitBrain EventKind = "split_brain"
)

// FailoverEvent is the record of one failover or switchover attempt. It is
// written to the audit log exactly once and then notified.
type FailoverEvent struct {
	ID                 string    `json:"id"`
	Cluster            string    `json:"cluster"`
	Kind               EventKind `json:"kind"`
	PreviousPrimary    string    `json:"previous_primary"`
	NewPrimary         string    `json:"new_primary"`
	Reason             string    `json:"reason"`
	TriggerID          string    `json:"trigger_id,omitempty"`
	LagBytesAtDecision uint64    `json:"lag_bytes_at_decision"`
	LagKnown           bool      `json:"lag_known"`
	PotentialDataLoss  bool      `json:"potential_data_loss"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Outcome            Outcome   `json:"outcome"`
	Detail             string    `json:"detail,omitempty"`
	LastProbeError     string    `json:"last_probe_error,omitempty"`
	PromoteIssued      bool      `json:"promote_issued"`
	Steps              []string  `json:"steps,omitempty"`
}

func newFailoverEvent(kind EventKind, cluster string, from, to Node, now time.Time) *FailoverEvent {
	return &FailoverEvent{
		ID:              newID(),
		Cluster:         cluster,
		Kind:            kind,
		PreviousPrimary: from.String(),
		NewPrimary:      to.String(),
		StartedAt:       now,
	}
}

func newID() string { return uuid.New().String() }

func (e *FailoverEvent) step(s string) {
	e.Steps = append(e.Steps, s)
}

func (e *FailoverEvent) finish(outcome Outcome, detail string, now time.Time) {
	e.Outcome = outcome
	e.Detail = detail
	e.FinishedAt = now
}

// Duration is how long the procedure ran.
func (e *FailoverEvent) Duration() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Summary is a one-line human description.
func (e *FailoverEvent) Summary() string {
	s := fmt.Sprintf("%s of %s from %s to %s %s", e.Kind, e.Cluster, e.PreviousPrimary, e.NewPrimary, e.Outcome)
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.PotentialDataLoss {
		s += " (potential data loss)"
	}
	return s
}

// Notification builds the outbound payload for the event.
func (e *FailoverEvent) Notification() Notification {
	return Notification{
		ID:                 e.ID,
		Cluster:            e.Cluster,
		EventKind:          e.Kind,
		Timestamp:          e.FinishedAt,
		PreviousPrimary:    e.PreviousPrimary,
		NewPrimary:         e.NewPrimary,
		Outcome:            string(e.Outcome),
		LagBytesAtDecision: e.LagBytesAtDecision,
		Summary:            e.Summary(),
	}
}

// Notification is what sinks deliver to the outside world.
type Notification struct {
	ID                 string    `json:"id"`
	Cluster            string    `json:"cluster"`
	EventKind          EventKind `json:"event_kind"`
	Timestamp          time.Time `json:"timestamp"`
	PreviousPrimary    string    `json:"previous_primary,omitempty"`
	NewPrimary         string    `json:"new_primary,omitempty"`
	Outcome            string    `json:"outcome,omitempty"`
	LagBytesAtDecision uint64    `json:"lag_bytes_at_decision"`
	Summary            string    `json:"summary"`
}

// AuditLog durably records procedure outcomes.
type AuditLog interface {
	AppendFailover(e FailoverEvent) error
	AppendRebuild(j RebuildJob) error
}

// Notifier hands a notification to the delivery layer. It must not block
// on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NodeAdmin performs the administrative actions a procedure needs. SQL
// actions go to the node's server; host actions (stop, wipe, seed, start)
// run the configured commands for that node.
type NodeAdmin interface {
	Promote(ctx context.Context, n Node) error
	Checkpoint(ctx context.Context, n Node) error
	// Quiesce stops new writes and disconnects clients.
	Quiesce(ctx context.Context, n Node) error
	// Resume undoes Quiesce.
	Resume(ctx context.Context, n Node) error
	Stop(ctx context.Context, n Node) error
	Wipe(ctx context.Context, n Node) error
	// Seed copies a base backup from source into target's data directory,
	// configured to stream from source.
	Seed(ctx context.Context, target, source Node) error
	StartStandby(ctx context.Context, n Node) error
}

type nopAudit struct{}

func (nopAudit) AppendFailover(FailoverEvent) error { return nil }
func (nopAudit) AppendRebuild(RebuildJob) error     { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) {}
