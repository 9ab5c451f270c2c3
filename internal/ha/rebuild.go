package ha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/lock"
	"github.com/FairForge/pgwarden/internal/metrics"
)

// RebuildState is a step of a standby rebuild.
type RebuildState string

const (
	RebuildStopping  RebuildState = "stopping"
	RebuildWiping    RebuildState = "wiping"
	RebuildSeeding   RebuildState = "seeding"
	RebuildStreaming RebuildState = "streaming"
	RebuildDone      RebuildState = "done"
	RebuildFailed    RebuildState = "failed"
)

// Terminal reports whether no further transition follows.
func (s RebuildState) Terminal() bool {
	return s == RebuildDone || s == RebuildFailed
}

// RebuildTransition is one entry of a job's history.
type RebuildTransition struct {
	State  RebuildState `json:"state"`
	At     time.Time    `json:"at"`
	Detail string       `json:"detail,omitempty"`
}

// RebuildJob tracks one rebuild of target from source. A failed job is
// never resumed; a retry is a new job starting at stopping.
type RebuildJob struct {
	ID         string              `json:"id"`
	Cluster    string              `json:"cluster"`
	Target     string              `json:"target"`
	Source     string              `json:"source"`
	State      RebuildState        `json:"state"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
	History    []RebuildTransition `json:"history"`
	Error      string              `json:"error,omitempty"`
}

// Notification builds the outbound payload for the job's current state.
func (j RebuildJob) Notification() Notification {
	n := Notification{
		ID:              j.ID,
		Cluster:         j.Cluster,
		EventKind:       KindRebuild,
		PreviousPrimary: j.Source,
		NewPrimary:      j.Source,
		Summary:         fmt.Sprintf("rebuild of %s from %s: %s", j.Target, j.Source, j.State),
	}
	if len(j.History) > 0 {
		n.Timestamp = j.History[len(j.History)-1].At
	}
	switch j.State {
	case RebuildDone:
		n.Outcome = string(OutcomeSucceeded)
	case RebuildFailed:
		n.Outcome = string(OutcomeFailed)
		n.Summary += ": " + j.Error
	}
	return n
}

// RebuildOptions adjusts the precondition checks.
type RebuildOptions struct {
	// AllowWritableTarget permits rebuilding a node that still accepts
	// writes, the operator's way out of a split-brain.
	AllowWritableTarget bool
}

// RebuildConfig bounds the waits inside a rebuild.
type RebuildConfig struct {
	CommandTimeout time.Duration
	SeedTimeout    time.Duration
	StreamTimeout  time.Duration
	StreamInterval time.Duration
}

// ApplyDefaults fills unset fields.
func (c *RebuildConfig) ApplyDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Minute
	}
	if c.SeedTimeout <= 0 {
		c.SeedTimeout = 6 * time.Hour
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 5 * time.Minute
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = 2 * time.Second
	}
}

// ReplicaRebuilder turns a node into a fresh standby of the current primary.
type ReplicaRebuilder struct {
	cluster  string
	prober   Prober
	admin    NodeAdmin
	locker   lock.Locker
	audit    AuditLog
	notifier Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
	cfg      RebuildConfig
	now      func() time.Time
}

// NewReplicaRebuilder creates a rebuilder for cluster.
func NewReplicaRebuilder(cluster string, deps Deps, cfg RebuildConfig) *ReplicaRebuilder {
	deps.applyDefaults()
	cfg.ApplyDefaults()
	return &ReplicaRebuilder{
		cluster:  cluster,
		prober:   deps.Prober,
		admin:    deps.Admin,
		locker:   deps.Locker,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("cluster", cluster)),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Check verifies the rebuild preconditions without changing anything.
func (r *ReplicaRebuilder) Check(ctx context.Context, target, source Node, opts RebuildOptions) error {
	if target.Address() == source.Address() {
		return &PreconditionError{Op: "rebuild", Reason: "target and source are the same node"}
	}
	src := r.prober.Probe(ctx, source)
	switch {
	case !src.Reachable:
		return &PreconditionError{Op: "rebuild", Reason: fmt.Sprintf("source %s unreachable: %s", source, src.ErrorText())}
	case src.InRecovery:
		return &PreconditionError{Op: "rebuild", Reason: fmt.Sprintf("source %s is in recovery, not a primary", source)}
	}
	if !opts.AllowWritableTarget {
		if t := r.prober.Probe(ctx, target); t.Reachable && t.AcceptingWrites {
			return &PreconditionError{Op: "rebuild", Reason: fmt.Sprintf("target %s is accepting writes; name it explicitly to rebuild it", target)}
		}
	}
	return nil
}

// Rebuild stops, wipes and re-seeds target from source, then waits for it
// to stream. It returns lock.ErrBusy or a *PreconditionError without
// creating a job; otherwise the job's final state carries the outcome.
func (r *ReplicaRebuilder) Rebuild(ctx context.Context, target, source Node, opts RebuildOptions) (*RebuildJob, error) {
	if err := r.Check(ctx, target, source, opts); err != nil {
		return nil, err
	}

	l, err := r.locker.TryAcquire(ctx, r.cluster)
	if errors.Is(err, lock.ErrBusy) {
		r.metrics.IncLockContention(r.cluster)
		return nil, lock.ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire rebuild lock: %w", err)
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.locker.Release(relCtx, l); err != nil {
			r.logger.Error("release rebuild lock", zap.Error(err))
		}
	}()

	// Re-check now that no promotion can run underneath us.
	if err := r.Check(ctx, target, source, opts); err != nil {
		return nil, err
	}

	job := &RebuildJob{
		ID:        uuid.New().String(),
		Cluster:   r.cluster,
		Target:    target.String(),
		Source:    source.String(),
		StartedAt: r.now(),
	}
	r.logger.Warn("rebuilding standby",
		zap.String("job_id", job.ID),
		zap.String("target", job.Target),
		zap.String("source", job.Source))

	steps := []struct {
		state   RebuildState
		timeout time.Duration
		run     func(context.Context) error
	}{
		{RebuildStopping, r.cfg.CommandTimeout, func(c context.Context) error { return r.admin.Stop(c, target) }},
		{RebuildWiping, r.cfg.CommandTimeout, func(c context.Context) error { return r.admin.Wipe(c, target) }},
		{RebuildSeeding, r.cfg.SeedTimeout, func(c context.Context) error {
			if err := r.admin.Seed(c, target, source); err != nil {
				return err
			}
			return r.admin.StartStandby(c, target)
		}},
	}
	for _, s := range steps {
		r.transition(ctx, job, s.state, "")
		stepCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.run(stepCtx)
		cancel()
		if err != nil {
			r.fail(ctx, job, fmt.Errorf("%s %s: %w", s.state, target, err))
			return job, nil
		}
	}

	probe, err := r.waitStreaming(ctx, target)
	if err != nil {
		r.fail(ctx, job, err)
		return job, nil
	}
	r.transition(ctx, job, RebuildStreaming, fmt.Sprintf("replaying at %s", probe.AppliedPosition))
	r.transition(ctx, job, RebuildDone, "")
	return job, nil
}

func (r *ReplicaRebuilder) waitStreaming(ctx context.Context, target Node) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StreamTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.StreamInterval)
	defer ticker.Stop()
	for {
		p := r.prober.Probe(ctx, target)
		if p.Reachable && p.InRecovery && p.Streaming {
			return p, nil
		}
		select {
		case <-ctx.Done():
			state := "unreachable"
			switch {
			case p.Reachable && !p.InRecovery:
				state = "not in recovery"
			case p.Reachable:
				state = "in recovery but not streaming"
			}
			return p, fmt.Errorf("%s did not start streaming within %s: %s", target, r.cfg.StreamTimeout, state)
		case <-ticker.C:
		}
	}
}

func (r *ReplicaRebuilder) fail(ctx context.Context, job *RebuildJob, err error) {
	job.Error = err.Error()
	r.transition(ctx, job, RebuildFailed, err.Error())
}

func (r *ReplicaRebuilder) transition(ctx context.Context, job *RebuildJob, state RebuildState, detail string) {
	now := r.now()
	job.State = state
	job.History = append(job.History, RebuildTransition{State: state, At: now, Detail: detail})
	if state.Terminal() {
		job.FinishedAt = now
	}

	fields := []zap.Field{zap.String("job_id", job.ID), zap.String("state", string(state))}
	if detail != "" {
		fields = append(fields, zap.String("detail", detail))
	}
	if state == RebuildFailed {
		r.logger.Error("rebuild transition", fields...)
	} else {
		r.logger.Info("rebuild transition", fields...)
	}

	r.metrics.ObserveRebuild(r.cluster, string(state))
	snapshot := *job
	snapshot.History = append([]RebuildTransition(nil), job.History...)
	if err := r.audit.AppendRebuild(snapshot); err != nil {
		r.logger.Error("write audit record", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.notifier.Notify(context.WithoutCancel(ctx), snapshot.Notification())
}
