package ha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/lock"
	"github.com/FairForge/pgwarden/internal/metrics"
)

// ErrPromotionTimeout means a promoted standby never left recovery within
// the verification window.
var ErrPromotionTimeout = errors.New("promotion not confirmed")

// OrchestratorConfig bounds the waits inside a promotion.
type OrchestratorConfig struct {
	Safety            LagSafety
	VerifyTimeout     time.Duration
	VerifyInterval    time.Duration
	MaxVerifyInterval time.Duration
	CatchUpTimeout    time.Duration
	CatchUpInterval   time.Duration
	CommandTimeout    time.Duration
}

// ApplyDefaults fills unset fields.
func (c *OrchestratorConfig) ApplyDefaults() {
	if c.Safety.MaxBytes == 0 {
		c.Safety.MaxBytes = 16 << 20
	}
	if c.Safety.MaxDelay == 0 {
		c.Safety.MaxDelay = 30 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 60 * time.Second
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = time.Second
	}
	if c.MaxVerifyInterval < c.VerifyInterval {
		c.MaxVerifyInterval = 5 * c.VerifyInterval
	}
	if c.CatchUpTimeout <= 0 {
		c.CatchUpTimeout = 30 * time.Second
	}
	if c.CatchUpInterval <= 0 {
		c.CatchUpInterval = 500 * time.Millisecond
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 60 * time.Second
	}
}

// PromotionOrchestrator runs emergency failover and planned switchover for
// one cluster. All runs on a cluster are serialized through the locker;
// a caller that loses the race gets lock.ErrBusy and nothing is touched.
type PromotionOrchestrator struct {
	cluster  string
	prober   Prober
	admin    NodeAdmin
	locker   lock.Locker
	audit    AuditLog
	notifier Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
	cfg      OrchestratorConfig
	now      func() time.Time
}

// Deps groups the collaborators shared by the orchestrator and rebuilder.
type Deps struct {
	Prober   Prober
	Admin    NodeAdmin
	Locker   lock.Locker
	Audit    AuditLog
	Notifier Notifier
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

func (d *Deps) applyDefaults() {
	if d.Audit == nil {
		d.Audit = nopAudit{}
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
}

// NewPromotionOrchestrator creates an orchestrator for cluster.
func NewPromotionOrchestrator(cluster string, deps Deps, cfg OrchestratorConfig) *PromotionOrchestrator {
	deps.applyDefaults()
	cfg.ApplyDefaults()
	return &PromotionOrchestrator{
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

// Failover promotes standby because primary is considered failed.
// Lag does not block a failover; it is recorded and flagged instead.
func (o *PromotionOrchestrator) Failover(ctx context.Context, trig FailoverTrigger, primary, standby Node) (*FailoverEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev, err := o.failover(ctx, trig, primary, standby)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, ev)
	return ev, nil
}

func (o *PromotionOrchestrator) failover(ctx context.Context, trig FailoverTrigger, primary, standby Node) (*FailoverEvent, error) {
	ev := newFailoverEvent(KindFailover, o.cluster, primary, standby, o.now())
	ev.Reason = trig.Reason()
	ev.TriggerID = trig.ID
	ev.LagBytesAtDecision = trig.LagBytes
	ev.LagKnown = trig.LagKnown
	ev.PotentialDataLoss = !trig.LagKnown || trig.LagBytes > o.cfg.Safety.MaxBytes
	ev.LastProbeError = trig.LastError

	log := o.logger.With(zap.String("event_id", ev.ID), zap.String("kind", string(ev.Kind)))
	log.Warn("failover requested",
		zap.String("from", primary.String()),
		zap.String("to", standby.String()),
		zap.String("reason", ev.Reason),
		zap.Uint64("lag_bytes", trig.LagBytes),
		zap.Bool("lag_known", trig.LagKnown))

	if reason := standbyBlocked(o.prober.Probe(ctx, standby), false); reason != "" {
		o.abort(ev, "precondition: "+reason)
		return ev, nil
	}

	l, err := o.acquire(ctx, ev)
	if err != nil || l == nil {
		return ev, err
	}
	defer o.release(l)
	ev.step("lock acquired")

	if reason := standbyBlocked(o.prober.Probe(ctx, standby), false); reason != "" {
		o.abort(ev, "re-verify: "+reason)
		return ev, nil
	}
	ev.step("standby verified")

	// Read-only by default is not enough: any session can still open a
	// read-write transaction on a node that is out of recovery.
	if old := o.prober.Probe(ctx, primary); old.IsPrimary() {
		o.abort(ev, fmt.Sprintf("%s is reachable and out of recovery; trigger is stale", primary))
		return ev, nil
	}
	ev.step("old primary confirmed down or in recovery")

	o.promoteAndVerify(ctx, ev, standby)
	o.record(ev)
	return ev, nil
}

// Switchover moves the primary role to standby with the old primary stopped
// first. It refuses to start when the standby is not streaming or is lagging.
func (o *PromotionOrchestrator) Switchover(ctx context.Context, primary, standby Node) (*FailoverEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ev, err := o.switchover(ctx, primary, standby)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, ev)
	return ev, nil
}

func (o *PromotionOrchestrator) switchover(ctx context.Context, primary, standby Node) (*FailoverEvent, error) {
	ev := newFailoverEvent(KindSwitchover, o.cluster, primary, standby, o.now())
	ev.Reason = "planned switchover"
	log := o.logger.With(zap.String("event_id", ev.ID), zap.String("kind", string(ev.Kind)))
	log.Info("switchover requested", zap.String("from", primary.String()), zap.String("to", standby.String()))

	check := func() string {
		p, s := o.prober.Probe(ctx, primary), o.prober.Probe(ctx, standby)
		lag := ComputeLag(p.CurrentPosition, s.ReceivedPosition, s.AppliedPosition, s.LastApplyTime, s.clock())
		ev.LagBytesAtDecision = lag.BytesBehind
		ev.LagKnown = lag.BytesKnown && lag.Err == nil
		return switchoverBlocked(p, s, lag, o.cfg.Safety)
	}

	if reason := check(); reason != "" {
		o.abort(ev, "precondition: "+reason)
		return ev, nil
	}

	l, err := o.acquire(ctx, ev)
	if err != nil || l == nil {
		return ev, err
	}
	defer o.release(l)
	ev.step("lock acquired")

	if reason := check(); reason != "" {
		o.abort(ev, "re-verify: "+reason)
		return ev, nil
	}
	ev.step("preconditions re-verified")

	// Until the old primary is stopped every failure resumes it.
	if err := o.command(ctx, func(c context.Context) error { return o.admin.Quiesce(c, primary) }); err != nil {
		o.resumeAndFinish(ctx, ev, primary, OutcomeFailed, "quiesce: "+err.Error())
		return ev, nil
	}
	ev.step("primary quiesced")

	if err := o.command(ctx, func(c context.Context) error { return o.admin.Checkpoint(c, primary) }); err != nil {
		o.resumeAndFinish(ctx, ev, primary, OutcomeFailed, "checkpoint: "+err.Error())
		return ev, nil
	}
	ev.step("checkpoint issued")

	if err := o.waitCatchUp(ctx, primary, standby); err != nil {
		o.resumeAndFinish(ctx, ev, primary, OutcomeAborted, err.Error())
		return ev, nil
	}
	ev.step("standby caught up")

	stopErr := o.command(ctx, func(c context.Context) error { return o.admin.Stop(c, primary) })
	if after := o.prober.Probe(ctx, primary); after.Reachable {
		detail := "old primary still running after stop"
		if stopErr != nil {
			detail = "stop: " + stopErr.Error()
		}
		o.resumeAndFinish(ctx, ev, primary, OutcomeFailed, detail)
		return ev, nil
	}
	ev.step("old primary stopped")

	o.promoteAndVerify(ctx, ev, standby)
	o.record(ev)
	return ev, nil
}

// promoteAndVerify issues the promote and waits for the standby to leave
// recovery. Once the command is issued there is no rollback; a failed or
// timed out verification is reported as failed for manual follow-up.
func (o *PromotionOrchestrator) promoteAndVerify(ctx context.Context, ev *FailoverEvent, standby Node) {
	ctx = context.WithoutCancel(ctx)
	ev.PromoteIssued = true
	promoteErr := o.command(ctx, func(c context.Context) error { return o.admin.Promote(c, standby) })
	if promoteErr != nil {
		o.logger.Error("promote command returned an error, verifying anyway",
			zap.String("node", standby.String()), zap.Error(promoteErr))
	}
	ev.step("promote issued")

	last, err := o.verifyPromoted(ctx, standby)
	if err != nil {
		detail := err.Error()
		if promoteErr != nil {
			detail = fmt.Sprintf("%s (promote: %v)", detail, promoteErr)
		}
		if last.Err != nil {
			ev.LastProbeError = last.ErrorText()
		}
		ev.finish(OutcomeFailed, detail+"; manual intervention required", o.now())
		return
	}
	ev.step("promotion verified")
	ev.finish(OutcomeSucceeded, fmt.Sprintf("%s is now primary at %s", standby, last.CurrentPosition), o.now())
}

func (o *PromotionOrchestrator) verifyPromoted(ctx context.Context, n Node) (ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.VerifyTimeout)
	defer cancel()

	interval := o.cfg.VerifyInterval
	for {
		r := o.prober.Probe(ctx, n)
		if r.IsPrimary() {
			return r, nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r, fmt.Errorf("%w: %s still in recovery after %s", ErrPromotionTimeout, n, o.cfg.VerifyTimeout)
		case <-timer.C:
		}
		interval *= 2
		if interval > o.cfg.MaxVerifyInterval {
			interval = o.cfg.MaxVerifyInterval
		}
	}
}

func (o *PromotionOrchestrator) waitCatchUp(ctx context.Context, primary, standby Node) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CatchUpTimeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.CatchUpInterval)
	defer ticker.Stop()
	for {
		p, s := o.prober.Probe(ctx, primary), o.prober.Probe(ctx, standby)
		if p.Reachable && s.Reachable && p.CurrentPosition.IsValid() &&
			s.AppliedPosition.IsValid() && s.AppliedPosition >= p.CurrentPosition {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("standby did not catch up within %s (primary %s, standby applied %s)",
				o.cfg.CatchUpTimeout, p.CurrentPosition, s.AppliedPosition)
		case <-ticker.C:
		}
	}
}

func (o *PromotionOrchestrator) resumeAndFinish(ctx context.Context, ev *FailoverEvent, primary Node, outcome Outcome, detail string) {
	if err := o.command(context.WithoutCancel(ctx), func(c context.Context) error { return o.admin.Resume(c, primary) }); err != nil {
		o.logger.Error("could not resume primary", zap.String("node", primary.String()), zap.Error(err))
		detail += "; resume failed: " + err.Error()
	} else {
		ev.step("primary resumed")
	}
	ev.finish(outcome, detail, o.now())
	o.record(ev)
}

func (o *PromotionOrchestrator) command(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()
	return fn(ctx)
}

// acquire returns (nil, nil) when the attempt ended with a recorded failure.
func (o *PromotionOrchestrator) acquire(ctx context.Context, ev *FailoverEvent) (*lock.Lock, error) {
	l, err := o.locker.TryAcquire(ctx, o.cluster)
	switch {
	case errors.Is(err, lock.ErrBusy):
		o.metrics.IncLockContention(o.cluster)
		o.logger.Info("promotion already in progress, backing off", zap.String("kind", string(ev.Kind)))
		return nil, lock.ErrBusy
	case err != nil:
		ev.finish(OutcomeFailed, "acquire lock: "+err.Error(), o.now())
		o.record(ev)
		return nil, nil
	}
	return l, nil
}

func (o *PromotionOrchestrator) release(l *lock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.locker.Release(ctx, l); err != nil {
		o.logger.Error("release promotion lock", zap.String("key", l.Key), zap.Error(err))
	}
}

func (o *PromotionOrchestrator) abort(ev *FailoverEvent, detail string) {
	ev.finish(OutcomeAborted, detail, o.now())
	o.record(ev)
}

func (o *PromotionOrchestrator) record(ev *FailoverEvent) {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("outcome", string(ev.Outcome)),
		zap.String("detail", ev.Detail),
		zap.Uint64("lag_bytes", ev.LagBytesAtDecision),
		zap.Bool("potential_data_loss", ev.PotentialDataLoss),
		zap.Duration("duration", ev.Duration()),
	}
	if ev.Outcome == OutcomeSucceeded {
		o.logger.Info("promotion finished", fields...)
	} else {
		o.logger.Error("promotion finished", append(fields, zap.String("last_probe_error", ev.LastProbeError))...)
	}
	o.metrics.ObservePromotion(o.cluster, string(ev.Kind), string(ev.Outcome), ev.Duration())
	if err := o.audit.AppendFailover(*ev); err != nil {
		o.logger.Error("write audit record", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (o *PromotionOrchestrator) publish(ctx context.Context, ev *FailoverEvent) {
	o.notifier.Notify(context.WithoutCancel(ctx), ev.Notification())
}

// standbyBlocked returns why n cannot be promoted, or "".
func standbyBlocked(s ProbeResult, needStreaming bool) string {
	switch {
	case !s.Reachable:
		return fmt.Sprintf("standby %s unreachable: %s", s.Node, s.ErrorText())
	case !s.InRecovery:
		return fmt.Sprintf("standby %s is not in recovery", s.Node)
	case needStreaming && !s.Streaming:
		return fmt.Sprintf("standby %s is not streaming", s.Node)
	}
	return ""
}

func switchoverBlocked(p, s ProbeResult, lag LagSample, safety LagSafety) string {
	if !p.Reachable {
		return fmt.Sprintf("primary %s unreachable: %s", p.Node, p.ErrorText())
	}
	if p.InRecovery {
		return fmt.Sprintf("primary %s is in recovery", p.Node)
	}
	if reason := standbyBlocked(s, true); reason != "" {
		return reason
	}
	return lag.Unsafe(safety)
}

// Plan is the dry-run description of a promotion.
type Plan struct {
	Kind     EventKind `json:"kind" yaml:"kind"`
	Cluster  string    `json:"cluster" yaml:"cluster"`
	From     string    `json:"from" yaml:"from"`
	To       string    `json:"to" yaml:"to"`
	Steps    []string  `json:"steps" yaml:"steps"`
	Lag      LagSample `json:"lag" yaml:"lag"`
	Blocked  string    `json:"blocked,omitempty" yaml:"blocked,omitempty"`
	Warnings []string  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// PlanFailover runs the failover checks without taking the lock or
// changing anything.
func (o *PromotionOrchestrator) PlanFailover(ctx context.Context, primary, standby Node) *Plan {
	p, s := o.prober.Probe(ctx, primary), o.prober.Probe(ctx, standby)
	plan := &Plan{
		Kind:    KindFailover,
		Cluster: o.cluster,
		From:    primary.String(),
		To:      standby.String(),
		Lag:     ComputeLag(p.CurrentPosition, s.ReceivedPosition, s.AppliedPosition, s.LastApplyTime, s.clock()),
		Steps: []string{
			"acquire promotion lock " + o.cluster,
			"re-verify " + standby.String() + " is reachable and in recovery",
			"confirm " + primary.String() + " is down or in recovery",
			"promote " + standby.String(),
			fmt.Sprintf("wait up to %s for %s to leave recovery", o.cfg.VerifyTimeout, standby),
			"record event, release lock, notify",
		},
	}
	if reason := standbyBlocked(s, false); reason != "" {
		plan.Blocked = reason
	} else if p.IsPrimary() {
		plan.Blocked = fmt.Sprintf("%s is reachable and out of recovery; use switchover", primary)
	}
	if !plan.Lag.BytesKnown || plan.Lag.Exceeds(o.cfg.Safety) {
		plan.Warnings = append(plan.Warnings, "lag unknown or above safety limit: potential data loss")
	}
	return plan
}

// PlanSwitchover runs the switchover checks without taking the lock or
// changing anything.
func (o *PromotionOrchestrator) PlanSwitchover(ctx context.Context, primary, standby Node) *Plan {
	p, s := o.prober.Probe(ctx, primary), o.prober.Probe(ctx, standby)
	lag := ComputeLag(p.CurrentPosition, s.ReceivedPosition, s.AppliedPosition, s.LastApplyTime, s.clock())
	return &Plan{
		Kind:    KindSwitchover,
		Cluster: o.cluster,
		From:    primary.String(),
		To:      standby.String(),
		Lag:     lag,
		Blocked: switchoverBlocked(p, s, lag, o.cfg.Safety),
		Steps: []string{
			"acquire promotion lock " + o.cluster,
			"quiesce " + primary.String() + " (read-only, disconnect clients)",
			"checkpoint " + primary.String(),
			fmt.Sprintf("wait up to %s for %s to replay all WAL", o.cfg.CatchUpTimeout, standby),
			"stop " + primary.String(),
			"promote " + standby.String(),
			fmt.Sprintf("wait up to %s for %s to leave recovery", o.cfg.VerifyTimeout, standby),
			"record event, release lock, notify",
		},
	}
}
