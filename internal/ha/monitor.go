package ha

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/pgwarden/internal/lock"
	"github.com/FairForge/pgwarden/internal/metrics"
)

// MonitorConfig configures one cluster's polling loop.
type MonitorConfig struct {
	PollInterval     time.Duration
	FailureThreshold int
	LagHistory       int
	AutoFailover     bool
	AutoRebuild      bool
	RebuildRetry     time.Duration
	LockCeiling      time.Duration
	Orchestrator     OrchestratorConfig
	Rebuild          RebuildConfig
}

// ApplyDefaults fills unset fields.
func (c *MonitorConfig) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.LagHistory <= 0 {
		c.LagHistory = 30
	}
	if c.RebuildRetry <= 0 {
		c.RebuildRetry = time.Minute
	}
	if c.LockCeiling <= 0 {
		c.LockCeiling = 30 * time.Minute
	}
	c.Orchestrator.ApplyDefaults()
	c.Rebuild.ApplyDefaults()
}

// ClusterStatus is a point-in-time copy of a monitor's state.
type ClusterStatus struct {
	Cluster             string         `json:"cluster" yaml:"cluster"`
	Primary             ClusterNode    `json:"primary" yaml:"primary"`
	Standby             ClusterNode    `json:"standby" yaml:"standby"`
	Detector            string         `json:"detector" yaml:"detector"`
	ConsecutiveFailures int            `json:"consecutive_failures" yaml:"consecutive_failures"`
	FailingSince        *time.Time     `json:"failing_since,omitempty" yaml:"failing_since,omitempty"`
	Lag                 LagSample      `json:"lag" yaml:"lag"`
	LagHistory          []LagSample    `json:"lag_history,omitempty" yaml:"lag_history,omitempty"`
	SplitBrain          bool           `json:"split_brain" yaml:"split_brain"`
	InFlight            string         `json:"in_flight,omitempty" yaml:"in_flight,omitempty"`
	NeedsRebuild        bool           `json:"needs_rebuild" yaml:"needs_rebuild"`
	LastEvent           *FailoverEvent `json:"last_event,omitempty" yaml:"last_event,omitempty"`
	LastRebuild         *RebuildJob    `json:"last_rebuild,omitempty" yaml:"last_rebuild,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at" yaml:"updated_at"`
}

type procResult struct {
	kind  EventKind
	event *FailoverEvent
	job   *RebuildJob
	err   error
}

// ClusterMonitor polls one cluster and drives failover and rebuild. All
// detector, lag and role state is owned by the Run goroutine; procedures
// run on their own goroutine and report back over a channel.
type ClusterMonitor struct {
	cluster   Cluster
	prober    Prober
	locker    lock.Locker
	notifier  Notifier
	metrics   *metrics.Collector
	logger    *zap.Logger
	cfg       MonitorConfig
	orch      *PromotionOrchestrator
	rebuilder *ReplicaRebuilder
	now       func() time.Time

	detector     *FailureDetector
	lag          *LagTracker
	lastGoodLag  LagSample
	results      chan procResult
	inFlight     EventKind
	needsRebuild bool
	lastRebuild  time.Time
	splitBrain   bool
	lastEvent    *FailoverEvent
	lastJob      *RebuildJob
	wg           sync.WaitGroup

	mu   sync.RWMutex
	snap ClusterStatus
}

// NewClusterMonitor wires a monitor for c.
func NewClusterMonitor(c Cluster, deps Deps, cfg MonitorConfig) *ClusterMonitor {
	deps.applyDefaults()
	cfg.ApplyDefaults()
	m := &ClusterMonitor{
		cluster:   c,
		prober:    deps.Prober,
		locker:    deps.Locker,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("cluster", c.Name)),
		cfg:       cfg,
		orch:      NewPromotionOrchestrator(c.Name, deps, cfg.Orchestrator),
		rebuilder: NewReplicaRebuilder(c.Name, deps, cfg.Rebuild),
		now:       time.Now,
		detector:  NewFailureDetector(c.Name, c.Primary.String(), cfg.FailureThreshold),
		lag:       NewLagTracker(cfg.LagHistory),
		results:   make(chan procResult, 2),
	}
	m.snap = ClusterStatus{Cluster: c.Name, Detector: DetectorHealthy.String()}
	return m
}

// Name returns the cluster name.
func (m *ClusterMonitor) Name() string { return m.cluster.Name }

// Run polls until ctx is cancelled, then waits for any promotion or rebuild
// in progress to finish before returning.
func (m *ClusterMonitor) Run(ctx context.Context) error {
	m.start(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			if m.inFlight != "" {
				m.logger.Info("waiting for in-flight procedure before stopping", zap.String("kind", string(m.inFlight)))
			}
			m.wg.Wait()
			m.drain(ctx)
			m.logger.Info("monitor stopped")
			return nil
		case r := <-m.results:
			m.handle(ctx, r)
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *ClusterMonitor) drain(ctx context.Context) {
	for {
		select {
		case r := <-m.results:
			m.handle(ctx, r)
		default:
			return
		}
	}
}

func (m *ClusterMonitor) start(ctx context.Context) {
	recovered, err := lock.RecoverStale(ctx, m.locker, m.cluster.Name, m.cfg.LockCeiling, m.logger)
	if err != nil {
		m.logger.Error("check for abandoned lock", zap.Error(err))
	} else if recovered {
		m.logger.Warn("cleared abandoned promotion lock")
	}

	topo, err := Discover(ctx, m.prober, m.cluster)
	switch {
	case errors.Is(err, ErrSplitBrain):
		m.logger.Error("split-brain at startup; roles left as configured")
	case topo.Swapped:
		m.adopt("observed roles differ from configuration", topo.Standby)
	}
	m.logger.Info("monitor started",
		zap.String("primary", m.cluster.Primary.String()),
		zap.String("standby", m.cluster.Standby.String()),
		zap.Duration("interval", m.cfg.PollInterval),
		zap.Int("threshold", m.cfg.FailureThreshold),
		zap.Bool("auto_failover", m.cfg.AutoFailover),
		zap.Bool("auto_rebuild", m.cfg.AutoRebuild))
}

// adopt swaps the roles after a promotion this monitor did not perform.
func (m *ClusterMonitor) adopt(reason string, formerPrimary ProbeResult) {
	m.logger.Warn("adopting promoted standby as primary",
		zap.String("reason", reason),
		zap.String("new_primary", m.cluster.Standby.String()))
	m.swap()
	m.needsRebuild = !formerPrimary.Reachable || !formerPrimary.InRecovery
}

func (m *ClusterMonitor) swap() {
	m.cluster = m.cluster.Swapped()
	m.detector.Reset(m.cluster.Primary.String())
	m.lag.Reset()
	m.lastGoodLag = LagSample{}
}

func (m *ClusterMonitor) poll(ctx context.Context) {
	rp, rs := probePair(ctx, m.prober, m.cluster.Primary, m.cluster.Standby)
	if ctx.Err() != nil {
		return
	}
	m.observeProbe(rp)
	m.observeProbe(rs)

	if m.inFlight == "" && rs.IsPrimary() && !rp.IsPrimary() {
		m.adopt("standby left recovery", rp)
		rp, rs = rs, rp
	}

	if rp.IsPrimary() && rs.IsPrimary() {
		if !m.splitBrain {
			m.reportSplitBrain(ctx, rp, rs)
		}
		m.splitBrain = true
		m.metrics.SetSplitBrain(m.cluster.Name, true)
		m.publish(rp, rs)
		return
	}
	if m.splitBrain {
		m.logger.Info("split-brain cleared")
		m.splitBrain = false
		m.metrics.SetSplitBrain(m.cluster.Name, false)
	}

	sample := m.lag.Observe(rp, rs)
	if sample.Err != nil {
		m.logger.Warn("lag measurement error", zap.Error(sample.Err))
	} else if sample.BytesKnown {
		m.lastGoodLag = sample
	}
	m.metrics.SetLag(m.cluster.Name, sample.BytesBehind, sample.BytesKnown && sample.Err == nil,
		sample.SecondsBehind, sample.SecondsKnown && sample.Err == nil)

	before := m.detector.State()
	trig := m.detector.Observe(rp, m.lastGoodLag)
	m.metrics.SetConsecutiveFailures(m.cluster.Name, m.detector.Consecutive())
	if after := m.detector.State(); after != before {
		m.logger.Info("primary health changed",
			zap.String("node", m.cluster.Primary.String()),
			zap.String("from", before.String()),
			zap.String("to", after.String()),
			zap.Int("consecutive_failures", m.detector.Consecutive()),
			zap.String("error", rp.ErrorText()))
	}
	if trig != nil {
		m.onTrigger(ctx, *trig)
	}

	m.maybeRebuild(ctx, rs)
	m.publish(rp, rs)
}

func (m *ClusterMonitor) observeProbe(r ProbeResult) {
	m.metrics.ObserveProbe(m.cluster.Name, r.Node, r.Reachable, r.IsPrimary(), r.Latency)
}

func (m *ClusterMonitor) reportSplitBrain(ctx context.Context, a, b ProbeResult) {
	m.logger.Error("split-brain detected: both nodes are accepting writes; manual intervention required",
		zap.String("primary", a.Node),
		zap.String("standby", b.Node),
		zap.String("primary_position", a.CurrentPosition.String()),
		zap.String("standby_position", b.CurrentPosition.String()))
	m.notifier.Notify(ctx, Notification{
		ID:              newID(),
		Cluster:         m.cluster.Name,
		EventKind:       KindSplitBrain,
		Timestamp:       m.now(),
		PreviousPrimary: m.cluster.Primary.String(),
		NewPrimary:      m.cluster.Standby.String(),
		Summary:         "split-brain: " + a.Node + " and " + b.Node + " are both out of recovery",
	})
}

func (m *ClusterMonitor) onTrigger(ctx context.Context, trig FailoverTrigger) {
	log := m.logger.With(zap.String("trigger_id", trig.ID), zap.String("node", trig.FailedNode))
	switch {
	case !m.cfg.AutoFailover:
		log.Error("primary failed; automatic failover disabled, run promote manually",
			zap.Int("consecutive_failures", trig.ConsecutiveFailures))
		return
	case m.inFlight != "":
		log.Warn("primary failed but a procedure is already running; trigger dropped",
			zap.String("in_flight", string(m.inFlight)))
		return
	}

	log.Warn("primary failed; starting failover", zap.Int("consecutive_failures", trig.ConsecutiveFailures))
	primary, standby := m.cluster.Primary, m.cluster.Standby
	m.launch(ctx, KindFailover, func(c context.Context) procResult {
		ev, err := m.orch.Failover(c, trig, primary, standby)
		return procResult{kind: KindFailover, event: ev, err: err}
	})
}

func (m *ClusterMonitor) maybeRebuild(ctx context.Context, standby ProbeResult) {
	switch {
	case !m.needsRebuild || !m.cfg.AutoRebuild || m.inFlight != "":
		return
	case standby.Reachable && standby.AcceptingWrites:
		return
	case !m.lastRebuild.IsZero() && m.now().Sub(m.lastRebuild) < m.cfg.RebuildRetry:
		return
	}
	m.lastRebuild = m.now()
	target, source := m.cluster.Standby, m.cluster.Primary
	m.logger.Info("rebuilding former primary as standby", zap.String("target", target.String()))
	m.launch(ctx, KindRebuild, func(c context.Context) procResult {
		job, err := m.rebuilder.Rebuild(c, target, source, RebuildOptions{})
		return procResult{kind: KindRebuild, job: job, err: err}
	})
}

// launch runs a procedure off the loop. The procedure is not cancelled on
// shutdown; Run waits for it instead.
func (m *ClusterMonitor) launch(ctx context.Context, kind EventKind, fn func(context.Context) procResult) {
	m.inFlight = kind
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.results <- fn(context.WithoutCancel(ctx))
	}()
}

func (m *ClusterMonitor) handle(_ context.Context, r procResult) {
	m.inFlight = ""
	if r.err != nil {
		if errors.Is(r.err, lock.ErrBusy) {
			m.logger.Info("procedure skipped: promotion lock busy", zap.String("kind", string(r.kind)))
		} else {
			m.logger.Warn("procedure not started", zap.String("kind", string(r.kind)), zap.Error(r.err))
		}
		return
	}

	switch r.kind {
	case KindFailover, KindSwitchover:
		m.lastEvent = r.event
		if r.event.Outcome == OutcomeSucceeded {
			m.swap()
			m.needsRebuild = true
			m.lastRebuild = time.Time{}
		}
	case KindRebuild:
		m.lastJob = r.job
		if r.job.State == RebuildDone {
			m.needsRebuild = false
		}
	}
	m.mu.Lock()
	m.snap.LastEvent = m.lastEvent
	m.snap.LastRebuild = m.lastJob
	m.snap.InFlight = ""
	m.snap.NeedsRebuild = m.needsRebuild
	m.mu.Unlock()
}

func (m *ClusterMonitor) publish(rp, rs ProbeResult) {
	latest, _ := m.lag.Latest()
	status := ClusterStatus{
		Cluster:             m.cluster.Name,
		Primary:             observe(m.cluster.Primary, rp),
		Standby:             observe(m.cluster.Standby, rs),
		Detector:            m.detector.State().String(),
		ConsecutiveFailures: m.detector.Consecutive(),
		Lag:                 latest,
		LagHistory:          m.lag.Samples(),
		SplitBrain:          m.splitBrain,
		InFlight:            string(m.inFlight),
		NeedsRebuild:        m.needsRebuild,
		LastEvent:           m.lastEvent,
		LastRebuild:         m.lastJob,
		UpdatedAt:           m.now(),
	}
	if since := m.detector.FirstFailure(); !since.IsZero() {
		status.FailingSince = &since
	}
	m.mu.Lock()
	m.snap = status
	m.mu.Unlock()
}

// Snapshot returns the last published status. Safe from any goroutine.
func (m *ClusterMonitor) Snapshot() ClusterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snap
	s.LagHistory = append([]LagSample(nil), m.snap.LagHistory...)
	return s
}

// Daemon runs several cluster monitors until its context ends.
type Daemon struct {
	monitors map[string]*ClusterMonitor
}

// NewDaemon groups monitors by cluster name.
func NewDaemon(monitors ...*ClusterMonitor) *Daemon {
	d := &Daemon{monitors: make(map[string]*ClusterMonitor, len(monitors))}
	for _, m := range monitors {
		d.monitors[m.Name()] = m
	}
	return d
}

// Run blocks until every monitor has stopped.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range d.monitors {
		m := m
		g.Go(func() error { return m.Run(gctx) })
	}
	return g.Wait()
}

// Snapshot returns the status of one cluster.
func (d *Daemon) Snapshot(name string) (ClusterStatus, bool) {
	m, ok := d.monitors[name]
	if !ok {
		return ClusterStatus{}, false
	}
	return m.Snapshot(), true
}

// Snapshots returns every cluster's status sorted by name.
func (d *Daemon) Snapshots() []ClusterStatus {
	out := make([]ClusterStatus, 0, len(d.monitors))
	for _, m := range d.monitors {
		out = append(out, m.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cluster < out[j].Cluster })
	return out
}
