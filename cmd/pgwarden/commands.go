package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/pgwarden/internal/api"
	"github.com/FairForge/pgwarden/internal/audit"
	"github.com/FairForge/pgwarden/internal/ha"
	"github.com/FairForge/pgwarden/internal/lock"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newFlagSet(a *app, name, positional string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "Usage: pgwarden %s %s [options]\n", name, positional)
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs accepts flags before and after positional arguments and
// requires exactly want positionals. A negative code means continue.
func parseArgs(fs *flag.FlagSet, args []string, want int) ([]string, int) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, exitOK
			}
			return nil, exitUsage
		}
		if fs.NArg() == 0 {
			break
		}
		pos = append(pos, fs.Arg(0))
		args = fs.Args()[1:]
	}
	if len(pos) != want {
		fs.Usage()
		return nil, exitUsage
	}
	return pos, -1
}

func formatFlag(fs *flag.FlagSet) *string {
	return fs.String("format", formatText, "output format: text, json or yaml")
}

// confirm asks the operator to type the cluster name.
func (a *app) confirm(action, cluster string) bool {
	fmt.Fprintf(a.stdout, "%s\nType the cluster name (%s) to continue: ", action, cluster)
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.TrimSpace(line) == cluster
}

func healthExit(h ha.Health) int {
	switch h {
	case ha.HealthOK:
		return exitOK
	case ha.HealthPrimaryUnreachable:
		return exitPrimaryUnreachable
	case ha.HealthStandbyUnreachable:
		return exitStandbyUnreachable
	case ha.HealthBothUnreachable:
		return exitBothUnreachable
	case ha.HealthLagging:
		return exitLagging
	case ha.HealthSplitBrain:
		return exitSplitBrain
	}
	return exitUsage
}

func outcomeExit(o ha.Outcome) int {
	switch o {
	case ha.OutcomeSucceeded:
		return exitOK
	case ha.OutcomeAborted:
		return exitAborted
	}
	return exitFailed
}

func cmdCheckReplication(a *app, args []string) int {
	fs := newFlagSet(a, "check-replication", "<cluster>")
	format := formatFlag(fs)
	pos, code := parseArgs(fs, args, 1)
	if code >= 0 {
		return code
	}
	if !validFormat(*format) {
		fmt.Fprintf(a.stderr, "invalid -format %q\n", *format)
		return exitUsage
	}
	c, err := a.cluster(pos[0])
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()
	rep := ha.Inspect(ctx, a.prober(), c, a.cfg.LagSafety())

	if *format == formatText {
		printReport(a.stdout, rep)
	} else if err := emit(a.stdout, *format, rep); err != nil {
		fmt.Fprintln(a.stderr, err)
	}
	return healthExit(rep.Health)
}

// current resolves which node is primary right now. Split-brain is
// returned as an error so no command acts on it.
func (a *app) current(ctx context.Context, c ha.Cluster) (ha.Cluster, error) {
	topo, err := ha.Discover(ctx, a.prober(), c)
	if err != nil {
		return c, err
	}
	if topo.Swapped {
		return c.Swapped(), nil
	}
	return c, nil
}

type promotionKind int

const (
	kindFailover promotionKind = iota
	kindSwitchover
)

func cmdPromote(a *app, args []string) int {
	return runPromotion(a, "promote", kindFailover, args)
}

func cmdSwitchover(a *app, args []string) int {
	return runPromotion(a, "switchover", kindSwitchover, args)
}

func runPromotion(a *app, name string, kind promotionKind, args []string) int {
	fs := newFlagSet(a, name, "<cluster>")
	force := fs.Bool("force", false, "skip the interactive confirmation")
	dryRun := fs.Bool("dry-run", false, "print the plan without changing anything")
	format := formatFlag(fs)
	pos, code := parseArgs(fs, args, 1)
	if code >= 0 {
		return code
	}
	if !validFormat(*format) {
		fmt.Fprintf(a.stderr, "invalid -format %q\n", *format)
		return exitUsage
	}
	c, err := a.cluster(pos[0])
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	cur, err := a.current(ctx, c)
	if err != nil {
		fmt.Fprintf(a.stderr, "refusing to %s: %v\n", name, err)
		return exitAborted
	}

	var deps ha.Deps
	if *dryRun {
		deps = ha.Deps{Prober: a.prober(), Logger: a.logger}
	} else if deps, err = a.deps(); err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}
	orch := ha.NewPromotionOrchestrator(c.Name, deps, a.cfg.OrchestratorConfig())

	var plan *ha.Plan
	if kind == kindFailover {
		plan = orch.PlanFailover(ctx, cur.Primary, cur.Standby)
	} else {
		plan = orch.PlanSwitchover(ctx, cur.Primary, cur.Standby)
	}

	if *dryRun {
		if *format == formatText {
			printPlan(a.stdout, plan)
		} else if err := emit(a.stdout, *format, plan); err != nil {
			fmt.Fprintln(a.stderr, err)
		}
		if plan.Blocked != "" {
			return exitAborted
		}
		return exitOK
	}

	if !*force {
		printPlan(a.stdout, plan)
		if !a.confirm(fmt.Sprintf("About to %s %s to %s.", name, c.Name, cur.Standby), c.Name) {
			fmt.Fprintln(a.stderr, "not confirmed; nothing changed")
			return exitAborted
		}
	}

	var ev *ha.FailoverEvent
	if kind == kindFailover {
		trig := ha.ManualTrigger(c.Name, cur.Primary.String(), plan.Lag, time.Now())
		ev, err = orch.Failover(ctx, trig, cur.Primary, cur.Standby)
	} else {
		ev, err = orch.Switchover(ctx, cur.Primary, cur.Standby)
	}
	return a.reportEvent(ctx, c.Name, ev, err, *format)
}

func (a *app) reportEvent(ctx context.Context, cluster string, ev *ha.FailoverEvent, err error, format string) int {
	if errors.Is(err, lock.ErrBusy) {
		a.printHolder(ctx, cluster)
		return exitLockBusy
	}
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitAborted
	}
	if format == formatText {
		printEvent(a.stdout, ev)
	} else if err := emit(a.stdout, format, ev); err != nil {
		fmt.Fprintln(a.stderr, err)
	}
	return outcomeExit(ev.Outcome)
}

func (a *app) printHolder(ctx context.Context, cluster string) {
	msg := "another promotion or rebuild is in progress for " + cluster
	if locker, err := a.lockerFor(); err == nil {
		if h, err := locker.Holder(ctx, cluster); err == nil && h != nil {
			msg += fmt.Sprintf(" (held by %s on %s, pid %d, for %s)",
				h.Owner, h.Host, h.PID, h.Age(time.Now()).Round(time.Second))
		}
	}
	fmt.Fprintln(a.stderr, msg)
}

func cmdRebuildStandby(a *app, args []string) int {
	fs := newFlagSet(a, "rebuild-standby", "<cluster>")
	force := fs.Bool("force", false, "skip the interactive confirmation")
	targetName := fs.String("target", "", "node to rebuild (default: the current standby); allows rebuilding a writable node")
	format := formatFlag(fs)
	pos, code := parseArgs(fs, args, 1)
	if code >= 0 {
		return code
	}
	if !validFormat(*format) {
		fmt.Fprintf(a.stderr, "invalid -format %q\n", *format)
		return exitUsage
	}
	c, err := a.cluster(pos[0])
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	var target, source ha.Node
	opts := ha.RebuildOptions{}
	switch *targetName {
	case "":
		cur, err := a.current(ctx, c)
		if err != nil {
			fmt.Fprintf(a.stderr, "%v; name the node to rebuild with -target\n", err)
			return exitAborted
		}
		target, source = cur.Standby, cur.Primary
	case c.Primary.Name:
		target, source = c.Primary, c.Standby
		opts.AllowWritableTarget = true
	case c.Standby.Name:
		target, source = c.Standby, c.Primary
		opts.AllowWritableTarget = true
	default:
		fmt.Fprintf(a.stderr, "node %q is not part of cluster %s\n", *targetName, c.Name)
		return exitUsage
	}

	deps, err := a.deps()
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}
	rb := ha.NewReplicaRebuilder(c.Name, deps, a.cfg.MonitorConfig().Rebuild)

	var pre *ha.PreconditionError
	if err := rb.Check(ctx, target, source, opts); err != nil {
		fmt.Fprintln(a.stderr, err)
		if errors.As(err, &pre) {
			return exitAborted
		}
		return exitFailed
	}
	if !*force && !a.confirm(fmt.Sprintf("About to ERASE the data directory of %s and re-seed it from %s.", target, source), c.Name) {
		fmt.Fprintln(a.stderr, "not confirmed; nothing changed")
		return exitAborted
	}

	job, err := rb.Rebuild(ctx, target, source, opts)
	switch {
	case errors.Is(err, lock.ErrBusy):
		a.printHolder(ctx, c.Name)
		return exitLockBusy
	case errors.As(err, &pre):
		fmt.Fprintln(a.stderr, err)
		return exitAborted
	case err != nil:
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}

	if *format == formatText {
		printJob(a.stdout, job)
	} else if err := emit(a.stdout, *format, job); err != nil {
		fmt.Fprintln(a.stderr, err)
	}
	if job.State != ha.RebuildDone {
		return exitFailed
	}
	return exitOK
}

func cmdMonitor(a *app, args []string) int {
	fs := newFlagSet(a, "monitor", "<cluster|all>")
	interval := fs.Duration("interval", 0, "poll interval (default from config)")
	daemon := fs.Bool("daemon", false, "detach and run in the background")
	pos, code := parseArgs(fs, args, 1)
	if code >= 0 {
		return code
	}

	names := []string{pos[0]}
	if pos[0] == "all" {
		names = a.cfg.ClusterNames()
	}
	clusters := make([]ha.Cluster, 0, len(names))
	for _, n := range names {
		c, err := a.cluster(n)
		if err != nil {
			fmt.Fprintln(a.stderr, err)
			return exitUsage
		}
		clusters = append(clusters, c)
	}

	if *daemon && !isDaemonChild() {
		return a.detach()
	}
	if *daemon {
		release, err := holdPidfile(filepath.Join(a.cfg.StateDir, "monitor-"+pos[0]+".pid"))
		if err != nil {
			fmt.Fprintln(a.stderr, err)
			return exitUsage
		}
		defer release()
	}

	deps, err := a.deps()
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}
	mcfg := a.cfg.MonitorConfig()
	if *interval > 0 {
		mcfg.PollInterval = *interval
	}

	monitors := make([]*ha.ClusterMonitor, 0, len(clusters))
	for _, c := range clusters {
		monitors = append(monitors, ha.NewClusterMonitor(c, deps, mcfg))
	}
	d := ha.NewDaemon(monitors...)

	ctx, cancel := signalContext()
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(ctx) })
	if a.cfg.HTTP.Listen != "" {
		srv := api.NewServer(a.cfg.HTTP.Listen, d, api.Options{
			Metrics:   a.metrics.Handler(),
			AuditPath: a.auditPath(),
		}, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	a.logger.Info("monitor started",
		zap.Strings("clusters", names),
		zap.Duration("poll_interval", mcfg.PollInterval),
		zap.Bool("auto_failover", mcfg.AutoFailover),
		zap.Bool("auto_rebuild", mcfg.AutoRebuild))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("monitor stopped", zap.Error(err))
		return exitFailed
	}
	a.logger.Info("monitor stopped")
	return exitOK
}

func cmdHistory(a *app, args []string) int {
	fs := newFlagSet(a, "history", "")
	cluster := fs.String("cluster", "", "only records for this cluster")
	limit := fs.Int("limit", 20, "newest records to show (0 for all)")
	kind := fs.String("type", "", "only failover or rebuild records")
	format := formatFlag(fs)
	if _, code := parseArgs(fs, args, 0); code >= 0 {
		return code
	}
	if !validFormat(*format) {
		fmt.Fprintf(a.stderr, "invalid -format %q\n", *format)
		return exitUsage
	}

	recs, err := audit.Read(a.auditPath(), audit.Query{
		Cluster: *cluster,
		Type:    audit.RecordType(*kind),
		Limit:   *limit,
	})
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}
	if *format == formatText {
		printRecords(a.stdout, recs)
		return exitOK
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	if err := emit(a.stdout, *format, recs); err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}
	return exitOK
}

func cmdUnlock(a *app, args []string) int {
	fs := newFlagSet(a, "unlock", "<cluster>")
	force := fs.Bool("force", false, "release even if the lock is not stale")
	pos, code := parseArgs(fs, args, 1)
	if code >= 0 {
		return code
	}
	if _, err := a.cluster(pos[0]); err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}
	name := pos[0]

	locker, err := a.lockerFor()
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitUsage
	}
	ctx, cancel := signalContext()
	defer cancel()

	stale, holder, err := lock.IsStale(ctx, locker, name, a.cfg.Lock.StaleAfter)
	if err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}
	if holder == nil {
		fmt.Fprintf(a.stdout, "%s is not locked\n", name)
		return exitOK
	}
	age := holder.Age(time.Now()).Round(time.Second)
	if !stale && !*force {
		fmt.Fprintf(a.stderr, "%s is held by %s on %s (pid %d) for %s, below the %s staleness ceiling; use -force\n",
			name, holder.Owner, holder.Host, holder.PID, age, a.cfg.Lock.StaleAfter)
		return exitLockBusy
	}
	if err := locker.ForceRelease(ctx, name); err != nil {
		fmt.Fprintln(a.stderr, err)
		return exitFailed
	}
	a.logger.Warn("promotion lock force released",
		zap.String("cluster", name),
		zap.String("owner", holder.Owner),
		zap.String("host", holder.Host),
		zap.Duration("age", age))
	fmt.Fprintf(a.stdout, "released %s (held by %s on %s for %s)\n", name, holder.Owner, holder.Host, age)
	return exitOK
}
