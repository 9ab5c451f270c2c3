// Package ha implements failure detection and promotion for a primary/standby
// PostgreSQL pair using physical streaming replication.
//
// # Overview
//
// The control flow for one cluster is:
//
//	ClusterMonitor (poll loop)
//	  → Prober: both nodes, concurrently, bounded by a timeout
//	  → LagTracker: bytes and seconds the standby trails the primary
//	  → FailureDetector: healthy → degrading → failed, one trigger per episode
//	  → lock.Locker: at most one promotion or rebuild per cluster
//	  → PromotionOrchestrator: failover or switchover
//	  → ReplicaRebuilder: former primary re-seeded as a standby
//	  → AuditLog and Notifier: outcome recorded, then announced
//
// # Safety
//
// Two nodes must never accept writes at the same time. The orchestrator
// re-checks every precondition after taking the lock, refuses a failover if
// the old primary is reachable and out of recovery, and never rolls back once a
// promote command has been issued; it keeps verifying until the bounded
// wait expires and then reports failed for manual follow-up.
//
// Split-brain is detected and reported. It is never repaired automatically.
//
// # Quick Start
//
//	locker, err := lock.NewFileLocker(stateDir+"/locks", "pgwarden")
//	if err != nil {
//		return err
//	}
//	deps := ha.Deps{
//		Prober:   ha.NewSQLProber(pool, 3*time.Second, logger),
//		Admin:    admin,
//		Locker:   locker,
//		Audit:    auditLog,
//		Notifier: dispatcher,
//		Metrics:  collector,
//		Logger:   logger,
//	}
//	m := ha.NewClusterMonitor(cluster, deps, ha.MonitorConfig{AutoFailover: true})
//	go m.Run(ctx)
//
// # Thread Safety
//
// FailureDetector and LagTracker belong to a single monitor goroutine and are
// not synchronized. PromotionOrchestrator and ReplicaRebuilder are safe for
// concurrent use; the locker serializes them. ClusterMonitor.Snapshot may be
// called from any goroutine.
package ha
