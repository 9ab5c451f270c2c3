package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/pgwarden/internal/wal"
)

var (
	db1 = Node{Name: "db1", Host: "10.0.0.1", Port: 5432, Role: RolePrimary}
	db2 = Node{Name: "db2", Host: "10.0.0.2", Port: 5432, Role: RoleStandby}

	testCluster = Cluster{Name: "main", Primary: db1, Standby: db2}
)

type simNode struct {
	up         bool
	inRecovery bool
	readOnly   bool
	streaming  bool
	current    wal.LSN
	received   wal.LSN
	applied    wal.LSN
	lastApply  time.Time
}

// simCluster is an in-memory primary/standby pair implementing both Prober
// and NodeAdmin.
type simCluster struct {
	mu    sync.Mutex
	nodes map[string]*simNode
	calls []string
	fail  map[string]error

	// replicate makes a checkpoint bring every standby up to date.
	replicate bool
	// promoteIgnored makes Promote succeed without leaving recovery.
	promoteIgnored bool
	// startsWritable makes StartStandby bring the node up out of recovery.
	startsWritable bool
	// promoteGate, when set, blocks Promote until closed.
	promoteGate    chan struct{}
	promoteWaiting bool
}

func newSimCluster() *simCluster {
	return &simCluster{
		nodes: map[string]*simNode{
			"db1": {up: true, current: 0x3000060},
			"db2": {up: true, inRecovery: true, streaming: true, received: 0x3000060, applied: 0x3000060, lastApply: time.Now()},
		},
		fail:      map[string]error{},
		replicate: true,
	}
}

func (s *simCluster) node(name string) *simNode {
	n, ok := s.nodes[name]
	if !ok {
		panic("unknown sim node " + name)
	}
	return n
}

func (s *simCluster) set(name string, fn func(n *simNode)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.node(name))
}

func (s *simCluster) failOn(call string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[call] = err
}

func (s *simCluster) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *simCluster) called(call string) bool {
	for _, c := range s.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (s *simCluster) record(call string) error {
	s.calls = append(s.calls, call)
	return s.fail[call]
}

func (s *simCluster) Probe(ctx context.Context, n Node) ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	r := ProbeResult{Node: n.String(), ProbedAt: now}
	if err := ctx.Err(); err != nil {
		r.Err = err
		return r
	}
	sn := s.node(n.Name)
	if !sn.up {
		r.Err = errors.New("dial tcp " + n.Address() + ": connect: connection refused")
		return r
	}
	r.Reachable = true
	r.InRecovery = sn.inRecovery
	r.AcceptingWrites = !sn.inRecovery && !sn.readOnly
	r.Streaming = sn.inRecovery && sn.streaming
	r.ServerTime = now
	if sn.inRecovery {
		r.ReceivedPosition = sn.received
		r.AppliedPosition = sn.applied
		r.LastApplyTime = sn.lastApply
	} else {
		r.CurrentPosition = sn.current
	}
	return r
}

func (s *simCluster) Promote(ctx context.Context, n Node) error {
	s.mu.Lock()
	gate := s.promoteGate
	s.promoteWaiting = gate != nil
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("promote " + n.Name); err != nil {
		return err
	}
	if s.promoteIgnored {
		return nil
	}
	sn := s.node(n.Name)
	if sn.up && sn.inRecovery {
		sn.inRecovery = false
		sn.streaming = false
		sn.current = sn.applied + 0x28
	}
	return nil
}

func (s *simCluster) promoteBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoteWaiting
}

func (s *simCluster) Checkpoint(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("checkpoint " + n.Name); err != nil {
		return err
	}
	p := s.node(n.Name)
	p.current += 0x68
	if s.replicate {
		for name, sn := range s.nodes {
			if name != n.Name && sn.up && sn.inRecovery {
				sn.received, sn.applied = p.current, p.current
				sn.lastApply = time.Now()
			}
		}
	}
	return nil
}

func (s *simCluster) Quiesce(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("quiesce " + n.Name); err != nil {
		return err
	}
	s.node(n.Name).readOnly = true
	return nil
}

func (s *simCluster) Resume(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("resume " + n.Name); err != nil {
		return err
	}
	s.node(n.Name).readOnly = false
	return nil
}

func (s *simCluster) Stop(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("stop " + n.Name); err != nil {
		return err
	}
	s.node(n.Name).up = false
	return nil
}

func (s *simCluster) Wipe(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("wipe " + n.Name); err != nil {
		return err
	}
	*s.node(n.Name) = simNode{}
	return nil
}

func (s *simCluster) Seed(_ context.Context, target, source Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(fmt.Sprintf("seed %s from %s", target.Name, source.Name)); err != nil {
		return err
	}
	src := s.node(source.Name)
	if !src.up || src.inRecovery {
		return errors.New("source is not a primary")
	}
	t := s.node(target.Name)
	t.received, t.applied = src.current, src.current
	return nil
}

func (s *simCluster) StartStandby(_ context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("start " + n.Name); err != nil {
		return err
	}
	sn := s.node(n.Name)
	sn.up = true
	sn.readOnly = false
	sn.inRecovery = !s.startsWritable
	sn.streaming = !s.startsWritable
	sn.lastApply = time.Now()
	if s.startsWritable {
		sn.current = sn.applied
	}
	return nil
}

type memAudit struct {
	mu       sync.Mutex
	events   []FailoverEvent
	rebuilds []RebuildJob
}

func (a *memAudit) AppendFailover(e FailoverEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *memAudit) AppendRebuild(j RebuildJob) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rebuilds = append(a.rebuilds, j)
	return nil
}

func (a *memAudit) Events() []FailoverEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FailoverEvent(nil), a.events...)
}

func (a *memAudit) Rebuilds() []RebuildJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RebuildJob(nil), a.rebuilds...)
}

type memNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *memNotifier) Notify(_ context.Context, msg Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *memNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

func (n *memNotifier) Kinds() []EventKind {
	var kinds []EventKind
	for _, s := range n.Sent() {
		kinds = append(kinds, s.EventKind)
	}
	return kinds
}

func fastOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		VerifyTimeout:     200 * time.Millisecond,
		VerifyInterval:    5 * time.Millisecond,
		MaxVerifyInterval: 20 * time.Millisecond,
		CatchUpTimeout:    100 * time.Millisecond,
		CatchUpInterval:   5 * time.Millisecond,
		CommandTimeout:    time.Second,
	}
}

func fastRebuildConfig() RebuildConfig {
	return RebuildConfig{
		CommandTimeout: time.Second,
		SeedTimeout:    time.Second,
		StreamTimeout:  100 * time.Millisecond,
		StreamInterval: 5 * time.Millisecond,
	}
}
