package ha

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Topology is the cluster as the probes currently see it.
type Topology struct {
	Cluster Cluster     `json:"cluster" yaml:"cluster"`
	Primary ProbeResult `json:"primary" yaml:"primary"`
	Standby ProbeResult `json:"standby" yaml:"standby"`
	// Swapped is set when the observed roles are the reverse of the
	// configured ones.
	Swapped bool `json:"swapped" yaml:"swapped"`
}

// probePair probes both nodes concurrently.
func probePair(ctx context.Context, prober Prober, a, b Node) (ProbeResult, ProbeResult) {
	var ra, rb ProbeResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ra = prober.Probe(gctx, a)
		return nil
	})
	g.Go(func() error {
		rb = prober.Probe(gctx, b)
		return nil
	})
	_ = g.Wait()
	return ra, rb
}

// Discover probes both nodes and assigns roles from what they report.
// Exactly one writable node is the primary. With none writable the
// configured roles stand. Two writable nodes return ErrSplitBrain together
// with the topology as configured.
func Discover(ctx context.Context, prober Prober, c Cluster) (Topology, error) {
	rp, rs := probePair(ctx, prober, c.Primary, c.Standby)
	return classify(c, rp, rs)
}

func classify(c Cluster, rp, rs ProbeResult) (Topology, error) {
	switch {
	case rp.IsPrimary() && rs.IsPrimary():
		return Topology{Cluster: c, Primary: rp, Standby: rs}, ErrSplitBrain
	case rs.IsPrimary() && !rp.IsPrimary():
		return Topology{Cluster: c.Swapped(), Primary: rs, Standby: rp, Swapped: true}, nil
	default:
		return Topology{Cluster: c, Primary: rp, Standby: rs}, nil
	}
}

// Health classifies a cluster for operators and scripts.
type Health string

const (
	HealthOK                 Health = "ok"
	HealthPrimaryUnreachable Health = "primary_unreachable"
	HealthStandbyUnreachable Health = "standby_unreachable"
	HealthBothUnreachable    Health = "both_unreachable"
	HealthLagging            Health = "lagging"
	HealthSplitBrain         Health = "split_brain"
)

// Report is the result of Inspect.
type Report struct {
	Topology `yaml:",inline"`
	Health  Health    `json:"health" yaml:"health"`
	Lag     LagSample `json:"lag" yaml:"lag"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// Inspect probes the cluster once and classifies its health.
func Inspect(ctx context.Context, prober Prober, c Cluster, safety LagSafety) Report {
	topo, err := Discover(ctx, prober, c)
	rep := Report{Topology: topo}
	p, s := topo.Primary, topo.Standby

	switch {
	case err != nil:
		rep.Health = HealthSplitBrain
		rep.Message = err.Error()
		return rep
	case !p.Reachable && !s.Reachable:
		rep.Health = HealthBothUnreachable
		rep.Message = p.ErrorText() + "; " + s.ErrorText()
		return rep
	case !p.Reachable:
		rep.Health = HealthPrimaryUnreachable
		rep.Message = p.ErrorText()
		return rep
	case !s.Reachable:
		rep.Health = HealthStandbyUnreachable
		rep.Message = s.ErrorText()
		return rep
	case p.InRecovery:
		rep.Health = HealthPrimaryUnreachable
		rep.Message = "no node is out of recovery"
		return rep
	}

	rep.Lag = ComputeLag(p.CurrentPosition, s.ReceivedPosition, s.AppliedPosition, s.LastApplyTime, s.clock())
	switch {
	case rep.Lag.Err != nil:
		rep.Health = HealthLagging
		rep.Message = rep.Lag.Err.Error()
	case !s.Streaming:
		rep.Health = HealthLagging
		rep.Message = "standby is not streaming"
	case rep.Lag.Exceeds(safety):
		rep.Health = HealthLagging
		rep.Message = rep.Lag.Unsafe(safety)
	default:
		rep.Health = HealthOK
	}
	return rep
}
