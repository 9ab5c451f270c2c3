package ha

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Role is a node's part in the replication pair.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
	RoleUnknown Role = "unknown"
)

// ErrSplitBrain is returned when both nodes are out of recovery.
var ErrSplitBrain = errors.New("split-brain: both nodes are out of recovery")

// Node identifies one database server and the role configuration gave it.
type Node struct {
	Name string `json:"name" yaml:"name"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Role Role   `json:"declared_role" yaml:"declared_role"`
}

// Address returns host:port.
func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) String() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Address()
}

// Cluster is one monitored primary/standby pair.
type Cluster struct {
	Name    string `json:"name" yaml:"name"`
	Primary Node   `json:"primary" yaml:"primary"`
	Standby Node   `json:"standby" yaml:"standby"`
}

// Swapped returns the cluster with primary and standby exchanged.
func (c Cluster) Swapped() Cluster {
	c.Primary, c.Standby = c.Standby, c.Primary
	c.Primary.Role = RolePrimary
	c.Standby.Role = RoleStandby
	return c
}

// ClusterNode is a node together with what the last probe saw.
type ClusterNode struct {
	Node         `yaml:",inline"`
	ObservedRole Role        `json:"observed_role" yaml:"observed_role"`
	Reachable    bool        `json:"reachable" yaml:"reachable"`
	LastProbe    time.Time   `json:"last_probe" yaml:"last_probe"`
	Probe        ProbeResult `json:"probe" yaml:"probe"`
}

func observe(n Node, r ProbeResult) ClusterNode {
	return ClusterNode{
		Node:         n,
		ObservedRole: r.ObservedRole(),
		Reachable:    r.Reachable,
		LastProbe:    r.ProbedAt,
		Probe:        r,
	}
}

// PreconditionError reports a check that failed before anything was changed.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: precondition failed: %s", e.Op, e.Reason)
}
