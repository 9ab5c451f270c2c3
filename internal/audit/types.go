package audit

import (
	"time"

	"github.com/FairForge/pgwarden/internal/ha"
)

// RecordType is the kind of procedure a record describes.
type RecordType string

const (
	RecordFailover RecordType = "failover"
	RecordRebuild  RecordType = "rebuild"
)

// Record is one line of the audit log. Exactly one of Failover and Rebuild
// is set, matching Type.
type Record struct {
	Time     time.Time         `json:"time" yaml:"time"`
	Type     RecordType        `json:"type" yaml:"type"`
	Cluster  string            `json:"cluster" yaml:"cluster"`
	Outcome  string            `json:"outcome" yaml:"outcome"`
	Failover *ha.FailoverEvent `json:"failover,omitempty" yaml:"failover,omitempty"`
	Rebuild  *ha.RebuildJob    `json:"rebuild,omitempty" yaml:"rebuild,omitempty"`
}

// Summary is a one-line description of the record.
func (r Record) Summary() string {
	switch {
	case r.Failover != nil:
		return r.Failover.Summary()
	case r.Rebuild != nil:
		s := "rebuild of " + r.Rebuild.Target + " from " + r.Rebuild.Source + " " + string(r.Rebuild.State)
		if r.Rebuild.Error != "" {
			s += ": " + r.Rebuild.Error
		}
		return s
	}
	return string(r.Type)
}

// Query selects records from the log.
type Query struct {
	Cluster string
	Type    RecordType
	Since   time.Time
	// Limit keeps only the newest Limit matches; zero keeps all.
	Limit int
}

func (q Query) matches(r Record) bool {
	if q.Cluster != "" && r.Cluster != q.Cluster {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && r.Time.Before(q.Since) {
		return false
	}
	return true
}
