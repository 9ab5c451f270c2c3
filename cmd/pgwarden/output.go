package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/pgwarden/internal/audit"
	"github.com/FairForge/pgwarden/internal/ha"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validFormat(f string) bool {
	return f == formatText || f == formatJSON || f == formatYAML
}

// emit writes v as JSON or YAML; text callers format themselves.
func emit(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q", format)
}

func nodeLine(n ha.ProbeResult) string {
	if !n.Reachable {
		return "unreachable: " + n.ErrorText()
	}
	role := "standby"
	if !n.InRecovery {
		role = "primary"
		if !n.AcceptingWrites {
			role += " (read-only)"
		}
	}
	if n.InRecovery && n.Streaming {
		role += ", streaming"
	}
	return fmt.Sprintf("%s in %s", role, n.Latency.Round(time.Millisecond))
}

func lagLine(l ha.LagSample) string {
	var parts []string
	if l.BytesKnown {
		parts = append(parts, fmt.Sprintf("%d bytes", l.BytesBehind))
	} else {
		parts = append(parts, "bytes unknown")
	}
	if l.SecondsKnown {
		parts = append(parts, fmt.Sprintf("%.1fs", l.SecondsBehind))
	}
	return strings.Join(parts, ", ")
}

func printReport(w io.Writer, rep ha.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "cluster:\t%s\n", rep.Cluster.Name)
	fmt.Fprintf(tw, "health:\t%s\n", rep.Health)
	fmt.Fprintf(tw, "primary %s:\t%s\n", rep.Primary.Node, nodeLine(rep.Primary))
	fmt.Fprintf(tw, "standby %s:\t%s\n", rep.Standby.Node, nodeLine(rep.Standby))
	if rep.Health != ha.HealthSplitBrain && rep.Primary.Reachable && rep.Standby.Reachable {
		fmt.Fprintf(tw, "lag:\t%s\n", lagLine(rep.Lag))
	}
	if rep.Swapped {
		fmt.Fprintf(tw, "note:\troles are swapped relative to the configuration\n")
	}
	if rep.Message != "" {
		fmt.Fprintf(tw, "detail:\t%s\n", rep.Message)
	}
	_ = tw.Flush()
}

func printPlan(w io.Writer, p *ha.Plan) {
	fmt.Fprintf(w, "%s of %s: %s -> %s\n", p.Kind, p.Cluster, p.From, p.To)
	fmt.Fprintf(w, "lag: %s\n", lagLine(p.Lag))
	for i, s := range p.Steps {
		fmt.Fprintf(w, "  %d. %s\n", i+1, s)
	}
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if p.Blocked != "" {
		fmt.Fprintf(w, "blocked: %s\n", p.Blocked)
	}
}

func printEvent(w io.Writer, e *ha.FailoverEvent) {
	fmt.Fprintln(w, e.Summary())
	for _, s := range e.Steps {
		fmt.Fprintf(w, "  - %s\n", s)
	}
	fmt.Fprintf(w, "duration: %s\n", e.Duration().Round(time.Millisecond))
}

func printJob(w io.Writer, j *ha.RebuildJob) {
	fmt.Fprintf(w, "rebuild of %s from %s: %s\n", j.Target, j.Source, j.State)
	for _, t := range j.History {
		line := fmt.Sprintf("  %s %s", t.At.Format(time.RFC3339), t.State)
		if t.Detail != "" {
			line += ": " + t.Detail
		}
		fmt.Fprintln(w, line)
	}
}

func printRecords(w io.Writer, recs []audit.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCLUSTER\tTYPE\tOUTCOME\tSUMMARY")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Time.Local().Format(time.RFC3339), r.Cluster, r.Type, r.Outcome, r.Summary())
	}
	_ = tw.Flush()
}
